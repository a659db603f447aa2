// Package rawsock creates the non-blocking upstream sockets the relays
// dial out on, applying the injected "protect" capability before connect
// so the OS excludes their traffic from being routed back through the TUN.
package rawsock

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Protect exempts fd's traffic from the virtual interface's routing. It is
// invoked on every upstream socket's file descriptor before connect.
type Protect func(fd int) error

// ErrConnectPending is returned by Connect when a non-blocking TCP connect
// has started but not yet completed; the caller should wait for the
// selector to report connectable and then call ConnectError.
var ErrConnectPending = errors.New("rawsock: connect in progress")

// ErrWouldBlock is returned by Read/Write when the non-blocking operation
// has no data or buffer space available right now. It is distinct from a
// genuine zero-length result: a stream socket's Read returning (0, nil) is
// EOF, not "try again".
var ErrWouldBlock = errors.New("rawsock: would block")

// NewTCP creates a non-blocking IPv4 TCP socket and protects it.
func NewTCP(protect Protect) (int, error) {
	return newSocket(unix.SOCK_STREAM, protect)
}

// NewUDP creates a non-blocking IPv4 UDP socket and protects it.
func NewUDP(protect Protect) (int, error) {
	return newSocket(unix.SOCK_DGRAM, protect)
}

func newSocket(typ int, protect Protect) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if protect != nil {
		if err := protect(fd); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

// Connect starts (or, for UDP, completes) connecting fd to addr. For a
// non-blocking TCP socket it returns ErrConnectPending until the selector
// reports the socket connectable and ConnectError confirms success.
func Connect(fd int, addr netip.AddrPort) error {
	sa := toSockaddr(addr)
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err == unix.EINPROGRESS {
		return ErrConnectPending
	}
	return err
}

// ConnectError reads SO_ERROR to find out whether a pending non-blocking
// connect succeeded.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func toSockaddr(addr netip.AddrPort) unix.Sockaddr {
	a := addr.Addr().As4()
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: a}
}

// Read performs a non-blocking read. A would-block condition is reported
// as ErrWouldBlock. A stream socket's (0, nil) is EOF; a datagram
// socket's (0, nil) is a legitimate zero-length datagram.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Write performs a non-blocking write. A would-block condition is
// reported as ErrWouldBlock.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// ShutdownWrite half-closes the write side of fd (graceful FIN equivalent
// toward the upstream peer).
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// ShutdownRead half-closes the read side of fd.
func ShutdownRead(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RD)
}

func Close(fd int) error {
	return unix.Close(fd)
}
