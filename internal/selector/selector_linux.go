package selector

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// wakeData is a sentinel identity for the selector's own wakeup eventfd;
// it can never collide with a slab index since those start at 0 and are
// stored as their own (small, non-negative) value.
const wakeData = ^uint64(0)

// Selector multiplexes readiness of many upstream sockets for exactly one
// owning goroutine. Register/Modify/Remove/Wait must only be called from
// that goroutine; Wake may be called from any goroutine.
type Selector struct {
	epfd   int
	wakeFD int
	arena  slab
}

func New() (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	ev.SetUint64(wakeData)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, err
	}

	return &Selector{epfd: epfd, wakeFD: wakeFD}, nil
}

func epollBits(i Interest) uint32 {
	var bits uint32
	if i&Read != 0 {
		bits |= unix.EPOLLIN
	}
	if i&(Write|Connect) != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// Register starts watching fd for the given interest, with attachment
// retrievable from the Handle's Event. fd must already be non-blocking.
func (s *Selector) Register(fd int, interest Interest, attachment any) (Handle, error) {
	idx := s.arena.alloc(fd, interest, attachment)
	ev := unix.EpollEvent{Events: epollBits(interest)}
	ev.SetUint64(uint64(idx))
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		s.arena.release(idx)
		return 0, err
	}
	return Handle(idx), nil
}

// Modify changes a registration's interest set (e.g. dropping Write once
// a buffer has drained, or switching Connect to Read|Write once a connect
// completes).
func (s *Selector) Modify(h Handle, interest Interest) error {
	slot := &s.arena.slots[h]
	if !slot.used {
		return errors.New("selector: modify on removed handle")
	}
	slot.interest = interest
	slot.connectPending = interest&Connect != 0
	ev := unix.EpollEvent{Events: epollBits(interest)}
	ev.SetUint64(uint64(h))
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, slot.fd, &ev)
}

// Remove stops watching a registration. It does not close the fd.
func (s *Selector) Remove(h Handle) error {
	slot := &s.arena.slots[h]
	if !slot.used {
		return nil
	}
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, slot.fd, nil)
	s.arena.release(int(h))
	return err
}

// Wake unblocks a goroutine parked in Wait, used by a peer loop handing
// off a newly created socket that must be registered.
func (s *Selector) Wake() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(s.wakeFD, buf[:])
}

// Wait blocks up to timeout (0 = return immediately, <0 = block
// indefinitely) and returns the set of ready registrations.
func (s *Selector) Wait(timeout time.Duration) ([]Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}

	raw := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(s.epfd, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		data := raw[i].GetUint64()
		if data == wakeData {
			var buf [8]byte
			unix.Read(s.wakeFD, buf[:])
			continue
		}

		idx := int(data)
		slot := &s.arena.slots[idx]
		if !slot.used {
			continue
		}

		e := Event{Handle: Handle(idx), Attachment: slot.attachment}
		if raw[i].Events&unix.EPOLLIN != 0 {
			e.Readable = true
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			if slot.connectPending {
				e.Connectable = true
			} else {
				e.Writable = true
			}
		}
		if raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			e.Readable = slot.interest&Read != 0
			e.Writable = slot.interest&Write != 0
			e.Connectable = slot.connectPending
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *Selector) Close() error {
	unix.Close(s.wakeFD)
	return unix.Close(s.epfd)
}
