package tcprelay

import (
	"net/netip"
	"time"

	"tunrelay/internal/headers"
	"tunrelay/internal/selector"
)

// Status is a pipe's position in the hand-rolled termination state
// machine. There is no RFC 793 LAST_ACK state: a device FIN moves the
// pipe straight to CLOSE_WAIT, and the pipe is purged once both halves
// are inactive rather than waiting out a final ACK exchange.
type Status int

const (
	// StatusSynSent is a pipe's state from creation until the device's
	// SYN has been processed: the upstream connect is in flight (or has
	// already failed), but nothing has been said back to the device yet.
	StatusSynSent Status = iota
	StatusSynReceived
	StatusEstablished
	StatusCloseWait
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSynSent:
		return "SYN_SENT"
	case StatusSynReceived:
		return "SYN_RECEIVED"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusCloseWait:
		return "CLOSE_WAIT"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// pipe is one TCP flow's termination bookkeeping plus its upstream
// socket. The TCP Relay owns every pipe from a single goroutine, so none
// of this needs synchronization.
type pipe struct {
	key    headers.FlowKey
	fd     int
	handle selector.Handle

	registered bool
	interest   selector.Interest

	// device is the TUN-side peer's address:port (the reply's
	// destination); remote is the real upstream peer this pipe dials
	// out to (the reply's source).
	device netip.AddrPort
	remote netip.AddrPort

	status     Status
	upActive   bool // device -> upstream direction still open
	downActive bool // upstream -> device direction still open

	mySequenceNum            uint32
	theirSequenceNum         uint32
	myAcknowledgementNum     uint32
	theirAcknowledgementNum  uint32

	remoteOutBuffer []byte // bytes from the device not yet flushed upstream
	packID          uint16 // per-pipe IP identification counter for replies
	synCount        int
	tunnelID        uint64

	createdAt   time.Time
	connectedAt time.Time
	lastActive  time.Time
}

func (p *pipe) touch(now time.Time) { p.lastActive = now }

func (p *pipe) nextPackID() uint16 {
	p.packID++
	return p.packID
}
