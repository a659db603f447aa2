package udprelay

import (
	"net/netip"
	"sync/atomic"
	"time"

	"tunrelay/internal/headers"
	"tunrelay/internal/selector"
)

// flowEntry is a UDP flow's upstream socket plus the addresses a reply
// packet needs: remote is the address the device originally targeted
// (the reply's source), local is the device's own address (the reply's
// destination).
//
// The send loop writes on fd, but once the flow is registered only the
// receive loop closes fd and deregisters handle: the send loop never
// closes a socket it shares with the selector, it only flags the flow
// for eviction and lets
// the receive loop — the selector's sole owner — tear it down on its own
// schedule. That keeps exactly one goroutine retiring each fd number, so
// it can never be reassigned by the kernel while the other loop still
// references it.
type flowEntry struct {
	key    headers.FlowKey
	fd     int
	remote netip.AddrPort
	local  netip.AddrPort
	handle selector.Handle

	evict atomic.Bool

	// lastActive is a UnixNano timestamp touched by both the send loop
	// (on every outbound datagram) and the receive loop (on every
	// inbound one), so it must stay an atomic rather than a plain field.
	lastActive atomic.Int64
}

func (e *flowEntry) touch() { e.lastActive.Store(time.Now().UnixNano()) }

func (e *flowEntry) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastActive.Load()))
}
