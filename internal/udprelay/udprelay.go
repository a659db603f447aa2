// Package udprelay is the UDP Relay: a per-flow upstream datagram socket
// forwards device payloads out and a selector-driven receive loop
// synthesizes reply packets back.
package udprelay

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"tunrelay/internal/flog"
	"tunrelay/internal/headers"
	"tunrelay/internal/pkg/buffer"
	"tunrelay/internal/queue"
	"tunrelay/internal/rawsock"
	"tunrelay/internal/selector"
)

// pollTimeout bounds how long the receive loop can sit in the selector
// wait before re-checking for cancellation and sweeping evicted flows.
const pollTimeout = 250 * time.Millisecond

// sweepInterval bounds how long the send loop can sit waiting for an
// ingress packet before it interleaves an idle-flow sweep.
const sweepInterval = 5 * time.Second

// defaultIdleTimeout is used when SetIdleTimeout is never called.
const defaultIdleTimeout = 5 * time.Minute

type Relay struct {
	ingress *queue.Queue[*headers.Packet]
	egress  *queue.Queue[*headers.Reply]
	protect rawsock.Protect

	reg   *queue.Queue[*flowEntry]
	flows map[headers.FlowKey]*flowEntry // owned by the send loop only

	sel     *selector.Selector       // owned by the receive loop only
	active  map[headers.FlowKey]*flowEntry // the receive loop's own mirror, for sweeping evicted entries it still has registered
	builder *headers.ReplyBuilder
	ipID    atomic.Uint32

	idleTimeout time.Duration

	wg sync.WaitGroup
}

func New(ingress *queue.Queue[*headers.Packet], egress *queue.Queue[*headers.Reply], protect rawsock.Protect) *Relay {
	return &Relay{
		ingress:     ingress,
		egress:      egress,
		protect:     protect,
		flows:       make(map[headers.FlowKey]*flowEntry),
		active:      make(map[headers.FlowKey]*flowEntry),
		reg:         queue.New[*flowEntry](queue.DefaultCapacity),
		builder:     headers.NewReplyBuilder(),
		idleTimeout: defaultIdleTimeout,
	}
}

// SetIdleTimeout overrides how long a flow may sit without a datagram in
// either direction before it is evicted. Must be called before Start.
func (r *Relay) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		r.idleTimeout = d
	}
}

func (r *Relay) Start(ctx context.Context) error {
	sel, err := selector.New()
	if err != nil {
		return err
	}
	r.sel = sel

	r.wg.Add(2)
	go r.sendLoop(ctx)
	go r.receiveLoop(ctx)
	return nil
}

// Stop waits for both loops to exit (the caller must already have
// cancelled their context) and releases every owned socket and selector.
func (r *Relay) Stop() {
	r.wg.Wait()
	for _, e := range r.active {
		rawsock.Close(e.fd)
	}
	r.sel.Close()
}

func (r *Relay) sendLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		pkt, ok, done := r.ingress.TakeTimeout(ctx, sweepInterval)
		if done {
			return
		}
		if !ok {
			r.sweepIdle()
			continue
		}
		r.handlePacket(pkt)
	}
}

// sweepIdle flags flows that have exchanged no datagram in either
// direction for longer than idleTimeout. It only sets evict and drops
// the send loop's own map entry; the receive loop, which alone owns the
// fd and selector registration, performs the actual teardown.
func (r *Relay) sweepIdle() {
	now := time.Now()
	for key, entry := range r.flows {
		if entry.evict.Load() {
			delete(r.flows, key)
			continue
		}
		if entry.idleFor(now) > r.idleTimeout {
			flog.Debugf("udp relay: evicting idle flow to %s", entry.remote)
			entry.evict.Store(true)
			delete(r.flows, key)
		}
	}
}

func (r *Relay) handlePacket(pkt *headers.Packet) {
	defer pkt.Release()

	key, ok := pkt.Key()
	if !ok {
		return
	}

	entry, exists := r.flows[key]
	if exists && entry.evict.Load() {
		delete(r.flows, key)
		exists = false
	}

	if !exists {
		var err error
		entry, err = r.openFlow(key, pkt)
		if err != nil {
			flog.Debugf("udp relay: dial %s:%d failed: %v", pkt.DstIP, pkt.UDP.DstPort, err)
			return
		}
		r.flows[key] = entry
		if !r.reg.Offer(entry) {
			flog.Warnf("udp relay: registration queue full, dropping new flow to %s:%d", pkt.DstIP, pkt.UDP.DstPort)
			rawsock.Close(entry.fd)
			delete(r.flows, key)
			return
		}
		r.sel.Wake()
	}

	entry.touch()
	if _, err := rawsock.Write(entry.fd, pkt.Payload); err != nil && err != rawsock.ErrWouldBlock {
		flog.Debugf("udp relay: write error for flow to %s:%d: %v", entry.remote.Addr(), entry.remote.Port(), err)
		entry.evict.Store(true)
		delete(r.flows, key)
	}
}

func (r *Relay) openFlow(key headers.FlowKey, pkt *headers.Packet) (*flowEntry, error) {
	fd, err := rawsock.NewUDP(r.protect)
	if err != nil {
		return nil, err
	}

	dst := netip.AddrPortFrom(pkt.DstIP, pkt.UDP.DstPort)
	if err := rawsock.Connect(fd, dst); err != nil {
		rawsock.Close(fd)
		return nil, err
	}

	entry := &flowEntry{
		key:    key,
		fd:     fd,
		remote: dst,
		local:  netip.AddrPortFrom(pkt.SrcIP, pkt.UDP.SrcPort),
	}
	entry.touch()
	return entry, nil
}

func (r *Relay) receiveLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.drainRegistrations()
		r.sweepEvicted()

		events, err := r.sel.Wait(pollTimeout)
		if err != nil {
			flog.Errorf("udp relay: selector wait error: %v", err)
			continue
		}
		for _, ev := range events {
			entry := ev.Attachment.(*flowEntry)
			if entry.evict.Load() {
				continue
			}
			if ev.Readable {
				r.handleReadable(entry)
			}
		}
	}
}

func (r *Relay) drainRegistrations() {
	for {
		entry, ok := r.reg.TryTake()
		if !ok {
			return
		}
		h, err := r.sel.Register(entry.fd, selector.Read, entry)
		if err != nil {
			flog.Errorf("udp relay: selector register failed: %v", err)
			rawsock.Close(entry.fd)
			continue
		}
		entry.handle = h
		r.active[entry.key] = entry
	}
}

// sweepEvicted tears down flows the send loop has flagged for eviction.
// While the loops run, this is the only place a registered UDP upstream
// socket is closed, keeping the lifetime of every registered fd within
// the receive loop that also owns its selector registration.
func (r *Relay) sweepEvicted() {
	for key, entry := range r.active {
		if entry.evict.Load() {
			r.sel.Remove(entry.handle)
			rawsock.Close(entry.fd)
			delete(r.active, key)
		}
	}
}

func (r *Relay) handleReadable(entry *flowEntry) {
	bufp := buffer.UDPPool.Get().(*[]byte)
	buf := *bufp

	n, err := rawsock.Read(entry.fd, buf)
	if err != nil {
		buffer.UDPPool.Put(bufp)
		if err == rawsock.ErrWouldBlock {
			return
		}
		entry.evict.Store(true)
		return
	}
	entry.touch()

	replyBufp := buffer.ReplyPool.Get().(*[]byte)
	ipID := uint16(r.ipID.Add(1))
	out, err := r.builder.UDP(*replyBufp, entry.remote, entry.local, ipID, buf[:n])
	buffer.UDPPool.Put(bufp)
	if err != nil {
		buffer.ReplyPool.Put(replyBufp)
		flog.Errorf("udp relay: build reply failed: %v", err)
		return
	}

	reply := headers.NewReply(out, func() { buffer.ReplyPool.Put(replyBufp) })
	if !r.egress.Offer(reply) {
		reply.Release()
	}
}
