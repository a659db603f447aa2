// Package tcprelay is the TCP Relay: a single goroutine that multiplexes
// every TCP pipe through one non-blocking event loop, hand-rolling just
// enough of TCP's termination handshake to proxy a device's stream onto a
// real upstream socket.
package tcprelay

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"tunrelay/internal/flog"
	"tunrelay/internal/headers"
	"tunrelay/internal/pkg/buffer"
	"tunrelay/internal/queue"
	"tunrelay/internal/rawsock"
	"tunrelay/internal/selector"
)

// idleSleep is how long the loop yields when neither the ingress queue
// nor the selector had anything to do, so the relay doesn't busy-spin a
// core while idle.
const idleSleep = time.Millisecond

// sweepInterval bounds how often the loop checks pipes for a stuck
// connect or an idle upstream, independent of idleSleep.
const sweepInterval = 5 * time.Second

const (
	defaultDialTimeout = 10 * time.Second
	defaultIdleTimeout = 5 * time.Minute
)

type Relay struct {
	ingress *queue.Queue[*headers.Packet]
	egress  *queue.Queue[*headers.Reply]
	protect rawsock.Protect

	flows   map[headers.FlowKey]*pipe
	sel     *selector.Selector
	builder *headers.ReplyBuilder

	tunnelIDs atomic.Uint64

	dialTimeout time.Duration
	idleTimeout time.Duration
	nextSweep   time.Time

	done chan struct{}
}

func New(ingress *queue.Queue[*headers.Packet], egress *queue.Queue[*headers.Reply], protect rawsock.Protect) *Relay {
	return &Relay{
		ingress:     ingress,
		egress:      egress,
		protect:     protect,
		flows:       make(map[headers.FlowKey]*pipe),
		builder:     headers.NewReplyBuilder(),
		dialTimeout: defaultDialTimeout,
		idleTimeout: defaultIdleTimeout,
		done:        make(chan struct{}),
	}
}

// SetTimeouts overrides the default dial/idle timeouts. Zero leaves the
// corresponding default in place. Must be called before Start.
func (r *Relay) SetTimeouts(dial, idle time.Duration) {
	if dial > 0 {
		r.dialTimeout = dial
	}
	if idle > 0 {
		r.idleTimeout = idle
	}
}

func (r *Relay) Start(ctx context.Context) error {
	sel, err := selector.New()
	if err != nil {
		return err
	}
	r.sel = sel
	go r.run(ctx)
	return nil
}

// Stop waits for the loop to exit (the caller must already have
// cancelled their context) and releases every owned socket and selector.
func (r *Relay) Stop() {
	<-r.done
	for _, p := range r.flows {
		if p.fd >= 0 {
			rawsock.Close(p.fd)
		}
	}
	r.sel.Close()
}

// run is the relay's single event loop. Every iteration drains whatever
// ingress packets are queued (Phase A) and then services the selector
// once (Phase B); the loop only sleeps on an iteration that did nothing.
func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		didWork := r.drainIngress()
		didWork = r.serviceSelector() || didWork

		now := time.Now()
		if now.After(r.nextSweep) {
			r.sweepTimeouts(now)
			r.nextSweep = now.Add(sweepInterval)
			didWork = true
		}

		if !didWork {
			time.Sleep(idleSleep)
		}
	}
}

// sweepTimeouts purges pipes whose upstream connect never completed
// within dialTimeout, and pipes that have seen neither a device segment
// nor upstream data for longer than idleTimeout. Both are reclaiming a stuck
// real-world peer, not anything the termination state machine itself
// tracks.
func (r *Relay) sweepTimeouts(now time.Time) {
	for _, p := range r.flows {
		if p.interest == selector.Connect && now.Sub(p.createdAt) > r.dialTimeout {
			flog.Debugf("tcp relay: dial timeout for tunnel %d to %s", p.tunnelID, p.remote)
			r.closeRst(p)
			continue
		}
		if !p.lastActive.IsZero() && now.Sub(p.lastActive) > r.idleTimeout {
			flog.Debugf("tcp relay: idle timeout for tunnel %d to %s", p.tunnelID, p.remote)
			r.closeRst(p)
		}
	}
}

func (r *Relay) drainIngress() bool {
	processed := false
	for {
		pkt, ok := r.ingress.TryTake()
		if !ok {
			return processed
		}
		processed = true
		r.handlePacket(pkt)
	}
}

func (r *Relay) handlePacket(pkt *headers.Packet) {
	defer pkt.Release()

	key, ok := pkt.Key()
	if !ok || pkt.TCP == nil {
		return
	}

	p, exists := r.flows[key]
	if exists && !p.upActive && !p.downActive {
		// A pipe whose upstream connect failed is purged by the next
		// segment for its key, which then starts a fresh pipe.
		r.purge(p)
		exists = false
	}
	if !exists {
		p = r.createPipe(key, pkt)
		r.flows[key] = p
	}
	p.touch(time.Now())

	seg := pkt.TCP
	switch {
	case seg.IsRST():
		r.handleRST(p)
	case seg.IsSYN():
		r.handleSYN(p, seg)
	case seg.IsFIN():
		r.handleFIN(p, seg)
	default:
		r.handleACK(p, seg, pkt.Payload)
	}
}

// createPipe opens a non-blocking upstream socket and starts connecting
// it, but always inserts the pipe into the flow table: a synchronous
// connect failure just leaves both halves inactive so the pipe purges
// itself the next time a segment for this key arrives.
func (r *Relay) createPipe(key headers.FlowKey, pkt *headers.Packet) *pipe {
	p := &pipe{
		key:        key,
		fd:         -1,
		device:     netip.AddrPortFrom(pkt.SrcIP, pkt.TCP.SrcPort),
		remote:     netip.AddrPortFrom(pkt.DstIP, pkt.TCP.DstPort),
		status:     StatusSynSent,
		upActive:   true,
		downActive: true,
		tunnelID:   r.tunnelIDs.Add(1),
		createdAt:  time.Now(),
	}

	fd, err := rawsock.NewTCP(r.protect)
	if err != nil {
		flog.Debugf("tcp relay: socket create failed: %v", err)
		p.upActive = false
		p.downActive = false
		return p
	}
	p.fd = fd

	switch err := rawsock.Connect(fd, p.remote); err {
	case nil:
		p.interest = selector.Read | selector.Write
		p.connectedAt = time.Now()
	case rawsock.ErrConnectPending:
		p.interest = selector.Connect
	default:
		flog.Debugf("tcp relay: connect to %s failed: %v", p.remote, err)
		rawsock.Close(fd)
		p.fd = -1
		p.upActive = false
		p.downActive = false
		return p
	}

	h, err := r.sel.Register(fd, p.interest, p)
	if err != nil {
		flog.Errorf("tcp relay: selector register failed: %v", err)
		rawsock.Close(fd)
		p.fd = -1
		p.upActive = false
		p.downActive = false
		return p
	}
	p.handle = h
	p.registered = true
	return p
}

// purge removes a pipe from the flow table and releases its socket and
// selector registration. It does not touch status: callers set whatever
// terminal status is appropriate before purging.
func (r *Relay) purge(p *pipe) {
	if p.registered {
		r.sel.Remove(p.handle)
		p.registered = false
	}
	if p.fd >= 0 {
		rawsock.Close(p.fd)
		p.fd = -1
	}
	delete(r.flows, p.key)
}

func (r *Relay) closeRst(p *pipe) {
	r.emit(p, headers.FlagRST, nil)
	p.status = StatusCloseWait
	p.upActive = false
	p.downActive = false
	r.purge(p)
}

func (r *Relay) handleRST(p *pipe) {
	p.upActive = false
	p.downActive = false
	p.status = StatusCloseWait
	r.purge(p)
}

func (r *Relay) handleSYN(p *pipe, seg *headers.TCPView) {
	first := p.synCount == 0
	p.synCount++
	if first {
		p.theirSequenceNum = seg.Seq
		p.myAcknowledgementNum = seg.Seq + 1
		p.mySequenceNum = 1
		p.status = StatusSynReceived
		r.emit(p, headers.FlagSYN|headers.FlagACK, nil)
		return
	}
	// A retransmitted SYN only refreshes what we'll acknowledge next.
	p.myAcknowledgementNum = seg.Seq + 1
}

func (r *Relay) handleFIN(p *pipe, seg *headers.TCPView) {
	p.myAcknowledgementNum = seg.Seq + 1
	p.theirAcknowledgementNum = seg.Ack + 1
	r.emit(p, headers.FlagACK, nil)

	if p.fd >= 0 {
		rawsock.ShutdownWrite(p.fd)
	}
	p.upActive = false
	p.status = StatusCloseWait

	if !p.downActive {
		r.purge(p)
	}
}

func (r *Relay) handleACK(p *pipe, seg *headers.TCPView, payload []byte) {
	if p.status == StatusSynReceived {
		p.status = StatusEstablished
	}
	if len(payload) == 0 {
		return
	}

	seqEnd := seg.Seq + uint32(len(payload))
	if !headers.SeqLT(p.myAcknowledgementNum, seqEnd) {
		// Entirely covered by what we've already acknowledged: a
		// duplicate retransmission, dropped silently.
		return
	}

	p.myAcknowledgementNum = seqEnd
	p.remoteOutBuffer = append(p.remoteOutBuffer[:0], payload...)
	r.flushUpstream(p)
	r.emit(p, headers.FlagACK, nil)
}

// flushUpstream attempts to write the device's buffered bytes to the
// upstream socket. A short or zero write leaves the unwritten remainder
// at the front of the buffer and arms WRITE interest so Phase B retries
// once the socket is writable again.
func (r *Relay) flushUpstream(p *pipe) {
	if len(p.remoteOutBuffer) == 0 {
		return
	}
	if !p.upActive || p.fd < 0 {
		// The upstream output is already shut down: the buffered bytes
		// are dropped and the device is sent FIN+ACK to tear the flow
		// down.
		p.remoteOutBuffer = p.remoteOutBuffer[:0]
		r.emit(p, headers.FlagFIN|headers.FlagACK, nil)
		return
	}

	n, err := rawsock.Write(p.fd, p.remoteOutBuffer)
	switch {
	case err != nil && err != rawsock.ErrWouldBlock:
		r.closeRst(p)
		return
	case err == rawsock.ErrWouldBlock || n == 0:
		r.setWriteInterest(p, true)
		return
	case n < len(p.remoteOutBuffer):
		p.remoteOutBuffer = append(p.remoteOutBuffer[:0], p.remoteOutBuffer[n:]...)
		r.setWriteInterest(p, true)
	default:
		p.remoteOutBuffer = p.remoteOutBuffer[:0]
		r.setWriteInterest(p, false)
	}
}

func (r *Relay) setWriteInterest(p *pipe, on bool) {
	if !p.registered {
		return
	}
	want := p.interest
	if on {
		want |= selector.Write
	} else {
		want &^= selector.Write
	}
	if want == p.interest {
		return
	}
	if err := r.sel.Modify(p.handle, want); err != nil {
		flog.Errorf("tcp relay: selector modify failed: %v", err)
		return
	}
	p.interest = want
}

// emit serializes an outgoing segment using the pipe's current
// mySequenceNum/myAcknowledgementNum and offers it to the egress queue,
// then applies the sequence-number update the emitted flags call for:
// SYN and FIN each consume one sequence number, a payload-bearing
// segment consumes len(payload).
func (r *Relay) emit(p *pipe, flags headers.TCPFlags, payload []byte) {
	replyBufp := buffer.ReplyPool.Get().(*[]byte)
	out, err := r.builder.TCP(*replyBufp, p.device, p.remote, flags, p.mySequenceNum, p.myAcknowledgementNum, p.nextPackID(), payload)
	if err != nil {
		buffer.ReplyPool.Put(replyBufp)
		flog.Errorf("tcp relay: build reply failed: %v", err)
	} else {
		reply := headers.NewReply(out, func() { buffer.ReplyPool.Put(replyBufp) })
		if !r.egress.Offer(reply) {
			reply.Release()
		}
	}

	switch {
	case flags.Has(headers.FlagSYN), flags.Has(headers.FlagFIN):
		p.mySequenceNum++
	case len(payload) > 0:
		p.mySequenceNum += uint32(len(payload))
	}
}

// serviceSelector drains one non-blocking round of selector readiness
// and dispatches each event to its pipe. Zero timeout: the relay never
// blocks here, matching the "never blocks on queues or sockets" rule
// that lets a single goroutine own both ingress and the selector.
func (r *Relay) serviceSelector() bool {
	events, err := r.sel.Wait(0)
	if err != nil {
		flog.Errorf("tcp relay: selector wait error: %v", err)
		return false
	}
	if len(events) == 0 {
		return false
	}

	for _, ev := range events {
		p, ok := ev.Attachment.(*pipe)
		if !ok || p.status == StatusClosed || p.fd < 0 {
			continue
		}
		r.serviceOne(p, ev)
	}
	return true
}

func (r *Relay) serviceOne(p *pipe, ev selector.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			flog.Errorf("tcp relay: recovered panic servicing tunnel %d: %v", p.tunnelID, rec)
			if p.fd >= 0 {
				r.closeRst(p)
			}
		}
	}()

	if ev.Connectable {
		r.handleConnectable(p)
		if p.fd < 0 {
			return
		}
	}
	if ev.Readable {
		r.handleReadableUpstream(p)
		if p.fd < 0 {
			return
		}
	}
	if ev.Writable {
		r.flushUpstream(p)
	}
}

func (r *Relay) handleConnectable(p *pipe) {
	if err := rawsock.ConnectError(p.fd); err != nil {
		flog.Debugf("tcp relay: async connect to %s failed: %v", p.remote, err)
		p.upActive = false
		p.downActive = false
		r.purge(p)
		return
	}
	p.connectedAt = time.Now()
	p.interest = selector.Read | selector.Write
	if err := r.sel.Modify(p.handle, p.interest); err != nil {
		flog.Errorf("tcp relay: selector modify failed: %v", err)
	}
}

func (r *Relay) handleReadableUpstream(p *pipe) {
	for {
		bufp := buffer.TCPChunkPool.Get().(*[]byte)
		buf := *bufp

		n, err := rawsock.Read(p.fd, buf)
		switch {
		case err == rawsock.ErrWouldBlock:
			buffer.TCPChunkPool.Put(bufp)
			return
		case err != nil:
			buffer.TCPChunkPool.Put(bufp)
			r.closeRst(p)
			return
		case n == 0:
			// EOF: the upstream peer is done sending.
			buffer.TCPChunkPool.Put(bufp)
			r.handleUpstreamEOF(p)
			return
		}

		if p.status != StatusCloseWait {
			r.emit(p, headers.FlagACK, buf[:n])
		}
		p.touch(time.Now())
		buffer.TCPChunkPool.Put(bufp)
		if n < len(buf) {
			return
		}
	}
}

func (r *Relay) handleUpstreamEOF(p *pipe) {
	rawsock.ShutdownRead(p.fd)
	if p.registered {
		want := p.interest &^ selector.Read
		if err := r.sel.Modify(p.handle, want); err != nil {
			flog.Errorf("tcp relay: selector modify failed: %v", err)
		} else {
			p.interest = want
		}
	}
	r.emit(p, headers.FlagFIN|headers.FlagACK, nil)
	p.downActive = false
	p.status = StatusCloseWait
	if !p.upActive {
		r.purge(p)
	}
}
