// Package engine wires the Ingress Reader, UDP Relay, TCP Relay, and
// Egress Writer into one running relay: a TUN-to-socket packet pump with
// no protocol logic of its own, only plumbing.
package engine

import (
	"context"
	"time"

	"tunrelay/internal/flog"
	"tunrelay/internal/headers"
	"tunrelay/internal/queue"
	"tunrelay/internal/tcprelay"
	"tunrelay/internal/udprelay"
)

// Options configures the queues and timeouts the engine's relays run
// with. A zero value is valid: every field falls back to the same
// default its owning relay would use on its own.
type Options struct {
	QueueCapacity int
	DialTimeout   time.Duration
	IdleTimeout   time.Duration
}

type Engine struct {
	device  Device
	protect Protect

	udpIngress *queue.Queue[*headers.Packet]
	tcpIngress *queue.Queue[*headers.Packet]
	egressQ    *queue.Queue[*headers.Reply]

	ingress *ingress
	egress  *egress
	udp     *udprelay.Relay
	tcp     *tcprelay.Relay

	cancel context.CancelFunc
}

// New builds an Engine around device, using protect to exempt every
// upstream socket the relays open from the device's own routing.
func New(device Device, protect Protect, opts Options) *Engine {
	cap := opts.QueueCapacity
	if cap <= 0 {
		cap = queue.DefaultCapacity
	}

	udpIngress := queue.New[*headers.Packet](cap)
	tcpIngress := queue.New[*headers.Packet](cap)
	egressQ := queue.New[*headers.Reply](cap)

	udp := udprelay.New(udpIngress, egressQ, protect)
	tcp := tcprelay.New(tcpIngress, egressQ, protect)
	if opts.IdleTimeout > 0 {
		udp.SetIdleTimeout(opts.IdleTimeout)
	}
	if opts.DialTimeout > 0 || opts.IdleTimeout > 0 {
		tcp.SetTimeouts(opts.DialTimeout, opts.IdleTimeout)
	}

	return &Engine{
		device:     device,
		protect:    protect,
		udpIngress: udpIngress,
		tcpIngress: tcpIngress,
		egressQ:    egressQ,
		ingress:    newIngress(device, udpIngress, tcpIngress),
		egress:     newEgress(device, egressQ),
		udp:        udp,
		tcp:        tcp,
	}
}

// Start launches every worker loop. The engine runs until Stop is
// called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.udp.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := e.tcp.Start(ctx); err != nil {
		cancel()
		return err
	}

	go e.ingress.run(ctx)
	go e.egress.run(ctx)

	return nil
}

// Stop cancels every worker loop and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.ingress.done
	<-e.egress.done
	e.udp.Stop()
	e.tcp.Stop()
	flog.Debugf("engine: stopped, %d bytes read, %d bytes written", e.ingress.bytesRead.Load(), e.egress.bytesWritten.Load())
}

// BytesRead reports how many bytes the Ingress Reader has consumed from
// the device so far.
func (e *Engine) BytesRead() uint64 { return e.ingress.bytesRead.Load() }

// BytesWritten reports how many bytes the Egress Writer has delivered to
// the device so far.
func (e *Engine) BytesWritten() uint64 { return e.egress.bytesWritten.Load() }

// Dropped reports per-queue drop counters, useful for diagnosing a relay
// that cannot keep up with ingress.
func (e *Engine) Dropped() (udpIngress, tcpIngress, egress uint64) {
	return e.udpIngress.Dropped(), e.tcpIngress.Dropped(), e.egressQ.Dropped()
}
