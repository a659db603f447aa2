package engine

import (
	"context"
	"sync/atomic"

	"tunrelay/internal/flog"
	"tunrelay/internal/headers"
	"tunrelay/internal/pkg/buffer"
	"tunrelay/internal/queue"
)

// ingress is the Ingress Reader: it owns the only Read call on the
// device, so every worker downstream of it learns about a packet by
// dequeuing, never by touching the device directly.
type ingress struct {
	device Device
	parser *headers.Parser

	udpQueue *queue.Queue[*headers.Packet]
	tcpQueue *queue.Queue[*headers.Packet]

	bytesRead atomic.Uint64
	done      chan struct{}
}

func newIngress(device Device, udpQueue, tcpQueue *queue.Queue[*headers.Packet]) *ingress {
	return &ingress{
		device:   device,
		parser:   headers.NewParser(),
		udpQueue: udpQueue,
		tcpQueue: tcpQueue,
		done:     make(chan struct{}),
	}
}

func (g *ingress) run(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufp := buffer.TUNPool.Get().(*[]byte)
		buf := *bufp

		n, err := g.device.Read(buf)
		if err != nil {
			buffer.TUNPool.Put(bufp)
			if ctx.Err() != nil {
				return
			}
			flog.Errorf("ingress: device read failed: %v", err)
			continue
		}
		if n == 0 {
			buffer.TUNPool.Put(bufp)
			continue
		}
		g.bytesRead.Add(uint64(n))

		pkt, err := g.parser.Parse(buf[:n])
		if err != nil {
			buffer.TUNPool.Put(bufp)
			flog.Debugf("ingress: drop unparsable packet: %v", err)
			continue
		}
		pkt.SetRelease(func() { buffer.TUNPool.Put(bufp) })

		g.dispatch(pkt)
	}
}

func (g *ingress) dispatch(pkt *headers.Packet) {
	switch pkt.Proto {
	case headers.ProtoUDP:
		if !g.udpQueue.Offer(pkt) {
			flog.Warnf("ingress: UDP ingress queue full, dropping packet")
			pkt.Release()
		}
	case headers.ProtoTCP:
		if !g.tcpQueue.Offer(pkt) {
			flog.Warnf("ingress: TCP ingress queue full, dropping packet")
			pkt.Release()
		}
	default:
		pkt.Release()
	}
}
