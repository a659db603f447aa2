package engine

import (
	"context"
	"sync/atomic"

	"tunrelay/internal/flog"
	"tunrelay/internal/headers"
	"tunrelay/internal/queue"
)

// egress is the Egress Writer: the single goroutine that owns the
// device's Write side, draining whatever either relay has synthesized
// onto one shared queue.
type egress struct {
	device Device
	queue  *queue.Queue[*headers.Reply]

	bytesWritten atomic.Uint64
	done         chan struct{}
}

func newEgress(device Device, q *queue.Queue[*headers.Reply]) *egress {
	return &egress{device: device, queue: q, done: make(chan struct{})}
}

func (g *egress) run(ctx context.Context) {
	defer close(g.done)
	for {
		reply, ok := g.queue.Take(ctx)
		if !ok {
			return
		}

		n, err := g.device.Write(reply.Data)
		if err != nil {
			flog.Errorf("egress: device write failed: %v", err)
		} else {
			g.bytesWritten.Add(uint64(n))
		}
		reply.Release()
	}
}
