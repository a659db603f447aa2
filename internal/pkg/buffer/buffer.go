// Package buffer holds the pooled scratch buffers shared by the engine's
// worker loops, keeping per-packet allocation off the hot path.
package buffer

import "sync"

// TUNPool sizes buffers for a single TUN read/write, comfortably above
// any realistic MTU.
var TUNPool = sync.Pool{
	New: func() any {
		b := make([]byte, 16*1024)
		return &b
	},
}

// UDPPool sizes buffers for a single upstream UDP read.
var UDPPool = sync.Pool{
	New: func() any {
		b := make([]byte, 16*1024)
		return &b
	},
}

// TCPChunkPool sizes the scratch buffer the TCP relay reads upstream
// payload into before wrapping it in an ACK segment.
var TCPChunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, 4*1024)
		return &b
	},
}

// ReplyPool sizes buffers for a fully-built reply packet (header +
// payload) handed to the egress queue.
var ReplyPool = sync.Pool{
	New: func() any {
		b := make([]byte, 16*1024)
		return &b
	},
}
