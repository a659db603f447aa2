package tcprelay

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"tunrelay/internal/headers"
	"tunrelay/internal/queue"
)

// echoServer accepts exactly one connection and echoes every chunk it
// reads back to the peer. received delivers a copy of each chunk so
// tests can assert on what actually crossed the wire.
func echoServer(t *testing.T) (addr netip.AddrPort, received chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received = make(chan []byte, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				received <- chunk
				conn.Write(chunk)
			}
			if err != nil {
				return
			}
		}
	}()

	return netip.MustParseAddrPort(ln.Addr().String()), received
}

// sinkServer accepts one connection and only reads, never writing
// anything back, so a test can watch what reaches the upstream without
// racing against the relay's own downstream-read replies.
func sinkServer(t *testing.T) (addr netip.AddrPort, received chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received = make(chan []byte, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				received <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	return netip.MustParseAddrPort(ln.Addr().String()), received
}

func startTCPRelay(t *testing.T) (*Relay, *queue.Queue[*headers.Packet], *queue.Queue[*headers.Reply]) {
	t.Helper()
	ingress := queue.New[*headers.Packet](16)
	egress := queue.New[*headers.Reply](16)
	r := New(ingress, egress, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return r, ingress, egress
}

func buildPacket(src, dst netip.AddrPort, flags headers.TCPFlags, seq, ack uint32, payload []byte) *headers.Packet {
	return &headers.Packet{
		SrcIP: src.Addr(),
		DstIP: dst.Addr(),
		Proto: headers.ProtoTCP,
		TCP: &headers.TCPView{
			SrcPort: src.Port(),
			DstPort: dst.Port(),
			Seq:     seq,
			Ack:     ack,
			Flags:   flags,
		},
		Payload: payload,
	}
}

func takeTCPReply(t *testing.T, egress *queue.Queue[*headers.Reply]) *headers.Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reply, ok := egress.TryTake()
		if ok {
			defer reply.Release()
			parser := headers.NewParser()
			pkt, err := parser.Parse(reply.Data)
			if err != nil {
				t.Fatalf("parse reply: %v", err)
			}
			return pkt
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a relay reply")
	return nil
}

func expectNoReply(t *testing.T, egress *queue.Queue[*headers.Reply], wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, ok := egress.TryTake(); ok {
			t.Fatal("unexpected reply emitted")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTCPRelayHandshake(t *testing.T) {
	server, _ := echoServer(t)
	_, ingress, egress := startTCPRelay(t)

	device := netip.MustParseAddrPort("10.0.0.2:40000")
	const clientISN = 1000

	ingress.Offer(buildPacket(device, server, headers.FlagSYN, clientISN, 0, nil))

	reply := takeTCPReply(t, egress)
	if !reply.TCP.IsSYN() || !reply.TCP.IsACK() {
		t.Fatalf("expected SYN+ACK, got flags %v", reply.TCP.Flags)
	}
	if reply.TCP.Seq != 1 {
		t.Errorf("Seq = %d, want 1", reply.TCP.Seq)
	}
	if reply.TCP.Ack != clientISN+1 {
		t.Errorf("Ack = %d, want %d", reply.TCP.Ack, clientISN+1)
	}
}

func TestTCPRelayPayloadForwarding(t *testing.T) {
	server, received := echoServer(t)
	_, ingress, egress := startTCPRelay(t)

	device := netip.MustParseAddrPort("10.0.0.2:40001")
	const clientISN = 2000

	ingress.Offer(buildPacket(device, server, headers.FlagSYN, clientISN, 0, nil))
	synAck := takeTCPReply(t, egress)

	// Complete the handshake with a bare ACK; no reply is expected.
	ingress.Offer(buildPacket(device, server, headers.FlagACK, clientISN+1, synAck.TCP.Seq+1, nil))
	expectNoReply(t, egress, 100*time.Millisecond)

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	ingress.Offer(buildPacket(device, server, headers.FlagACK|headers.FlagPSH, clientISN+1, synAck.TCP.Seq+1, payload))

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Errorf("server received %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream server never received the forwarded payload")
	}

	ack := takeTCPReply(t, egress)
	if !ack.TCP.IsACK() {
		t.Fatal("expected an ACK for the forwarded payload")
	}
	if ack.TCP.Ack != clientISN+1+uint32(len(payload)) {
		t.Errorf("Ack = %d, want %d", ack.TCP.Ack, clientISN+1+uint32(len(payload)))
	}
}

func TestTCPRelayDuplicatePayloadDropped(t *testing.T) {
	server, received := sinkServer(t)
	_, ingress, egress := startTCPRelay(t)

	device := netip.MustParseAddrPort("10.0.0.2:40002")
	const clientISN = 3000

	ingress.Offer(buildPacket(device, server, headers.FlagSYN, clientISN, 0, nil))
	synAck := takeTCPReply(t, egress)
	ingress.Offer(buildPacket(device, server, headers.FlagACK, clientISN+1, synAck.TCP.Seq+1, nil))
	expectNoReply(t, egress, 50*time.Millisecond)

	payload := []byte("hello")
	dataPkt := buildPacket(device, server, headers.FlagACK, clientISN+1, synAck.TCP.Seq+1, payload)
	ingress.Offer(dataPkt)

	<-received
	takeTCPReply(t, egress)

	// Resend the identical segment; it must not reach the upstream
	// socket again nor produce a second reply.
	ingress.Offer(buildPacket(device, server, headers.FlagACK, clientISN+1, synAck.TCP.Seq+1, payload))

	select {
	case got := <-received:
		t.Fatalf("duplicate payload was forwarded upstream: %q", got)
	case <-time.After(150 * time.Millisecond):
	}
	expectNoReply(t, egress, 50*time.Millisecond)
}

func TestTCPRelayUpstreamCloseSendsFIN(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	server := netip.MustParseAddrPort(ln.Addr().String())

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	_, ingress, egress := startTCPRelay(t)
	device := netip.MustParseAddrPort("10.0.0.2:40003")
	const clientISN = 4000

	ingress.Offer(buildPacket(device, server, headers.FlagSYN, clientISN, 0, nil))
	takeTCPReply(t, egress)

	fin := takeTCPReply(t, egress)
	if !fin.TCP.IsFIN() || !fin.TCP.IsACK() {
		t.Fatalf("expected FIN+ACK after upstream close, got flags %v", fin.TCP.Flags)
	}
}

func TestTCPRelayRSTResetsFlowForNextSYN(t *testing.T) {
	server, _ := echoServer(t)
	_, ingress, egress := startTCPRelay(t)

	device := netip.MustParseAddrPort("10.0.0.2:40004")
	const firstISN = 5000

	ingress.Offer(buildPacket(device, server, headers.FlagSYN, firstISN, 0, nil))
	takeTCPReply(t, egress)

	ingress.Offer(buildPacket(device, server, headers.FlagRST, firstISN+1, 0, nil))
	expectNoReply(t, egress, 50*time.Millisecond)

	const secondISN = 9000
	ingress.Offer(buildPacket(device, server, headers.FlagSYN, secondISN, 0, nil))
	reply := takeTCPReply(t, egress)
	if reply.TCP.Seq != 1 {
		t.Errorf("fresh pipe after RST should restart Seq at 1, got %d", reply.TCP.Seq)
	}
	if reply.TCP.Ack != secondISN+1 {
		t.Errorf("Ack = %d, want %d", reply.TCP.Ack, secondISN+1)
	}
}
