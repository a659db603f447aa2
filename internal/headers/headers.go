// Package headers wraps gopacket's layer codecs with the narrow parse/build
// surface the relay engine needs: one IPv4 packet in, a typed view out; a
// flow tuple and a handful of bytes in, a fully-checksummed reply out.
package headers

import (
	"errors"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

const (
	IP4HeaderSize = 20
	TCPHeaderSize = 20
	UDPHeaderSize = 8
)

// TCPFlags mirrors the handful of TCP control bits the relay cares about.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

var ErrUnsupportedProto = errors.New("headers: unsupported IP protocol")

// Protocol is the subset of IP protocol numbers the engine demultiplexes on.
type Protocol uint8

const (
	ProtoOther Protocol = 0
	ProtoTCP   Protocol = 6
	ProtoUDP   Protocol = 17
)

// TCPView is the decoded, read-only TCP header of an ingress packet.
type TCPView struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            TCPFlags
}

func (h *TCPView) IsSYN() bool { return h.Flags.Has(FlagSYN) }
func (h *TCPView) IsACK() bool { return h.Flags.Has(FlagACK) }
func (h *TCPView) IsFIN() bool { return h.Flags.Has(FlagFIN) }
func (h *TCPView) IsRST() bool { return h.Flags.Has(FlagRST) }

// UDPView is the decoded, read-only UDP header of an ingress packet.
type UDPView struct {
	SrcPort, DstPort uint16
}

// FlowKey identifies a logical flow within one protocol's table. Source
// address is deliberately omitted: inside the TUN there is exactly one
// source host.
type FlowKey struct {
	DstAddr netip.Addr
	DstPort uint16
	SrcPort uint16
}

// Packet is an owned byte region plus decoded header views. Payload aliases
// a suffix of Raw; TCP/UDP views are read-only once parsed.
type Packet struct {
	Raw     []byte
	SrcIP   netip.Addr
	DstIP   netip.Addr
	Proto   Protocol
	IPID    uint16
	TCP     *TCPView
	UDP     *UDPView
	Payload []byte

	release func()
}

// SetRelease attaches the scratch-buffer reclaim callback the packet's
// eventual consumer must call once it is done with Raw/Payload.
func (p *Packet) SetRelease(f func()) { p.release = f }

// Release returns the packet's backing buffer to its pool, if any.
func (p *Packet) Release() {
	if p.release != nil {
		p.release()
	}
}

// Reply is a fully-serialized outgoing packet plus its scratch-buffer
// reclaim callback.
type Reply struct {
	Data    []byte
	release func()
}

func NewReply(data []byte, release func()) *Reply { return &Reply{Data: data, release: release} }

func (r *Reply) Release() {
	if r.release != nil {
		r.release()
	}
}

// Key returns the flow tuple for a TCP or UDP packet. ok is false for any
// other protocol.
func (p *Packet) Key() (key FlowKey, ok bool) {
	switch p.Proto {
	case ProtoTCP:
		return FlowKey{DstAddr: p.DstIP, DstPort: p.TCP.DstPort, SrcPort: p.TCP.SrcPort}, true
	case ProtoUDP:
		return FlowKey{DstAddr: p.DstIP, DstPort: p.UDP.DstPort, SrcPort: p.UDP.SrcPort}, true
	default:
		return FlowKey{}, false
	}
}

// Parser decodes IPv4 packets read off the TUN device. It is not safe for
// concurrent use; each ingress-reading goroutine owns one.
type Parser struct {
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 2)}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &p.ip4, &p.tcp, &p.udp)
	p.parser.IgnoreUnsupported = true
	return p
}

// Parse decodes buf in place. The returned Packet's Raw and Payload alias
// buf; the caller must not reuse buf until it is done with the packet.
func (p *Parser) Parse(buf []byte) (*Packet, error) {
	p.decoded = p.decoded[:0]
	if err := p.parser.DecodeLayers(buf, &p.decoded); err != nil {
		if len(p.decoded) == 0 || p.decoded[0] != layers.LayerTypeIPv4 {
			return nil, err
		}
		// IPv4 decoded fine; the error is about an unsupported or
		// malformed transport layer, which we treat below as "other".
	}

	srcIP, ok := netip.AddrFromSlice(p.ip4.SrcIP)
	if !ok {
		return nil, errors.New("headers: invalid source address")
	}
	dstIP, ok := netip.AddrFromSlice(p.ip4.DstIP)
	if !ok {
		return nil, errors.New("headers: invalid destination address")
	}

	pkt := &Packet{
		Raw:   buf,
		SrcIP: srcIP.Unmap(),
		DstIP: dstIP.Unmap(),
		Proto: Protocol(p.ip4.Protocol),
		IPID:  p.ip4.Id,
	}

	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			pkt.TCP = &TCPView{
				SrcPort: uint16(p.tcp.SrcPort),
				DstPort: uint16(p.tcp.DstPort),
				Seq:     p.tcp.Seq,
				Ack:     p.tcp.Ack,
				Flags:   decodeTCPFlags(&p.tcp),
			}
			pkt.Payload = p.tcp.Payload
		case layers.LayerTypeUDP:
			pkt.UDP = &UDPView{
				SrcPort: uint16(p.udp.SrcPort),
				DstPort: uint16(p.udp.DstPort),
			}
			pkt.Payload = p.udp.Payload
		}
	}

	return pkt, nil
}

func decodeTCPFlags(tcp *layers.TCP) TCPFlags {
	var f TCPFlags
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	return f
}

// ReplyBuilder serializes synthesized reply packets. It owns a reusable
// gopacket.SerializeBuffer; Build results are copied into caller-supplied
// scratch so the builder can be reused for the next packet immediately.
type ReplyBuilder struct {
	sb   gopacket.SerializeBuffer
	opts gopacket.SerializeOptions
}

func NewReplyBuilder() *ReplyBuilder {
	return &ReplyBuilder{
		sb:   gopacket.NewSerializeBuffer(),
		opts: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}
}

// UDP builds an IPv4+UDP reply as seen from remote (the flow's upstream
// peer) to local (the device). dst must be large enough to hold the
// serialized packet; the returned slice is dst[:n].
func (b *ReplyBuilder) UDP(dst []byte, remote, local netip.AddrPort, ipID uint16, payload []byte) ([]byte, error) {
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    remote.Addr().AsSlice(),
		DstIP:    local.Addr().AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(remote.Port()),
		DstPort: layers.UDPPort(local.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
		return nil, err
	}

	if err := gopacket.SerializeLayers(b.sb, b.opts, ip4, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	n := copy(dst, b.sb.Bytes())
	return dst[:n], nil
}

// TCP builds an IPv4+TCP reply as seen from remote (the flow's upstream
// peer, addressed by remote) to device (the TUN side, addressed by
// device). seq/ack/flags/packID are the outgoing segment's values; payload
// may be nil for control segments.
func (b *ReplyBuilder) TCP(dst []byte, device, remote netip.AddrPort, flags TCPFlags, seq, ack uint32, packID uint16, payload []byte) ([]byte, error) {
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       packID,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    remote.Addr().AsSlice(),
		DstIP:    device.Addr().AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(remote.Port()),
		DstPort: layers.TCPPort(device.Port()),
		Seq:     seq,
		Ack:     ack,
		FIN:     flags.Has(FlagFIN),
		SYN:     flags.Has(FlagSYN),
		RST:     flags.Has(FlagRST),
		PSH:     flags.Has(FlagPSH),
		ACK:     flags.Has(FlagACK),
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip4); err != nil {
		return nil, err
	}

	if err := gopacket.SerializeLayers(b.sb, b.opts, ip4, tcp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	n := copy(dst, b.sb.Bytes())
	return dst[:n], nil
}

// SeqLT reports whether a is strictly before b in sequence-number space,
// correctly handling wrap-around at 2^32 (RFC 1982 serial number math).
func SeqLT(a, b uint32) bool { return int32(a-b) < 0 }

// SeqLEQ reports whether a is before or at b in sequence-number space.
func SeqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
