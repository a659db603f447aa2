package engine

import "tunrelay/internal/rawsock"

// Device is the virtual interface: one Read yields exactly one IPv4
// packet (datagram boundaries preserved by the TUN device), one Write
// injects one IPv4 packet into the device's receive path. Acquiring a
// concrete Device (opening /dev/net/tun, wiring up a platform driver) is
// outside the engine's scope; cmd/relay wires a real one for standalone
// use and tests use an in-memory one.
type Device interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Protect exempts an upstream socket's traffic from being routed back
// through the Device, avoiding a routing loop. Injected at New.
type Protect = rawsock.Protect
