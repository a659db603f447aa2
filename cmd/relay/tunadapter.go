package main

import (
	"fmt"

	wgtun "golang.zx2c4.com/wireguard/tun"
)

// tunOffset reserves space for the 10-byte virtio-net header Linux TUN
// devices opened with IFF_VNET_HDR expect ahead of every packet.
// virtioNetHdr: flags(1) + gsoType(1) + hdrLen(2) + gsoSize(2) +
// csumStart(2) + csumOffset(2) = 10.
const tunOffset = 10

// wgDevice adapts wireguard/tun's batched, offset-prefixed Device onto
// the engine's one-packet-per-call Device interface. The engine never
// needs GSO batching — every relay packet is handled individually — so
// this hides the batch API behind a single-buffer Read/Write.
type wgDevice struct {
	dev   wgtun.Device
	bufs  [][]byte
	sizes []int
}

func newWGDevice(dev wgtun.Device, mtu int) *wgDevice {
	buf := make([]byte, tunOffset+mtu)
	return &wgDevice{
		dev:   dev,
		bufs:  [][]byte{buf},
		sizes: make([]int, 1),
	}
}

func (w *wgDevice) Read(buf []byte) (int, error) {
	n, err := w.dev.Read(w.bufs, w.sizes, tunOffset)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	size := w.sizes[0]
	if size > len(buf) {
		return 0, fmt.Errorf("tunadapter: packet of %d bytes exceeds %d-byte read buffer", size, len(buf))
	}
	copy(buf, w.bufs[0][tunOffset:tunOffset+size])
	return size, nil
}

// Close unblocks any in-flight Read and releases the device. The
// engine's Device interface has no Close of its own: a real TUN read
// blocks until either a packet arrives or the device is closed out from
// under it, which is how the ingress loop's read error unwinds on
// shutdown.
func (w *wgDevice) Close() error {
	return w.dev.Close()
}

func (w *wgDevice) Write(buf []byte) (int, error) {
	out := make([]byte, tunOffset+len(buf))
	copy(out[tunOffset:], buf)
	n, err := w.dev.Write([][]byte{out}, tunOffset)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return len(buf), nil
	}
	return len(buf), nil
}

func createTUN(name string, mtu int) (*wgDevice, string, error) {
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create TUN device %q: %w", name, err)
	}
	actualName, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, "", fmt.Errorf("failed to get TUN device name: %w", err)
	}
	return newWGDevice(dev, mtu), actualName, nil
}
