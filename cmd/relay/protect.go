package main

import "golang.org/x/sys/unix"

// protectMark is the SO_MARK value applied to every upstream socket the
// relays open. A routing policy rule (outside this program's scope, set
// up by whatever launches it) must route marked traffic around the TUN
// device to avoid looping packets back into it.
const protectMark = 0x514

// protectSocket marks fd so policy routing can exclude its traffic from
// the TUN device. This is the simplest of the platform mechanisms the
// "protect" capability can use; Android's VpnService.protect() or a
// bind-to-device call are the usual alternatives.
func protectSocket(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, protectMark)
}
