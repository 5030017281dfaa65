//go:build linux

package transport

import (
	"golang.org/x/sys/unix"
)

// setSocketOptions disables Nagle so small step messages go out immediately
// and enables keepalive so a vanished simulation eventually fails the read.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
}
