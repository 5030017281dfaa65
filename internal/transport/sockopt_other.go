//go:build !linux

package transport

// Go already enables TCP_NODELAY on TCP connections.
func setSocketOptions(fd uintptr) error {
	return nil
}
