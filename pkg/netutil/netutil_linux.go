//go:build linux

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockOptReusePort(fd int) error {
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// ChmodControlSocket sets the filesystem mode of the UNIX control-plane
// socket to 0777, matching spec.md §6's "mode 0777, replaced on startup".
func ChmodControlSocket(path string) error {
	return unix.Chmod(path, 0o777)
}
