//go:build windows

package netutil

import "syscall"

// setSockOptReusePort maps onto SO_REUSEADDR on Windows: winsock has no
// SO_REUSEPORT, and SO_REUSEADDR is the closest available behavior for
// letting a restarted daemon rebind the same port.
func setSockOptReusePort(fd int) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}

// ChmodControlSocket is a no-op on Windows, which has no UNIX-domain socket
// filesystem permission model matching spec.md §6's 0777 requirement.
func ChmodControlSocket(path string) error {
	return nil
}
