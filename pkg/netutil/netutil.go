// Package netutil ports the teacher's per-OS socket-option tuning
// (pkg/rtp/transport_socket_{linux,darwin,windows}.go) from RTP-telephony
// concerns to this daemon's two socket families: the AppleMIDI control/data
// UDP socket pair and the UNIX-domain control-plane socket.
package netutil

import "net"

// RawFD extracts the underlying file descriptor from a *net.UDPConn so
// socket options can be applied with syscall/golang.org/x/sys calls that the
// net package itself does not expose.
func RawFD(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := sc.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// TuneMIDISocket applies this daemon's standard tuning to a newly bound
// AppleMIDI control or data UDP socket: SO_REUSEPORT so a listener's bound
// port survives a daemon restart without lingering in TIME_WAIT.
func TuneMIDISocket(conn *net.UDPConn) error {
	fd, err := RawFD(conn)
	if err != nil {
		return err
	}
	return setSockOptReusePort(fd)
}
