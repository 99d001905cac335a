//go:build windows

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

// windowsPollBackend has no poll(2) equivalent available through
// golang.org/x/sys/windows, so it falls back to a short-interval readiness
// probe per registered fd using a one-byte MSG_PEEK recvfrom. This
// mirrors the teacher's acknowledgment that Windows needs its own socket
// path (transport_socket_windows.go) rather than sharing the Unix one.
type windowsPollBackend struct {
	mu  sync.Mutex
	fds map[int]struct{}
}

func newPollBackend() pollBackend {
	return &windowsPollBackend{fds: make(map[int]struct{})}
}

func (b *windowsPollBackend) add(fd int) {
	b.mu.Lock()
	b.fds[fd] = struct{}{}
	b.mu.Unlock()
}

func (b *windowsPollBackend) remove(fd int) {
	b.mu.Lock()
	delete(b.fds, fd)
	b.mu.Unlock()
}

func (b *windowsPollBackend) wait(timeout time.Duration) ([]int, error) {
	b.mu.Lock()
	fds := make([]int, 0, len(b.fds))
	for fd := range b.fds {
		fds = append(fds, fd)
	}
	b.mu.Unlock()

	if len(fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	var ready []int
	buf := make([]byte, 1)
	for _, fd := range fds {
		n, _, err := windows.Recvfrom(windows.Handle(fd), buf, windows.MSG_PEEK)
		if err == nil && n >= 0 {
			ready = append(ready, fd)
		}
	}
	if len(ready) == 0 {
		time.Sleep(timeout)
	}
	return ready, nil
}
