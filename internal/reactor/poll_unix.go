//go:build linux || darwin

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend is satisfied by unixPollBackend on Linux and Darwin, grounded
// on the teacher's per-OS socket-tuning split (pkg/rtp/transport_socket_*.go)
// generalized from socket options to readiness polling via golang.org/x/sys/unix.
type pollBackend interface {
	add(fd int)
	remove(fd int)
	wait(timeout time.Duration) ([]int, error)
}

type unixPollBackend struct {
	mu  sync.Mutex
	fds map[int]struct{}
}

func newPollBackend() pollBackend {
	return &unixPollBackend{fds: make(map[int]struct{})}
}

func (b *unixPollBackend) add(fd int) {
	b.mu.Lock()
	b.fds[fd] = struct{}{}
	b.mu.Unlock()
}

func (b *unixPollBackend) remove(fd int) {
	b.mu.Lock()
	delete(b.fds, fd)
	b.mu.Unlock()
}

func (b *unixPollBackend) wait(timeout time.Duration) ([]int, error) {
	b.mu.Lock()
	pfds := make([]unix.PollFd, 0, len(b.fds))
	for fd := range b.fds {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	b.mu.Unlock()

	if len(pfds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(pfds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ready := make([]int, 0, n)
	for _, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, nil
}
