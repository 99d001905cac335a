// Package reactor provides the one concrete reactor.Poller implementation
// the daemon's main loop owns: a single goroutine that blocks in a
// platform poll syscall and a timer heap, so every registered callback runs
// serialized on that one goroutine. This is the Go analogue of the
// original's single-threaded C++ event loop (spec.md §5).
package reactor

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/rtpmidid/rtpmidid-go/pkg/reactor"
)

// Reactor is the daemon's single poller instance.
type Reactor struct {
	log *slog.Logger

	mu        sync.Mutex
	fds       map[int]func(int)
	timers    timerHeap
	nextTimer uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	backend pollBackend
}

type timerEntry struct {
	id       uint64
	deadline time.Time
	period   time.Duration // zero for one-shot
	cb       func()
	canceled bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// New creates a Reactor. Call Run to start it; it does nothing until then.
func New(log *slog.Logger) *Reactor {
	if log == nil {
		log = slog.Default()
	}
	r := &Reactor{
		log:  log,
		fds:  make(map[int]func(int)),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.backend = newPollBackend()
	return r
}

// fdListener adapts Stop() to removal from the fd map.
type fdListener struct {
	r  *Reactor
	fd int
}

func (l *fdListener) Stop() {
	l.r.mu.Lock()
	delete(l.r.fds, l.fd)
	l.r.backend.remove(l.fd)
	l.r.mu.Unlock()
	l.r.nudge()
}

func (r *Reactor) AddFDIn(fd int, cb func(fd int)) (reactor.Listener, error) {
	r.mu.Lock()
	r.fds[fd] = cb
	r.backend.add(fd)
	r.mu.Unlock()
	r.nudge()
	return &fdListener{r: r, fd: fd}, nil
}

type timerHandle struct {
	r *Reactor
	e *timerEntry
}

func (h *timerHandle) Cancel() {
	h.r.mu.Lock()
	if !h.e.canceled && h.e.index >= 0 && h.e.index < len(h.r.timers) && h.r.timers[h.e.index] == h.e {
		heap.Remove(&h.r.timers, h.e.index)
	}
	h.e.canceled = true
	h.r.mu.Unlock()
}

func (r *Reactor) addTimer(d time.Duration, period time.Duration, cb func()) reactor.Timer {
	r.mu.Lock()
	r.nextTimer++
	e := &timerEntry{id: r.nextTimer, deadline: time.Now().Add(d), period: period, cb: cb}
	heap.Push(&r.timers, e)
	r.mu.Unlock()
	r.nudge()
	return &timerHandle{r: r, e: e}
}

func (r *Reactor) AddTimer(d time.Duration, cb func()) reactor.Timer {
	return r.addTimer(d, 0, cb)
}

func (r *Reactor) AddTimerRepeat(d time.Duration, cb func()) reactor.Timer {
	return r.addTimer(d, d, cb)
}

func (r *Reactor) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives the event loop until Stop is called. It returns once the loop
// has fully exited.
func (r *Reactor) Run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		timeout := r.nextTimeout()
		ready, err := r.backend.wait(timeout)
		if err != nil {
			r.log.Error("poll wait failed", slog.Any("error", err))
			continue
		}

		r.mu.Lock()
		callbacks := make([]func(int), 0, len(ready))
		args := make([]int, 0, len(ready))
		for _, fd := range ready {
			if cb, ok := r.fds[fd]; ok {
				callbacks = append(callbacks, cb)
				args = append(args, fd)
			}
		}
		r.mu.Unlock()
		for i, cb := range callbacks {
			cb(args[i])
		}

		r.fireDueTimers()

		select {
		case <-r.wake:
		default:
		}
	}
}

func (r *Reactor) nextTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.timers) == 0 {
		return 250 * time.Millisecond
	}
	d := time.Until(r.timers[0].deadline)
	if d < 0 {
		return 0
	}
	if d > 250*time.Millisecond {
		return 250 * time.Millisecond
	}
	return d
}

func (r *Reactor) fireDueTimers() {
	now := time.Now()
	var due []*timerEntry
	r.mu.Lock()
	for len(r.timers) > 0 && !r.timers[0].deadline.After(now) {
		e := heap.Pop(&r.timers).(*timerEntry)
		if e.canceled {
			continue
		}
		due = append(due, e)
		if e.period > 0 {
			e.deadline = now.Add(e.period)
			heap.Push(&r.timers, e)
		}
	}
	r.mu.Unlock()
	for _, e := range due {
		e.cb()
	}
}

// Stop requests the loop to exit and waits for it to do so.
func (r *Reactor) Stop() {
	close(r.stop)
	r.nudge()
	<-r.done
}
