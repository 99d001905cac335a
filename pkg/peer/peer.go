// Package peer implements the router-facing peer variants: local sequencer
// ports, outbound network clients, inbound network listeners/servers, and
// the fan-out multi-listener aggregators (spec.md §4.3).
package peer

import (
	"sync"

	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/router"
)

// Event is published to a peer's subscribers: state changes, connection
// failures, or anything else worth surfacing to the control plane.
type Event struct {
	Name string
	Data map[string]any
}

// Peer is the common capability set every variant in this package
// implements, matching spec.md §3's polymorphic Peer: send, status,
// command, and subscribe_event, plus the router.Peer lifecycle hooks.
type Peer interface {
	router.Peer
	Command(verb string, params any) (any, error)
	SubscribeEvent(cb func(Event))
}

// base holds the bookkeeping shared by every concrete peer: its router id
// (valid once OnAdded has run), the owning router, and its event
// subscribers.
type base struct {
	mu     sync.Mutex
	id     router.PeerId
	r      *router.Router
	subs   []func(Event)
}

func (b *base) OnAdded(id router.PeerId, r *router.Router) {
	b.mu.Lock()
	b.id = id
	b.r = r
	b.mu.Unlock()
}

func (b *base) OnRemoved(router.PeerId) {}

func (b *base) SubscribeEvent(cb func(Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, cb)
	b.mu.Unlock()
}

func (b *base) publish(ev Event) {
	b.mu.Lock()
	subs := append([]func(Event){}, b.subs...)
	b.mu.Unlock()
	for _, cb := range subs {
		cb(ev)
	}
}

func (b *base) ID() router.PeerId {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

func (b *base) ownerRouter() *router.Router {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.r
}

// routeMIDI forwards data to the owning router as if sent by this peer,
// used by every concrete peer's inbound-from-the-network or
// inbound-from-the-sequencer path.
func (b *base) routeMIDI(data midi.Data) {
	id := b.ID()
	r := b.ownerRouter()
	if r == nil {
		return
	}
	r.SendMIDITo(id, data)
}
