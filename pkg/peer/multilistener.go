package peer

import (
	"fmt"
	"sync"

	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/router"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

// multiListener is the shared fan-out aggregator shape behind
// LocalMultiListener and NetworkMultiListener: spawning one child peer per
// distinct subscriber and forwarding SendMIDI to every live child.
type multiListener struct {
	base

	kind    string
	spawn   func(subscriber string) (router.Peer, error)
	addPeer func(router.Peer) router.PeerId

	mu       sync.Mutex
	children map[string]router.PeerId
}

func newMultiListener(kind string, spawn func(subscriber string) (router.Peer, error), addPeer func(router.Peer) router.PeerId) *multiListener {
	return &multiListener{kind: kind, spawn: spawn, addPeer: addPeer, children: make(map[string]router.PeerId)}
}

func (m *multiListener) Kind() string   { return m.kind }
func (m *multiListener) Status() string { return fmt.Sprintf("%d children", len(m.children)) }

// Subscribe spawns (or reuses) the child peer for subscriber and wires a
// route from this aggregator to it, so MIDI sent to the aggregator fans out
// to every subscriber that has ever subscribed.
func (m *multiListener) Subscribe(subscriber string) (router.PeerId, error) {
	m.mu.Lock()
	if id, ok := m.children[subscriber]; ok {
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	child, err := m.spawn(subscriber)
	if err != nil {
		return 0, rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "spawn child peer", err)
	}
	id := m.addPeer(child)

	m.mu.Lock()
	m.children[subscriber] = id
	m.mu.Unlock()

	r := m.ownerRouter()
	if r != nil {
		if err := r.Connect(m.ID(), id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (m *multiListener) SendMIDI(from router.PeerId, data midi.Data) {
	r := m.ownerRouter()
	if r == nil {
		return
	}
	r.SendMIDITo(m.ID(), data)
}

func (m *multiListener) Command(verb string, params any) (any, error) {
	switch verb {
	case "subscribe":
		name, _ := params.(string)
		_, err := m.Subscribe(name)
		return nil, err
	default:
		return nil, rtpmidierr.New(rtpmidierr.InternalInvariant, "unknown command: "+verb)
	}
}

// LocalMultiListener fans a single logical source out to one freshly created
// local sequencer port per subscriber name.
type LocalMultiListener struct {
	*multiListener
}

// NewLocalMultiListener creates ports named "<prefix> <subscriber>" lazily,
// one per distinct subscriber, via createPort.
func NewLocalMultiListener(prefix string, createPort func(name string) (router.Peer, error), addPeer func(router.Peer) router.PeerId) *LocalMultiListener {
	return &LocalMultiListener{multiListener: newMultiListener("local_multi_listener", func(subscriber string) (router.Peer, error) {
		return createPort(fmt.Sprintf("%s %s", prefix, subscriber))
	}, addPeer)}
}

// NetworkMultiListener fans a single logical source out to one freshly
// created outbound NetworkClientPeer per subscriber endpoint.
type NetworkMultiListener struct {
	*multiListener
}

// NewNetworkMultiListener creates one NetworkClientPeer per distinct
// subscriber address via dial.
func NewNetworkMultiListener(dial func(address string) (router.Peer, error), addPeer func(router.Peer) router.PeerId) *NetworkMultiListener {
	return &NetworkMultiListener{multiListener: newMultiListener("network_multi_listener", dial, addPeer)}
}
