// Package router implements the process-wide directed multigraph of peers:
// local sequencer ports, network clients and network listeners, owned
// exclusively by one Router instance and dispatched to by identifier from
// both the control plane and the discovery glue (spec.md §4.4).
package router

import (
	"sort"
	"sync"

	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

// PeerId is a stable, strictly increasing, never-reused integer handle.
type PeerId uint64

// Peer is anything the router can own: a local sequencer port, a network
// client, or a network listener/server peer. SendMIDI is called by the
// router when another peer routes MIDI to this one.
type Peer interface {
	Kind() string
	Status() string
	OnAdded(id PeerId, r *Router)
	OnRemoved(id PeerId)
	SendMIDI(from PeerId, data midi.Data)
}

type route struct {
	from, to PeerId
}

// Status is a structured snapshot for the control plane's "status" method.
type Status struct {
	Peers  []PeerStatus
	Routes [][2]PeerId
}

// PeerStatus describes one peer in a Status report.
type PeerStatus struct {
	ID     PeerId
	Kind   string
	Status string
}

// Router owns the peers map and the routes set. It is the single mutator of
// both; every other component reaches the graph only through its methods.
type Router struct {
	mu            sync.Mutex
	nextID        PeerId
	peers         map[PeerId]Peer
	routes        []route
	onPeerRemoved []func(PeerId)
	onRouteAdded  []func(from, to PeerId)
	onRouteRemoved []func(from, to PeerId)
	onMIDIRouted  []func(from PeerId)
}

// New creates an empty Router.
func New() *Router {
	return &Router{peers: make(map[PeerId]Peer)}
}

// OnPeerRemoved registers cb to run whenever a peer is removed, after its
// incident routes have already been dropped.
func (r *Router) OnPeerRemoved(cb func(PeerId)) {
	r.mu.Lock()
	r.onPeerRemoved = append(r.onPeerRemoved, cb)
	r.mu.Unlock()
}

// OnRouteAdded registers cb to run whenever Connect actually inserts a new
// route (not on a no-op duplicate). This is how a peer like
// NetworkClientPeer learns it has gained a downstream subscriber and
// should connect lazily (spec.md §4.3).
func (r *Router) OnRouteAdded(cb func(from, to PeerId)) {
	r.mu.Lock()
	r.onRouteAdded = append(r.onRouteAdded, cb)
	r.mu.Unlock()
}

// OnRouteRemoved registers cb to run whenever Disconnect actually drops an
// existing route (not on a no-op absence).
func (r *Router) OnRouteRemoved(cb func(from, to PeerId)) {
	r.mu.Lock()
	r.onRouteRemoved = append(r.onRouteRemoved, cb)
	r.mu.Unlock()
}

// OnMIDIRouted registers cb to run every time SendMIDITo actually dispatches
// to at least one downstream peer, with the originating peer id. This is
// the router's metrics hook (internal/metrics.Collector.MIDIEventsRouted),
// kept as a generic callback so this package never imports metrics itself.
func (r *Router) OnMIDIRouted(cb func(from PeerId)) {
	r.mu.Lock()
	r.onMIDIRouted = append(r.onMIDIRouted, cb)
	r.mu.Unlock()
}

// AddPeer assigns the next integer ID, stores exclusive ownership and calls
// peer.OnAdded. Never fails.
func (r *Router) AddPeer(peer Peer) PeerId {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.peers[id] = peer
	r.mu.Unlock()
	peer.OnAdded(id, r)
	return id
}

// RemovePeer removes all incident routes first, then drops the peer. No-op
// if id is absent.
func (r *Router) RemovePeer(id PeerId) {
	r.mu.Lock()
	peer, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	kept := r.routes[:0]
	for _, rt := range r.routes {
		if rt.from != id && rt.to != id {
			kept = append(kept, rt)
		}
	}
	r.routes = kept
	delete(r.peers, id)
	callbacks := append([]func(PeerId){}, r.onPeerRemoved...)
	r.mu.Unlock()

	peer.OnRemoved(id)
	for _, cb := range callbacks {
		cb(id)
	}
}

// Connect inserts the route from -> to if both peers exist and doing so does
// not create a directed cycle. Idempotent on duplicates. Fires every
// OnRouteAdded callback once the route is actually inserted.
func (r *Router) Connect(from, to PeerId) error {
	r.mu.Lock()

	if _, ok := r.peers[from]; !ok {
		r.mu.Unlock()
		return rtpmidierr.New(rtpmidierr.UnknownPeer, "unknown source peer")
	}
	if _, ok := r.peers[to]; !ok {
		r.mu.Unlock()
		return rtpmidierr.New(rtpmidierr.UnknownPeer, "unknown destination peer")
	}
	for _, rt := range r.routes {
		if rt.from == from && rt.to == to {
			r.mu.Unlock()
			return nil
		}
	}
	if r.reachesLocked(to, from) {
		r.mu.Unlock()
		return rtpmidierr.New(rtpmidierr.WouldCycle, "route would create a cycle")
	}
	r.routes = append(r.routes, route{from: from, to: to})
	callbacks := append([]func(PeerId, PeerId){}, r.onRouteAdded...)
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(from, to)
	}
	return nil
}

// reachesLocked reports whether a directed path exists from start to target
// over the current routes (DFS from start, as spec.md §4.4 mandates "a DFS
// from to"). Must be called with r.mu held.
func (r *Router) reachesLocked(start, target PeerId) bool {
	visited := map[PeerId]bool{start: true}
	stack := []PeerId{start}
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		if cur == target {
			return true
		}
		for _, rt := range r.routes {
			if rt.from == cur && !visited[rt.to] {
				visited[rt.to] = true
				stack = append(stack, rt.to)
			}
		}
	}
	return false
}

// Disconnect removes the route; no-op if absent. Fires every OnRouteRemoved
// callback once the route is actually dropped.
func (r *Router) Disconnect(from, to PeerId) {
	r.mu.Lock()
	removed := false
	kept := r.routes[:0]
	for _, rt := range r.routes {
		if rt.from == from && rt.to == to {
			removed = true
			continue
		}
		kept = append(kept, rt)
	}
	r.routes = kept
	var callbacks []func(PeerId, PeerId)
	if removed {
		callbacks = append([]func(PeerId, PeerId){}, r.onRouteRemoved...)
	}
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(from, to)
	}
}

// SendMIDITo calls SendMIDI on every peer with a route sourced at from, in
// route-insertion order. Re-entrant: a subscriber may itself call
// SendMIDITo during delivery (e.g. a local peer forwarding to a network
// peer which synchronously emits elsewhere); this is processed recursively
// since each call only ever reads a point-in-time snapshot of the routes.
func (r *Router) SendMIDITo(from PeerId, data midi.Data) {
	r.mu.Lock()
	var targets []PeerId
	for _, rt := range r.routes {
		if rt.from == from {
			targets = append(targets, rt.to)
		}
	}
	peers := make([]Peer, 0, len(targets))
	for _, id := range targets {
		if p, ok := r.peers[id]; ok {
			peers = append(peers, p)
		}
	}
	var routedCallbacks []func(PeerId)
	if len(peers) > 0 {
		routedCallbacks = append([]func(PeerId){}, r.onMIDIRouted...)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.SendMIDI(from, data)
	}
	for _, cb := range routedCallbacks {
		cb(from)
	}
}

// PeerByID borrows a peer for inspection or command dispatch. The returned
// value must not be retained across a call that might mutate the router.
func (r *Router) PeerByID(id PeerId) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// Status returns a structured report of every peer and route, peers ordered
// by ID for a stable rendering.
func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]PeerId, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	st := Status{}
	for _, id := range ids {
		p := r.peers[id]
		st.Peers = append(st.Peers, PeerStatus{ID: id, Kind: p.Kind(), Status: p.Status()})
	}
	for _, rt := range r.routes {
		st.Routes = append(st.Routes, [2]PeerId{rt.from, rt.to})
	}
	return st
}
