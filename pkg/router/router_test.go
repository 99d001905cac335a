package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

type fakePeer struct {
	kind     string
	received []midi.Data
	onSend   func(from PeerId, data midi.Data)
	added    bool
	removed  bool
}

func (p *fakePeer) Kind() string   { return p.kind }
func (p *fakePeer) Status() string { return "ok" }
func (p *fakePeer) OnAdded(id PeerId, r *Router) { p.added = true }
func (p *fakePeer) OnRemoved(id PeerId)          { p.removed = true }
func (p *fakePeer) SendMIDI(from PeerId, data midi.Data) {
	p.received = append(p.received, data)
	if p.onSend != nil {
		p.onSend(from, data)
	}
}

func TestAddPeerIDsStrictlyIncreasingAndNeverReused(t *testing.T) {
	r := New()
	a := r.AddPeer(&fakePeer{kind: "a"})
	b := r.AddPeer(&fakePeer{kind: "b"})
	r.RemovePeer(a)
	c := r.AddPeer(&fakePeer{kind: "c"})

	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.NotEqual(t, a, c)
}

func TestRemovingEitherPeerRemovesTheRoute(t *testing.T) {
	r := New()
	pa, pb := &fakePeer{kind: "a"}, &fakePeer{kind: "b"}
	a := r.AddPeer(pa)
	b := r.AddPeer(pb)
	require.NoError(t, r.Connect(a, b))

	r.RemovePeer(a)

	st := r.Status()
	assert.Empty(t, st.Routes)
}

func TestConnectUnknownPeerFails(t *testing.T) {
	r := New()
	a := r.AddPeer(&fakePeer{kind: "a"})
	err := r.Connect(a, PeerId(9999))
	require.Error(t, err)
	assert.True(t, rtpmidierr.Is(err, rtpmidierr.UnknownPeer))
}

func TestConnectIdempotentOnDuplicates(t *testing.T) {
	r := New()
	a := r.AddPeer(&fakePeer{kind: "a"})
	b := r.AddPeer(&fakePeer{kind: "b"})
	require.NoError(t, r.Connect(a, b))
	require.NoError(t, r.Connect(a, b))

	assert.Len(t, r.Status().Routes, 1)
}

func TestOnRouteAddedFiresOnlyOnActualInsertion(t *testing.T) {
	r := New()
	a := r.AddPeer(&fakePeer{kind: "a"})
	b := r.AddPeer(&fakePeer{kind: "b"})

	var added []PeerId
	r.OnRouteAdded(func(from, to PeerId) { added = append(added, to) })

	require.NoError(t, r.Connect(a, b))
	require.NoError(t, r.Connect(a, b)) // duplicate: must not fire again

	assert.Equal(t, []PeerId{b}, added)
}

func TestOnRouteRemovedFiresOnlyWhenRouteExisted(t *testing.T) {
	r := New()
	a := r.AddPeer(&fakePeer{kind: "a"})
	b := r.AddPeer(&fakePeer{kind: "b"})
	require.NoError(t, r.Connect(a, b))

	var removed []PeerId
	r.OnRouteRemoved(func(from, to PeerId) { removed = append(removed, to) })

	r.Disconnect(a, b)
	r.Disconnect(a, b) // already gone: must not fire again

	assert.Equal(t, []PeerId{b}, removed)
}

func TestOnMIDIRoutedFiresOnlyWhenDelivered(t *testing.T) {
	r := New()
	a := r.AddPeer(&fakePeer{kind: "a"})
	b := r.AddPeer(&fakePeer{kind: "b"})
	require.NoError(t, r.Connect(a, b))

	var routedFrom []PeerId
	r.OnMIDIRouted(func(from PeerId) { routedFrom = append(routedFrom, from) })

	r.SendMIDITo(a, midi.NewData([]byte{0x09, 0x90, 0x3c, 0x40})) // delivered to b
	r.SendMIDITo(b, midi.NewData([]byte{0x09, 0x90, 0x3c, 0x40})) // no route from b: no fire

	assert.Equal(t, []PeerId{a}, routedFrom)
}

func TestCyclePreventionDFSFromTo(t *testing.T) {
	r := New()
	a := r.AddPeer(&fakePeer{kind: "a"})
	b := r.AddPeer(&fakePeer{kind: "b"})
	require.NoError(t, r.Connect(a, b))

	err := r.Connect(b, a)
	require.Error(t, err)
	assert.True(t, rtpmidierr.Is(err, rtpmidierr.WouldCycle))
}

func TestSelfRouteForbidden(t *testing.T) {
	r := New()
	a := r.AddPeer(&fakePeer{kind: "a"})
	err := r.Connect(a, a)
	require.Error(t, err)
	assert.True(t, rtpmidierr.Is(err, rtpmidierr.WouldCycle))
}

func TestFanOutDeliversInInsertionOrder(t *testing.T) {
	r := New()
	p1 := &fakePeer{kind: "p1"}
	var order []string
	p2 := &fakePeer{kind: "p2", onSend: func(PeerId, midi.Data) { order = append(order, "p2") }}
	p3 := &fakePeer{kind: "p3", onSend: func(PeerId, midi.Data) { order = append(order, "p3") }}

	id1 := r.AddPeer(p1)
	id2 := r.AddPeer(p2)
	id3 := r.AddPeer(p3)
	require.NoError(t, r.Connect(id1, id2))
	require.NoError(t, r.Connect(id1, id3))

	data := midi.NewData([]byte{0x09, 0x90, 0x3c, 0x40})
	r.SendMIDITo(id1, data)

	require.Len(t, p2.received, 1)
	require.Len(t, p3.received, 1)
	assert.Equal(t, []string{"p2", "p3"}, order)
}

func TestReentrantSendMIDITo(t *testing.T) {
	r := New()
	p1 := &fakePeer{kind: "p1"}
	id1 := r.AddPeer(p1)
	id2 := r.AddPeer(&fakePeer{kind: "p2"})
	id3 := r.AddPeer(&fakePeer{kind: "p3"})
	require.NoError(t, r.Connect(id1, id2))
	require.NoError(t, r.Connect(id2, id3))

	relayed := false
	p2, _ := r.PeerByID(id2)
	p2.(*fakePeer).onSend = func(from PeerId, data midi.Data) {
		if !relayed {
			relayed = true
			r.SendMIDITo(id2, data)
		}
	}

	p3, _ := r.PeerByID(id3)
	r.SendMIDITo(id1, midi.NewData([]byte{0x09, 0x90, 0x3c, 0x40}))

	assert.Len(t, p3.(*fakePeer).received, 1)
}
