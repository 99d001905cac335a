package rtppeer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpmidid/rtpmidid-go/pkg/appleproto"
	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/reactor"
)

type noopListener struct{}

func (noopListener) Stop() {}

type noopTimer struct{}

func (noopTimer) Cancel() {}

// fakePoller satisfies reactor.Poller without ever firing a callback; tests
// drive the handshake by feeding packets directly, so no timer needs to
// actually elapse.
type fakePoller struct{}

func (fakePoller) AddFDIn(fd int, cb func(fd int)) (reactor.Listener, error) {
	return noopListener{}, nil
}
func (fakePoller) AddTimer(d time.Duration, cb func()) reactor.Timer       { return noopTimer{} }
func (fakePoller) AddTimerRepeat(d time.Duration, cb func()) reactor.Timer { return noopTimer{} }

// loopbackTransport routes one peer's writes directly into the other peer's
// packet handlers, synchronously, so the whole handshake completes within a
// single Connect() call.
type loopbackTransport struct {
	peer *Peer
}

func (t *loopbackTransport) WriteControl(b []byte) error {
	cp := append([]byte(nil), b...)
	return t.peer.HandleControlPacket(cp)
}

func (t *loopbackTransport) WriteData(b []byte) error {
	cp := append([]byte(nil), b...)
	return t.peer.HandleDataPacket(cp)
}

func TestHandshakeReachesConnectedAfterFirstCKRound(t *testing.T) {
	poller := fakePoller{}

	var peerA, peerB *Peer
	peerA = New(nil, poller, &loopbackTransport{}, RoleOutbound, "host-a")
	peerB = New(nil, poller, &loopbackTransport{}, RoleInbound, "host-b")
	peerA.transport.(*loopbackTransport).peer = peerB
	peerB.transport.(*loopbackTransport).peer = peerA

	err := peerA.Connect([]Endpoint{{Address: "198.51.100.1", Port: 5004}})
	require.NoError(t, err)

	assert.Equal(t, StatusConnected, peerA.Status())
	assert.Equal(t, StatusConnected, peerB.Status())
	assert.GreaterOrEqual(t, peerA.Latency(), time.Duration(0))
	assert.True(t, peerA.Session.HasRemoteSSRC())
	assert.True(t, peerB.Session.HasRemoteSSRC())
	assert.Equal(t, peerB.Session.LocalSSRC, peerA.Session.RemoteSSRC)
	assert.Equal(t, peerA.Session.LocalSSRC, peerB.Session.RemoteSSRC)
}

func TestMIDIExchangeOnceConnected(t *testing.T) {
	poller := fakePoller{}
	peerA := New(nil, poller, &loopbackTransport{}, RoleOutbound, "host-a")
	peerB := New(nil, poller, &loopbackTransport{}, RoleInbound, "host-b")
	peerA.transport.(*loopbackTransport).peer = peerB
	peerB.transport.(*loopbackTransport).peer = peerA
	require.NoError(t, peerA.Connect([]Endpoint{{Address: "198.51.100.1", Port: 5004}}))
	require.Equal(t, StatusConnected, peerA.Status())

	var received []midi.Event
	peerB.OnMIDI(func(evs []midi.Event) { received = evs })

	note := midi.NoteOn{Chan: 0, Note: 60, Velocity: 100}
	require.NoError(t, peerA.SendMIDI(1, 0, []midi.Event{note}))

	require.Len(t, received, 1)
	assert.Equal(t, note, received[0])
}

func TestDisconnectTransitionsBothPeers(t *testing.T) {
	poller := fakePoller{}
	peerA := New(nil, poller, &loopbackTransport{}, RoleOutbound, "host-a")
	peerB := New(nil, poller, &loopbackTransport{}, RoleInbound, "host-b")
	peerA.transport.(*loopbackTransport).peer = peerB
	peerB.transport.(*loopbackTransport).peer = peerA
	require.NoError(t, peerA.Connect([]Endpoint{{Address: "198.51.100.1", Port: 5004}}))

	require.NoError(t, peerA.Disconnect())

	assert.Equal(t, StatusDisconnected, peerA.Status())
	assert.Equal(t, StatusDisconnected, peerB.Status())
	assert.Equal(t, ReasonLocalDisconnect, peerA.Session.DisconnectReason)
	assert.Equal(t, ReasonPeerDisconnected, peerB.Session.DisconnectReason)
}

// ck0CountingTransport wraps loopbackTransport and counts outbound CK0
// packets, so the test can confirm the back-to-back burst size.
type ck0CountingTransport struct {
	loopbackTransport
	ck0Sent int
}

func (t *ck0CountingTransport) WriteData(b []byte) error {
	if appleproto.IsSessionPacket(b) && appleproto.PeekCommand(b) == appleproto.CommandClockSync {
		if cs, err := appleproto.UnmarshalClockSync(b); err == nil && cs.Count == 0 {
			t.ck0Sent++
		}
	}
	return t.loopbackTransport.WriteData(b)
}

func TestClockSyncBurstSendsThreeRoundsBackToBack(t *testing.T) {
	poller := fakePoller{}

	transportA := &ck0CountingTransport{}
	peerA := New(nil, poller, transportA, RoleOutbound, "host-a")
	peerB := New(nil, poller, &loopbackTransport{}, RoleInbound, "host-b")
	transportA.peer = peerB
	peerB.transport.(*loopbackTransport).peer = peerA

	require.NoError(t, peerA.Connect([]Endpoint{{Address: "198.51.100.1", Port: 5004}}))

	assert.Equal(t, StatusConnected, peerA.Status())
	assert.Equal(t, ckBurstRounds, transportA.ck0Sent)
	assert.Equal(t, 0, peerA.ckBurstRemaining)
}

func TestOnCKRoundFiresForEveryCompletedRound(t *testing.T) {
	poller := fakePoller{}

	transportA := &ck0CountingTransport{}
	peerA := New(nil, poller, transportA, RoleOutbound, "host-a")
	peerB := New(nil, poller, &loopbackTransport{}, RoleInbound, "host-b")
	transportA.peer = peerB
	peerB.transport.(*loopbackTransport).peer = peerA

	var rounds int
	peerA.OnCKRound(func(latency time.Duration) { rounds++ })

	require.NoError(t, peerA.Connect([]Endpoint{{Address: "198.51.100.1", Port: 5004}}))

	assert.Equal(t, ckBurstRounds, rounds)
}

func TestConnectRejectsOnInboundRole(t *testing.T) {
	poller := fakePoller{}
	peerB := New(nil, poller, &loopbackTransport{}, RoleInbound, "host-b")
	err := peerB.Connect([]Endpoint{{Address: "198.51.100.1", Port: 5004}})
	require.Error(t, err)
}
