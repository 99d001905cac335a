package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rtpmidid/rtpmidid-go/internal/metrics"
	"github.com/rtpmidid/rtpmidid-go/pkg/appleproto"
	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/reactor"
	"github.com/rtpmidid/rtpmidid-go/pkg/router"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtppeer"
	"github.com/rtpmidid/rtpmidid-go/pkg/sequencer"
)

// NetworkListenerPeer owns one bound control/data socket pair and
// demultiplexes inbound sessions by remote address during the handshake,
// then by SSRC once the session peer has learned it, handing each remote
// off to a NetworkServerPeer child (spec.md §4.3).
type NetworkListenerPeer struct {
	base

	log       *slog.Logger
	poller    reactor.Poller
	transport *udpTransport
	localName string
	port      int
	seq       sequencer.Sequencer
	mcs       *metrics.Collector

	mu       sync.Mutex
	byAddr   map[string]*NetworkServerPeer // "ip:controlPort" -> pending/established child
	bySSRC   map[uint32]*NetworkServerPeer
	addChild func(*NetworkServerPeer) router.PeerId
}

// NewNetworkListenerPeer binds the control/data socket pair at port.
// addChild is invoked for every newly accepted remote and must add the
// child to the router (the listener itself never calls router.AddPeer,
// since only the router assigns ids). seq is the host sequencer collaborator
// (spec.md §4.3): when non-nil, a local port named after the remote is
// created as soon as a child session reaches StatusConnected and torn down
// on disconnect, mirroring the original daemon's add_rtpmidid_import_server.
// seq may be nil, since no production sequencer.Sequencer exists in scope.
// mcs is optional; pass nil to skip counting CK round trips and observing
// their latency for this listener's inbound sessions.
func NewNetworkListenerPeer(log *slog.Logger, poller reactor.Poller, localName string, port int, seq sequencer.Sequencer, mcs *metrics.Collector, addChild func(*NetworkServerPeer) router.PeerId) (*NetworkListenerPeer, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &NetworkListenerPeer{
		log:       log,
		poller:    poller,
		localName: localName,
		port:      port,
		seq:       seq,
		mcs:       mcs,
		byAddr:    make(map[string]*NetworkServerPeer),
		bySSRC:    make(map[uint32]*NetworkServerPeer),
		addChild:  addChild,
	}
	t, err := newUDPTransport(poller, port, l.onControl, l.onData)
	if err != nil {
		return nil, rtpmidierr.Wrap(rtpmidierr.NetworkError, "bind listener sockets", err)
	}
	l.transport = t
	return l, nil
}

func (l *NetworkListenerPeer) Kind() string   { return "network_listener" }
func (l *NetworkListenerPeer) Status() string { return fmt.Sprintf("listening on %d", l.port) }

// SendMIDI is a no-op: a bare listener has no session of its own to send
// on. Routes target its NetworkServerPeer children instead.
func (l *NetworkListenerPeer) SendMIDI(from router.PeerId, data midi.Data) {}

func (l *NetworkListenerPeer) Command(verb string, params any) (any, error) {
	return nil, rtpmidierr.New(rtpmidierr.InternalInvariant, "unknown command: "+verb)
}

func controlKey(addr *net.UDPAddr) string {
	return fmt.Sprintf("%s:%d", addr.IP.String(), addr.Port)
}

func (l *NetworkListenerPeer) onControl(b []byte, from *net.UDPAddr) {
	if appleproto.PeekCommand(b) != appleproto.CommandInvitation {
		if child, ok := l.childByAddr(from); ok {
			_ = child.session.HandleControlPacket(b)
		}
		return
	}
	inv, err := appleproto.UnmarshalInvitation(b)
	if err != nil {
		l.log.Warn("listener: malformed control IN", slog.Any("error", err))
		return
	}
	l.acceptOrReuse(inv, from)
}

func (l *NetworkListenerPeer) onData(b []byte, from *net.UDPAddr) {
	if appleproto.IsSessionPacket(b) {
		if child, ok := l.childByAddr(&net.UDPAddr{IP: from.IP, Port: from.Port - 1}); ok {
			_ = child.session.HandleDataPacket(b)
		}
		return
	}
	if len(b) < 12 {
		return
	}
	ssrc := uint32(b[8])<<24 | uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11])
	l.mu.Lock()
	child, ok := l.bySSRC[ssrc]
	l.mu.Unlock()
	if ok {
		_ = child.session.HandleDataPacket(b)
	}
}

func (l *NetworkListenerPeer) childByAddr(addr *net.UDPAddr) (*NetworkServerPeer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.byAddr[controlKey(addr)]
	return c, ok
}

func (l *NetworkListenerPeer) acceptOrReuse(inv appleproto.Invitation, from *net.UDPAddr) {
	key := controlKey(from)
	l.mu.Lock()
	if child, ok := l.byAddr[key]; ok {
		l.mu.Unlock()
		_ = child.session.HandleControlPacket(appleproto.MarshalInvitation(appleproto.CommandInvitation, inv))
		return
	}
	l.mu.Unlock()

	child := newNetworkServerPeer(l.log, l.poller, l.localName, &listenerChildTransport{l: l})
	child.session.Session.ControlEndpoint = rtppeer.Endpoint{Address: from.IP.String(), Port: uint16(from.Port)}
	child.session.Session.DataEndpoint = rtppeer.Endpoint{Address: from.IP.String(), Port: uint16(from.Port) + 1}

	if l.mcs != nil {
		child.session.OnCKRound(func(latency time.Duration) {
			l.mcs.CKExchangesTotal.Inc()
			l.mcs.ObserveLatency(latency)
		})
	}

	l.mu.Lock()
	l.byAddr[key] = child
	l.mu.Unlock()

	child.session.OnStateChange(func(old, next rtppeer.Status) {
		if next == rtppeer.StatusConnected {
			l.mu.Lock()
			l.bySSRC[child.session.Session.RemoteSSRC] = child
			l.mu.Unlock()
			l.createSequencerPort(child)
		}
		if next == rtppeer.StatusDisconnected {
			l.removeChild(child)
		}
	})

	if l.addChild != nil {
		l.addChild(child)
	}
	_ = child.session.HandleControlPacket(appleproto.MarshalInvitation(appleproto.CommandInvitation, inv))
}

func (l *NetworkListenerPeer) removeChild(child *NetworkServerPeer) {
	l.mu.Lock()
	delete(l.bySSRC, child.session.Session.RemoteSSRC)
	for k, v := range l.byAddr {
		if v == child {
			delete(l.byAddr, k)
		}
	}
	l.mu.Unlock()
	l.removeSequencerPort(child)
	r := l.ownerRouter()
	if r != nil {
		r.RemovePeer(child.ID())
	}
}

// createSequencerPort auto-creates a local sequencer port named after the
// remote peer once its session reaches StatusConnected, and bridges MIDI
// both ways between the port and the network session (spec.md §4.3,
// grounded on rtpmidid.cpp's add_rtpmidid_import_server on_connected).
func (l *NetworkListenerPeer) createSequencerPort(child *NetworkServerPeer) {
	if l.seq == nil {
		return
	}
	remoteName := child.session.Session.RemoteName
	port, err := l.seq.CreatePort(context.Background(), remoteName)
	if err != nil {
		l.log.Warn("listener: create sequencer port failed", slog.String("remote", remoteName), slog.Any("error", err))
		return
	}

	child.mu.Lock()
	child.seq = l.seq
	child.seqPort = port
	child.hasSeqPort = true
	child.mu.Unlock()

	l.seq.OnEvent(port, func(ev midi.Event) {
		child.routeMIDI(midi.NewData(midi.Encode([]midi.Event{ev})))
	})
	child.session.OnMIDI(func(events []midi.Event) {
		for _, ev := range events {
			if err := l.seq.SendEvent(context.Background(), port, ev); err != nil {
				l.log.Warn("listener: forward to sequencer failed", slog.String("remote", remoteName), slog.Any("error", err))
			}
		}
	})
}

func (l *NetworkListenerPeer) removeSequencerPort(child *NetworkServerPeer) {
	child.mu.Lock()
	seq, port, ok := child.seq, child.seqPort, child.hasSeqPort
	child.hasSeqPort = false
	child.mu.Unlock()
	if !ok {
		return
	}
	if err := seq.RemovePort(context.Background(), port); err != nil {
		l.log.Warn("listener: remove sequencer port failed", slog.Any("error", err))
	}
}

func (l *NetworkListenerPeer) OnRemoved(id router.PeerId) {
	l.transport.Close()
}

// listenerChildTransport routes a child's control/data writes through the
// listener's single bound socket pair, addressed back at that child's
// remote control endpoint.
type listenerChildTransport struct {
	l     *NetworkListenerPeer
	child *NetworkServerPeer
}

func (t *listenerChildTransport) WriteControl(b []byte) error {
	ep := t.child.session.Session.ControlEndpoint
	if err := t.l.transport.setRemote(ep.Address, int(ep.Port)); err != nil {
		return err
	}
	return t.l.transport.WriteControl(b)
}

func (t *listenerChildTransport) WriteData(b []byte) error {
	ep := t.child.session.Session.ControlEndpoint
	if err := t.l.transport.setRemote(ep.Address, int(ep.Port)); err != nil {
		return err
	}
	return t.l.transport.WriteData(b)
}

// NetworkServerPeer is one inbound session accepted by a NetworkListenerPeer.
type NetworkServerPeer struct {
	base

	session *rtppeer.Peer

	mu         sync.Mutex
	seq        sequencer.Sequencer
	seqPort    sequencer.LocalPortID
	hasSeqPort bool
}

func newNetworkServerPeer(log *slog.Logger, poller reactor.Poller, localName string, transport rtppeer.Transport) *NetworkServerPeer {
	s := &NetworkServerPeer{}
	s.session = rtppeer.New(log, poller, transport, rtppeer.RoleInbound, localName)
	if lct, ok := transport.(*listenerChildTransport); ok {
		lct.child = s
	}
	s.session.OnMIDI(func(events []midi.Event) {
		s.routeMIDI(midi.NewData(midi.Encode(events)))
	})
	return s
}

func (s *NetworkServerPeer) Kind() string { return "network_server" }
func (s *NetworkServerPeer) Status() string {
	return fmt.Sprintf("%s(%s)", s.session.Session.RemoteName, s.session.Status())
}

func (s *NetworkServerPeer) SendMIDI(from router.PeerId, data midi.Data) {
	events, err := midi.Decode(data.Bytes())
	if err != nil {
		return
	}
	_ = s.session.SendMIDI(0, 0, events)
}

func (s *NetworkServerPeer) Command(verb string, params any) (any, error) {
	switch verb {
	case "disconnect":
		return nil, s.session.Disconnect()
	default:
		return nil, rtpmidierr.New(rtpmidierr.InternalInvariant, "unknown command: "+verb)
	}
}

func (s *NetworkServerPeer) OnRemoved(router.PeerId) {
	s.session.Close()
}
