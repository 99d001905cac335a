package peer

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rtpmidid/rtpmidid-go/internal/metrics"
	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/reactor"
	"github.com/rtpmidid/rtpmidid-go/pkg/router"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtppeer"
)

// NetworkClientPeer owns one outbound session and a list of candidate
// endpoints. It connects lazily on the router's first downstream subscriber
// and disconnects when the last one unsubscribes (spec.md §4.3).
type NetworkClientPeer struct {
	base

	log       *slog.Logger
	poller    reactor.Poller
	transport *udpTransport
	session   *rtppeer.Peer
	endpoints []rtppeer.Endpoint
	name      string

	subscriberCount int
	seq             uint16
}

// NewNetworkClientPeer resolves no addresses at construction; each
// endpoint's address (numeric or hostname) is resolved with
// net.ResolveUDPAddr before every write on the session's sockets. mcs
// is optional; pass nil to skip counting CK round trips and observing their
// latency for this peer's session.
func NewNetworkClientPeer(log *slog.Logger, poller reactor.Poller, localName string, endpoints []rtppeer.Endpoint, mcs *metrics.Collector) *NetworkClientPeer {
	if log == nil {
		log = slog.Default()
	}
	p := &NetworkClientPeer{log: log, poller: poller, endpoints: endpoints, name: localName}
	p.session = rtppeer.New(log, poller, nil, rtppeer.RoleOutbound, localName)
	p.session.OnMIDI(func(events []midi.Event) {
		p.routeMIDI(midi.NewData(midi.Encode(events)))
	})
	p.session.OnStateChange(func(old, next rtppeer.Status) {
		p.publish(Event{Name: "state", Data: map[string]any{"from": string(old), "to": string(next)}})
	})
	p.session.OnConnectFailed(func(err error) {
		p.publish(Event{Name: "connect_failed", Data: map[string]any{"error": err.Error()}})
	})
	if mcs != nil {
		p.session.OnCKRound(func(latency time.Duration) {
			mcs.CKExchangesTotal.Inc()
			mcs.ObserveLatency(latency)
		})
	}
	return p
}

func (p *NetworkClientPeer) Kind() string   { return "network_client" }
func (p *NetworkClientPeer) Status() string { return fmt.Sprintf("%s(%s)", p.name, p.session.Status()) }

// OnAdded registers this peer with the router's route-mutation hooks, so
// that gaining the first downstream route triggers the lazy connect and
// losing the last one disconnects (spec.md §4.3's "on subscribe from the
// router (first downstream subscriber)"), without main needing to call
// AddSubscriber/RemoveSubscriber by hand. The session itself is not
// connected until that first route exists.
func (p *NetworkClientPeer) OnAdded(id router.PeerId, r *router.Router) {
	p.base.OnAdded(id, r)
	r.OnRouteAdded(func(from, to router.PeerId) {
		if to == id {
			p.AddSubscriber()
		}
	})
	r.OnRouteRemoved(func(from, to router.PeerId) {
		if to == id {
			p.RemoveSubscriber()
		}
	})
}

// EnsureConnected triggers the outbound handshake if not already underway.
// Called by the router/control-plane on the first downstream subscriber.
func (p *NetworkClientPeer) EnsureConnected() error {
	if p.session.Status() != rtppeer.StatusNotConnected {
		return nil
	}
	if p.transport == nil {
		t, err := newUDPTransport(p.poller, 0,
			func(b []byte, _ *net.UDPAddr) { _ = p.session.HandleControlPacket(b) },
			func(b []byte, _ *net.UDPAddr) { _ = p.session.HandleDataPacket(b) },
		)
		if err != nil {
			return rtpmidierr.Wrap(rtpmidierr.NetworkError, "bind outbound sockets", err)
		}
		p.transport = t
		p.rebindTransport()
	}
	return p.session.Connect(p.endpoints)
}

// rebindTransport gives the session peer a live Transport that points the
// UDP sockets at the session's current ControlEndpoint (which rtppeer.Peer
// updates on every connect attempt) via setRemote before each write.
func (p *NetworkClientPeer) rebindTransport() {
	p.session.SetTransport(&clientTransport{parent: p})
}

// clientTransport adapts udpTransport to rtppeer.Transport, re-resolving
// the current candidate endpoint from the owning NetworkClientPeer before
// each write so address changes across reconnect attempts take effect.
type clientTransport struct {
	parent *NetworkClientPeer
}

func (t *clientTransport) WriteControl(b []byte) error {
	if err := t.parent.syncRemote(); err != nil {
		return err
	}
	return t.parent.transport.WriteControl(b)
}

func (t *clientTransport) WriteData(b []byte) error {
	if err := t.parent.syncRemote(); err != nil {
		return err
	}
	return t.parent.transport.WriteData(b)
}

func (p *NetworkClientPeer) syncRemote() error {
	ep := p.session.Session.ControlEndpoint
	return p.transport.setRemote(ep.Address, int(ep.Port))
}

// AddSubscriber/RemoveSubscriber track downstream route count so the
// session connects lazily and disconnects when unused, per spec.md §4.3.
func (p *NetworkClientPeer) AddSubscriber() {
	p.subscriberCount++
	if p.subscriberCount == 1 {
		if err := p.EnsureConnected(); err != nil {
			p.log.Warn("network client: connect failed", slog.Any("error", err))
		}
	}
}

func (p *NetworkClientPeer) RemoveSubscriber() {
	if p.subscriberCount > 0 {
		p.subscriberCount--
	}
	if p.subscriberCount == 0 {
		_ = p.session.Disconnect()
	}
}

// SendMIDI relays router-delivered MIDI out over the session's data socket.
func (p *NetworkClientPeer) SendMIDI(from router.PeerId, data midi.Data) {
	events, err := midi.Decode(data.Bytes())
	if err != nil {
		p.log.Warn("network client: dropping malformed outbound payload", slog.Any("error", err))
		return
	}
	p.seq++
	if err := p.session.SendMIDI(p.seq, 0, events); err != nil {
		p.log.Warn("network client: send failed", slog.Any("error", err))
	}
}

// Command handles peer-scoped JSON-RPC verbs like "reconnect".
func (p *NetworkClientPeer) Command(verb string, params any) (any, error) {
	switch verb {
	case "reconnect":
		return nil, p.EnsureConnected()
	case "disconnect":
		return nil, p.session.Disconnect()
	default:
		return nil, rtpmidierr.New(rtpmidierr.InternalInvariant, "unknown command: "+verb)
	}
}

// OnRemoved tears down sockets and timers synchronously.
func (p *NetworkClientPeer) OnRemoved(id router.PeerId) {
	p.session.Close()
	if p.transport != nil {
		p.transport.Close()
	}
}
