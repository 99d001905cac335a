package discovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rtpmidid/rtpmidid-go/pkg/reactor"
)

const serviceType = "_apple-midi._udp.local"

// PeerFound is delivered once a PTR -> SRV -> A/AAAA chain resolves to a
// concrete, connectable address.
type PeerFound struct {
	Name    string
	Address string
	Port    uint16
}

type pendingSRV struct {
	name string
	port uint16
}

// Glue drives Responder.Query/OnDiscovery for "_apple-midi._udp" and turns
// the raw PTR/SRV/A record stream into deduplicated peer-found/peer-removed
// callbacks, mirroring the PTR -> SRV -> A pipeline and the
// known_mdns_peers dedup set from the original daemon's
// setup_mdns/add_rtpmidi_client.
type Glue struct {
	log    *slog.Logger
	poller reactor.Poller
	r      Responder

	mu          sync.Mutex
	knownSRV    map[string]struct{}   // SRV instance names already resolved or pending
	srvKey      map[string]string     // SRV instance name -> "address:port" dedup key, once resolved
	pendingPort map[string]pendingSRV // A/AAAA hostname -> SRV awaiting it
	byAddress   map[string]PeerFound  // dedup key "address:port" -> peer
	onFound     func(PeerFound)
	onRemoved   func(PeerFound)

	announceTimer reactor.Timer
}

// NewGlue creates a Glue bound to r. It does not start browsing until Start
// is called. poller schedules this daemon's own 75·60s re-announce timer
// (spec.md §4.6); it may be nil if Announce is never called.
func NewGlue(log *slog.Logger, poller reactor.Poller, r Responder) *Glue {
	if log == nil {
		log = slog.Default()
	}
	return &Glue{
		log:         log,
		poller:      poller,
		r:           r,
		knownSRV:    make(map[string]struct{}),
		srvKey:      make(map[string]string),
		pendingPort: make(map[string]pendingSRV),
		byAddress:   make(map[string]PeerFound),
	}
}

// Start begins browsing the network for "_apple-midi._udp" instances.
// onFound is called once per newly resolved peer; onRemoved is called when a
// known SRV record is withdrawn with TTL=0. onRemoved may be nil if the
// caller does not need removal notifications.
func (g *Glue) Start(onFound func(PeerFound), onRemoved func(PeerFound)) {
	g.mu.Lock()
	g.onFound = onFound
	g.onRemoved = onRemoved
	g.mu.Unlock()

	g.r.OnDiscovery(serviceType, RecordPTR, g.handlePTR)
	g.r.Query(serviceType, RecordPTR)
}

// Announce publishes this host's own AppleMIDI service instance, resolving
// the advertised hostname through Responder.LocalHostname when name is
// empty (spec.md §9 Open Question 2: no hardcoded fallback hostname), and
// arms a repeating timer that re-announces every AnnounceTTL seconds, per
// spec.md §4.6 ("For every peer ready to accept inbound sessions, announce
// a PTR + SRV pair with TTL 75·60 seconds").
func (g *Glue) Announce(name string, port uint16) error {
	if name == "" {
		hostname, err := g.r.LocalHostname()
		if err != nil {
			return err
		}
		name = hostname
	}
	g.announce(name, port)

	if g.poller != nil {
		g.mu.Lock()
		if g.announceTimer != nil {
			g.announceTimer.Cancel()
		}
		g.announceTimer = g.poller.AddTimerRepeat(AnnounceTTL*time.Second, func() {
			g.announce(name, port)
		})
		g.mu.Unlock()
	}
	return nil
}

func (g *Glue) announce(name string, port uint16) {
	g.r.Announce(Record{Kind: RecordPTR, Name: serviceType, Target: name, TTL: AnnounceTTL}, true)
	g.r.Announce(Record{Kind: RecordSRV, Name: name, Target: name, Port: port, TTL: AnnounceTTL}, true)
}

func (g *Glue) handlePTR(rec Record) {
	srvName := rec.Target
	g.mu.Lock()
	if _, seen := g.knownSRV[srvName]; seen {
		g.mu.Unlock()
		return
	}
	g.knownSRV[srvName] = struct{}{}
	g.mu.Unlock()

	g.log.Debug("discovery: found PTR", slog.String("instance", srvName))
	g.r.OnDiscovery(srvName, RecordSRV, g.handleSRV)
	g.r.Query(srvName, RecordSRV)
}

func (g *Glue) handleSRV(rec Record) {
	if rec.TTL == 0 {
		g.handleSRVRemoval(rec)
		return
	}

	g.mu.Lock()
	if _, resolved := g.srvKey[rec.Name]; resolved {
		// Re-announcement with the same name and non-zero TTL: ignored
		// (spec.md §4.6).
		g.mu.Unlock()
		return
	}
	g.pendingPort[rec.Target] = pendingSRV{name: rec.Name, port: rec.Port}
	g.mu.Unlock()

	g.log.Debug("discovery: found SRV", slog.String("name", rec.Name), slog.String("target", rec.Target), slog.Uint64("port", uint64(rec.Port)))
	g.r.OnDiscovery(rec.Target, RecordA, g.handleAddress)
	g.r.Query(rec.Target, RecordA)
}

func (g *Glue) handleSRVRemoval(rec Record) {
	g.mu.Lock()
	key, ok := g.srvKey[rec.Name]
	if !ok {
		g.mu.Unlock()
		return
	}
	peer, ok := g.byAddress[key]
	delete(g.srvKey, rec.Name)
	delete(g.knownSRV, rec.Name)
	delete(g.byAddress, key)
	onRemoved := g.onRemoved
	g.mu.Unlock()

	if !ok {
		return
	}
	g.log.Debug("discovery: SRV withdrawn, removing peer", slog.String("name", peer.Name), slog.String("address", peer.Address))
	g.r.RemoveDiscovery(rec.Name, RecordSRV)
	if onRemoved != nil {
		onRemoved(peer)
	}
}

func (g *Glue) handleAddress(rec Record) {
	g.mu.Lock()
	pending, ok := g.pendingPort[rec.Name]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pendingPort, rec.Name)

	key := rec.Address + ":" + portString(pending.port)
	if _, dup := g.byAddress[key]; dup {
		g.mu.Unlock()
		return
	}
	peer := PeerFound{Name: pending.name, Address: rec.Address, Port: pending.port}
	g.byAddress[key] = peer
	g.srvKey[pending.name] = key
	onFound := g.onFound
	g.mu.Unlock()

	g.log.Debug("discovery: resolved peer", slog.String("name", peer.Name), slog.String("address", peer.Address))
	if onFound != nil {
		onFound(peer)
	}
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	const digits = "0123456789"
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
