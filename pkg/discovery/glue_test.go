package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpmidid/rtpmidid-go/pkg/reactor"
)

// fakeResponder is a scriptable discovery.Responder: it records every
// Query/Announce/Unannounce/RemoveDiscovery call and lets the test push
// records straight into the callback OnDiscovery registered for a given
// (pattern, kind).
type fakeResponder struct {
	hostname string

	onDiscovery map[string]func(Record)
	queried     []string
	announced   []Record
	removed     []string
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{
		hostname:    "fake-host.local",
		onDiscovery: make(map[string]func(Record)),
	}
}

func discoveryKey(name string, kind RecordKind) string {
	return name + "|" + string(rune('0'+int(kind)))
}

func (f *fakeResponder) Query(name string, kind RecordKind) {
	f.queried = append(f.queried, name)
}

func (f *fakeResponder) Announce(rec Record, replace bool) {
	f.announced = append(f.announced, rec)
}

func (f *fakeResponder) Unannounce(rec Record) {}

func (f *fakeResponder) OnDiscovery(pattern string, kind RecordKind, cb func(Record)) {
	f.onDiscovery[discoveryKey(pattern, kind)] = cb
}

func (f *fakeResponder) RemoveDiscovery(name string, kind RecordKind) {
	f.removed = append(f.removed, name)
}

func (f *fakeResponder) LocalHostname() (string, error) {
	return f.hostname, nil
}

func (f *fakeResponder) deliver(name string, kind RecordKind, rec Record) {
	if cb, ok := f.onDiscovery[discoveryKey(name, kind)]; ok {
		cb(rec)
	}
}

// fakePoller never actually fires timers; glue_test only checks the timer
// gets armed, not that it fires on a real clock.
type fakePoller struct {
	repeats []time.Duration
}

func (p *fakePoller) AddFDIn(fd int, cb func(fd int)) (reactor.Listener, error) {
	return nil, nil
}
func (p *fakePoller) AddTimer(d time.Duration, cb func()) reactor.Timer { return noopTimer{} }
func (p *fakePoller) AddTimerRepeat(d time.Duration, cb func()) reactor.Timer {
	p.repeats = append(p.repeats, d)
	return noopTimer{}
}

type noopTimer struct{}

func (noopTimer) Cancel() {}

func TestGlueResolvesPTRtoSRVtoAddress(t *testing.T) {
	r := newFakeResponder()
	g := NewGlue(nil, nil, r)

	var found []PeerFound
	g.Start(func(p PeerFound) { found = append(found, p) }, nil)

	r.deliver(serviceType, RecordPTR, Record{Kind: RecordPTR, Name: serviceType, Target: "Bob's Mac._apple-midi._udp.local", TTL: 4500})
	r.deliver("Bob's Mac._apple-midi._udp.local", RecordSRV, Record{Kind: RecordSRV, Name: "Bob's Mac._apple-midi._udp.local", Target: "bobs-mac.local", Port: 5004, TTL: 4500})
	r.deliver("bobs-mac.local", RecordA, Record{Kind: RecordA, Name: "bobs-mac.local", Address: "192.168.1.50"})

	require.Len(t, found, 1)
	assert.Equal(t, "Bob's Mac._apple-midi._udp.local", found[0].Name)
	assert.Equal(t, "192.168.1.50", found[0].Address)
	assert.EqualValues(t, 5004, found[0].Port)
}

func TestGlueDedupesIdenticalAddressPort(t *testing.T) {
	r := newFakeResponder()
	g := NewGlue(nil, nil, r)

	var found []PeerFound
	g.Start(func(p PeerFound) { found = append(found, p) }, nil)

	deliverChain := func(instance, host string, port uint16, ttl uint32) {
		r.deliver(serviceType, RecordPTR, Record{Kind: RecordPTR, Name: serviceType, Target: instance, TTL: ttl})
		r.deliver(instance, RecordSRV, Record{Kind: RecordSRV, Name: instance, Target: host, Port: port, TTL: ttl})
		r.deliver(host, RecordA, Record{Kind: RecordA, Name: host, Address: "192.168.1.50"})
	}

	deliverChain("a._apple-midi._udp.local", "host-a.local", 5004, 4500)
	deliverChain("b._apple-midi._udp.local", "host-a.local", 5004, 4500)

	assert.Len(t, found, 1)
}

func TestGlueTTLZeroRemovesResolvedPeer(t *testing.T) {
	r := newFakeResponder()
	g := NewGlue(nil, nil, r)

	var foundCount, removedCount int
	var removed PeerFound
	g.Start(func(p PeerFound) { foundCount++ }, func(p PeerFound) {
		removedCount++
		removed = p
	})

	instance := "Bob's Mac._apple-midi._udp.local"
	r.deliver(serviceType, RecordPTR, Record{Kind: RecordPTR, Name: serviceType, Target: instance, TTL: 4500})
	r.deliver(instance, RecordSRV, Record{Kind: RecordSRV, Name: instance, Target: "bobs-mac.local", Port: 5004, TTL: 4500})
	r.deliver("bobs-mac.local", RecordA, Record{Kind: RecordA, Name: "bobs-mac.local", Address: "192.168.1.50"})
	require.Equal(t, 1, foundCount)

	r.deliver(instance, RecordSRV, Record{Kind: RecordSRV, Name: instance, TTL: 0})

	assert.Equal(t, 1, removedCount)
	assert.Equal(t, "192.168.1.50", removed.Address)
	assert.Contains(t, r.removed, instance)
}

func TestGlueReannounceWithSameNameAndNonZeroTTLIgnored(t *testing.T) {
	r := newFakeResponder()
	g := NewGlue(nil, nil, r)

	var found []PeerFound
	g.Start(func(p PeerFound) { found = append(found, p) }, nil)

	instance := "Bob's Mac._apple-midi._udp.local"
	r.deliver(serviceType, RecordPTR, Record{Kind: RecordPTR, Name: serviceType, Target: instance, TTL: 4500})
	r.deliver(instance, RecordSRV, Record{Kind: RecordSRV, Name: instance, Target: "bobs-mac.local", Port: 5004, TTL: 4500})
	r.deliver("bobs-mac.local", RecordA, Record{Kind: RecordA, Name: "bobs-mac.local", Address: "192.168.1.50"})
	require.Len(t, found, 1)

	// Re-announcement with identical name/non-zero TTL: no new SRV/A
	// resolution chain, no duplicate peer-found callback.
	r.deliver(instance, RecordSRV, Record{Kind: RecordSRV, Name: instance, Target: "bobs-mac.local", Port: 5004, TTL: 4500})

	assert.Len(t, found, 1)
}

func TestGlueAnnouncePublishesPTRAndSRVWithStandardTTL(t *testing.T) {
	r := newFakeResponder()
	g := NewGlue(nil, nil, r)

	require.NoError(t, g.Announce("my-daemon", 5004))

	require.Len(t, r.announced, 2)
	assert.Equal(t, RecordPTR, r.announced[0].Kind)
	assert.EqualValues(t, AnnounceTTL, r.announced[0].TTL)
	assert.Equal(t, RecordSRV, r.announced[1].Kind)
	assert.EqualValues(t, AnnounceTTL, r.announced[1].TTL)
	assert.EqualValues(t, 5004, r.announced[1].Port)
}

func TestGlueAnnounceUsesLocalHostnameWhenNameEmpty(t *testing.T) {
	r := newFakeResponder()
	g := NewGlue(nil, nil, r)

	require.NoError(t, g.Announce("", 5004))

	require.Len(t, r.announced, 2)
	assert.Equal(t, r.hostname, r.announced[0].Target)
}

func TestGlueAnnounceArmsRepeatingReannounceTimer(t *testing.T) {
	r := newFakeResponder()
	poller := &fakePoller{}
	g := NewGlue(nil, poller, r)

	require.NoError(t, g.Announce("my-daemon", 5004))

	require.Len(t, poller.repeats, 1)
	assert.Equal(t, time.Duration(AnnounceTTL)*time.Second, poller.repeats[0])
}
