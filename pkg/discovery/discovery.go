// Package discovery declares the mDNS/DNS-SD collaborator
// (_apple-midi._udp advertisement and browsing, RFC 6762/6763) and the glue
// that turns its raw records into network peer additions/removals. The
// resolver itself is out of core scope: this daemon only consumes Responder.
package discovery

// RecordKind distinguishes the DNS-SD record types this daemon cares about.
type RecordKind int

const (
	RecordPTR RecordKind = iota
	RecordSRV
	RecordA
	RecordAAAA
)

// Record is one resolved DNS-SD record delivered through OnDiscovery.
type Record struct {
	Kind RecordKind

	// PTR: Name is the PTR owner name (e.g. "_apple-midi._udp.local"),
	// Target is the service instance name it points at.
	// SRV: Name is the service instance name, Target/Port the hostname and
	// port it resolves to.
	// A/AAAA: Name is the hostname, Address its resolved IP literal.
	Name    string
	Target  string
	Port    uint16
	Address string

	// TTL is the record's DNS-SD time-to-live in seconds. A TTL of 0 on a
	// known SRV record is a removal announcement (spec.md §4.6): the peer
	// resolved from that SRV is torn down rather than re-resolved. A
	// non-zero TTL re-announcement of an already-known name is ignored.
	TTL uint32
}

// AnnounceTTL is the re-announce period for this daemon's own PTR+SRV pair,
// RFC 6762's recommended re-announce interval (spec.md §4.6: "TTL 75·60
// seconds").
const AnnounceTTL = 75 * 60

// Responder is the named external mDNS/DNS-SD collaborator (RFC 6762/6763).
// Query issues a one-shot lookup; OnDiscovery registers a standing callback
// for records matching pattern/kind as they arrive, mirroring the original
// daemon's mdns.query/mdns.on_discovery split.
type Responder interface {
	Query(name string, kind RecordKind)
	Announce(rec Record, replace bool)
	Unannounce(rec Record)
	OnDiscovery(pattern string, kind RecordKind, cb func(Record))
	RemoveDiscovery(name string, kind RecordKind)

	// LocalHostname returns this host's mDNS hostname, used by
	// Glue.Announce as the announced instance name and SRV target when no
	// name was configured explicitly.
	LocalHostname() (string, error)
}
