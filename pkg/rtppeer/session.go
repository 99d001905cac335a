package rtppeer

import "time"

// Status is one state of the session peer state machine (spec'd transition
// table: not_connected -> control_pending -> data_pending -> ck_pending ->
// connected -> disconnected).
type Status string

const (
	StatusNotConnected   Status = "not_connected"
	StatusControlPending Status = "control_pending"
	StatusDataPending    Status = "data_pending"
	StatusCKPending      Status = "ck_pending"
	StatusConnected      Status = "connected"
	StatusDisconnected   Status = "disconnected"
)

// DisconnectReason refines the terminal disconnected state.
type DisconnectReason string

const (
	ReasonNone             DisconnectReason = ""
	ReasonRejected         DisconnectReason = "rejected"
	ReasonTimeout          DisconnectReason = "timeout"
	ReasonCKTimeout        DisconnectReason = "ck_timeout"
	ReasonPeerDisconnected DisconnectReason = "peer_disconnected"
	ReasonLocalDisconnect  DisconnectReason = "local_disconnect"
)

// Endpoint is a UDP address/port pair. The data endpoint of a session is
// always the control endpoint's port plus one.
type Endpoint struct {
	Address string
	Port    uint16
}

// Session is the data a peer accumulates across one connection attempt.
// Fields mirror spec.md §3 exactly; the unexported remoteSet flag behind
// SetRemoteSSRC enforces "remote SSRC is set exactly once per session".
type Session struct {
	LocalSSRC  uint32
	RemoteSSRC uint32
	remoteSet  bool

	RemoteName string

	ControlEndpoint Endpoint
	DataEndpoint    Endpoint

	InitiatorToken uint32

	Status           Status
	DisconnectReason DisconnectReason

	LastSyncTime    time.Time
	LatencyEstimate time.Duration
}

// SetRemoteSSRC assigns the remote SSRC once. Later calls with a different
// value are rejected to preserve the set-once invariant; a call with the
// already-stored value is a harmless no-op (idempotent re-acceptance of an
// already-known remote, per spec.md §4.2's accept sequence).
func (s *Session) SetRemoteSSRC(ssrc uint32) bool {
	if !s.remoteSet {
		s.RemoteSSRC = ssrc
		s.remoteSet = true
		return true
	}
	return s.RemoteSSRC == ssrc
}

// HasRemoteSSRC reports whether the remote SSRC has been learned yet.
func (s *Session) HasRemoteSSRC() bool {
	return s.remoteSet
}
