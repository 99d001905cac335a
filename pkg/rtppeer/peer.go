// Package rtppeer implements the AppleMIDI session peer state machine: one
// instance per remote endpoint, pairing a control socket and a data socket,
// performing invitation, clock sync, keepalive and MIDI exchange. The wire
// layer lives in pkg/appleproto; this package owns only the state machine,
// timers and session bookkeeping.
package rtppeer

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/looplab/fsm"

	"github.com/rtpmidid/rtpmidid-go/pkg/appleproto"
	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/reactor"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultMaxAttempts    = 3
	ckBurstRounds         = 3 // spec.md §4.2: "three CK0 exchanges back-to-back"
	ckInterval            = 10 * time.Second
	ckMissedLimit         = 3
	ckMissedWindow        = 30 * time.Second
)

// Role distinguishes which side of the handshake a Peer plays.
type Role int

const (
	RoleOutbound Role = iota // we sent the initial IN
	RoleInbound              // remote sent the initial IN
)

// Transport is the socket I/O a Peer needs. It is supplied by pkg/peer,
// which owns the actual UDP sockets and the reactor registrations; rtppeer
// itself never touches a socket or the poller's fd registration directly.
type Transport interface {
	WriteControl(b []byte) error
	WriteData(b []byte) error
}

// Peer drives one AppleMIDI session's state machine. It is not safe for
// concurrent use from more than one goroutine; every call must come from the
// owning reactor.Poller's single event-loop goroutine.
type Peer struct {
	log       *slog.Logger
	poller    reactor.Poller
	transport Transport
	clock     Clock
	role      Role

	Session Session
	machine *fsm.FSM

	connectTimeout time.Duration
	maxAttempts    int
	attempt        int
	endpoints      []Endpoint

	ckMissed        int
	ckBurstRemaining int

	connectTimer reactor.Timer
	ckTimer      reactor.Timer

	onStateChange []func(old, new Status)
	onMIDI        []func([]midi.Event)
	onConnectFail []func(error)
	onCKRound     []func(latency time.Duration)
}

// New creates a Peer. name is this host's own display name, sent in every
// invitation this peer originates or replies to.
func New(log *slog.Logger, poller reactor.Poller, transport Transport, role Role, localName string) *Peer {
	if log == nil {
		log = slog.Default()
	}
	p := &Peer{
		log:            log,
		poller:         poller,
		transport:      transport,
		clock:          NewClock(),
		role:           role,
		connectTimeout: defaultConnectTimeout,
		maxAttempts:    defaultMaxAttempts,
	}
	p.Session = Session{
		LocalSSRC:  rand.Uint32(),
		RemoteName: localName,
		Status:     StatusNotConnected,
	}
	p.machine = fsm.NewFSM(
		string(StatusNotConnected),
		fsm.Events{
			{Name: "invite", Src: []string{string(StatusNotConnected)}, Dst: string(StatusControlPending)},
			{Name: "control_ok", Src: []string{string(StatusControlPending)}, Dst: string(StatusDataPending)},
			{Name: "accept_control", Src: []string{string(StatusNotConnected)}, Dst: string(StatusDataPending)},
			{Name: "data_ok", Src: []string{string(StatusDataPending)}, Dst: string(StatusCKPending)},
			{Name: "ck_complete", Src: []string{string(StatusCKPending)}, Dst: string(StatusConnected)},
			{Name: "fail", Src: []string{
				string(StatusControlPending), string(StatusDataPending), string(StatusCKPending), string(StatusConnected),
			}, Dst: string(StatusDisconnected)},
			{Name: "reset", Src: []string{string(StatusDisconnected)}, Dst: string(StatusNotConnected)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				p.handleTransition(e)
			},
		},
	)
	return p
}

func (p *Peer) handleTransition(e *fsm.Event) {
	old := Status(e.Src)
	next := Status(e.Dst)
	p.Session.Status = next
	p.log.Debug("rtppeer: state transition", slog.String("from", e.Src), slog.String("to", e.Dst))
	for _, cb := range p.onStateChange {
		cb(old, next)
	}
}

// OnStateChange registers cb to run on every state transition.
func (p *Peer) OnStateChange(cb func(old, new Status)) {
	p.onStateChange = append(p.onStateChange, cb)
}

// OnMIDI registers cb to run for every decoded inbound MIDI event batch.
func (p *Peer) OnMIDI(cb func([]midi.Event)) {
	p.onMIDI = append(p.onMIDI, cb)
}

// OnConnectFailed registers cb to run when the outbound candidate list is
// exhausted without a successful connection.
func (p *Peer) OnConnectFailed(cb func(error)) {
	p.onConnectFail = append(p.onConnectFail, cb)
}

// OnCKRound registers cb to run every time a CK round trip completes (both
// the initial ck_pending handshake round and every later keepalive/burst
// round), with the just-measured one-way latency estimate.
func (p *Peer) OnCKRound(cb func(latency time.Duration)) {
	p.onCKRound = append(p.onCKRound, cb)
}

// SetTransport replaces the socket I/O implementation. Used by pkg/peer to
// bind the actual UDP sockets once they exist, since the session state
// machine itself must not depend on socket construction order.
func (p *Peer) SetTransport(t Transport) {
	p.transport = t
}

// Status returns the peer's current state.
func (p *Peer) Status() Status { return p.Session.Status }

// Latency returns the most recent clock-sync latency estimate.
func (p *Peer) Latency() time.Duration { return p.Session.LatencyEstimate }

// Connect starts (or restarts) an outbound handshake against endpoints, in
// order. Only valid for RoleOutbound peers in not_connected.
func (p *Peer) Connect(endpoints []Endpoint) error {
	if p.role != RoleOutbound {
		return rtpmidierr.New(rtpmidierr.InternalInvariant, "Connect called on inbound peer")
	}
	if len(endpoints) == 0 {
		return rtpmidierr.New(rtpmidierr.InternalInvariant, "Connect requires at least one endpoint")
	}
	p.endpoints = endpoints
	p.attempt = 0
	return p.connectToNext()
}

func (p *Peer) connectToNext() error {
	if p.attempt >= len(p.endpoints) && p.attempt >= p.maxAttempts {
		err := rtpmidierr.New(rtpmidierr.Timeout, "connect attempts exhausted")
		for _, cb := range p.onConnectFail {
			cb(err)
		}
		return err
	}
	ep := p.endpoints[p.attempt%len(p.endpoints)]
	p.attempt++
	p.Session.ControlEndpoint = ep
	p.Session.DataEndpoint = Endpoint{Address: ep.Address, Port: ep.Port + 1}
	p.Session.InitiatorToken = rand.Uint32()

	inv := appleproto.Invitation{
		InitiatorToken: p.Session.InitiatorToken,
		SenderSSRC:     p.Session.LocalSSRC,
		Name:           p.Session.RemoteName,
	}
	if err := p.transport.WriteControl(appleproto.MarshalInvitation(appleproto.CommandInvitation, inv)); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.NetworkError, "send control IN", err)
	}
	if err := p.machine.Event(context.Background(), "invite"); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "invite transition", err)
	}
	p.armConnectTimeout()
	return nil
}

func (p *Peer) armConnectTimeout() {
	if p.connectTimer != nil {
		p.connectTimer.Cancel()
	}
	p.connectTimer = p.poller.AddTimer(p.connectTimeout, func() {
		p.onConnectTimeout()
	})
}

func (p *Peer) onConnectTimeout() {
	switch p.Session.Status {
	case StatusControlPending, StatusDataPending:
		p.failAndMaybeRetry(ReasonTimeout)
	}
}

func (p *Peer) failAndMaybeRetry(reason DisconnectReason) {
	p.Session.DisconnectReason = reason
	_ = p.machine.Event(context.Background(), "fail")
	if p.role == RoleOutbound && (reason == ReasonTimeout || reason == ReasonRejected) {
		_ = p.machine.Event(context.Background(), "reset")
		if err := p.connectToNext(); err != nil {
			p.log.Warn("rtppeer: connect retry exhausted", slog.Any("error", err))
		}
	}
}

// HandleControlPacket dispatches one datagram read off the control socket.
func (p *Peer) HandleControlPacket(b []byte) error {
	cmd := appleproto.PeekCommand(b)
	switch cmd {
	case appleproto.CommandInvitation:
		return p.handleControlInvitation(b)
	case appleproto.CommandAccepted:
		return p.handleControlAccepted(b)
	case appleproto.CommandRejected:
		return p.handleControlRejected(b)
	case appleproto.CommandEnd:
		return p.handleBye(b)
	default:
		return rtpmidierr.New(rtpmidierr.MalformedPayload, "unrecognized control command")
	}
}

func (p *Peer) handleControlInvitation(b []byte) error {
	if p.role != RoleInbound {
		return nil
	}
	inv, err := appleproto.UnmarshalInvitation(b)
	if err != nil {
		return rtpmidierr.Wrap(rtpmidierr.MalformedPayload, "decode control IN", err)
	}
	if p.Session.Status != StatusNotConnected {
		// Already-known remote re-inviting: reply OK idempotently using
		// the existing SSRC, per spec.md §4.2's accept sequence.
		return p.replyControlOK(inv)
	}
	p.Session.InitiatorToken = inv.InitiatorToken
	p.Session.RemoteName = inv.Name
	p.Session.SetRemoteSSRC(inv.SenderSSRC)
	if err := p.replyControlOK(inv); err != nil {
		return err
	}
	if err := p.machine.Event(context.Background(), "accept_control"); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "accept_control transition", err)
	}
	p.armConnectTimeout()
	return nil
}

func (p *Peer) replyControlOK(inv appleproto.Invitation) error {
	ack := appleproto.Invitation{
		InitiatorToken: inv.InitiatorToken,
		SenderSSRC:     p.Session.LocalSSRC,
		Name:           p.Session.RemoteName,
	}
	if err := p.transport.WriteControl(appleproto.MarshalInvitation(appleproto.CommandAccepted, ack)); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.NetworkError, "send control OK", err)
	}
	return nil
}

func (p *Peer) handleControlAccepted(b []byte) error {
	if p.role != RoleOutbound || p.Session.Status != StatusControlPending {
		return nil
	}
	inv, err := appleproto.UnmarshalInvitation(b)
	if err != nil {
		return rtpmidierr.Wrap(rtpmidierr.MalformedPayload, "decode control OK", err)
	}
	if inv.InitiatorToken != p.Session.InitiatorToken {
		return nil
	}
	p.Session.SetRemoteSSRC(inv.SenderSSRC)
	if err := p.machine.Event(context.Background(), "control_ok"); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "control_ok transition", err)
	}
	dataInv := appleproto.Invitation{
		InitiatorToken: p.Session.InitiatorToken,
		SenderSSRC:     p.Session.LocalSSRC,
		Name:           p.Session.RemoteName,
	}
	if err := p.transport.WriteData(appleproto.MarshalInvitation(appleproto.CommandInvitation, dataInv)); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.NetworkError, "send data IN", err)
	}
	p.armConnectTimeout()
	return nil
}

func (p *Peer) handleControlRejected(b []byte) error {
	if p.role != RoleOutbound || p.Session.Status != StatusControlPending {
		return nil
	}
	p.failAndMaybeRetry(ReasonRejected)
	return nil
}

// HandleDataPacket dispatches one datagram read off the data socket. b is
// not the RTP-MIDI command bytes directly: it is the full RTP-wrapped packet
// when status is connected, or a session-control packet during handshake.
func (p *Peer) HandleDataPacket(b []byte) error {
	if appleproto.IsSessionPacket(b) {
		switch appleproto.PeekCommand(b) {
		case appleproto.CommandInvitation:
			return p.handleDataInvitation(b)
		case appleproto.CommandAccepted:
			return p.handleDataAccepted(b)
		case appleproto.CommandClockSync:
			return p.handleClockSync(b)
		case appleproto.CommandEnd:
			return p.handleBye(b)
		default:
			return rtpmidierr.New(rtpmidierr.MalformedPayload, "unrecognized data session command")
		}
	}
	if p.Session.Status != StatusConnected {
		return nil
	}
	_, events, err := appleproto.UnwrapMIDI(b)
	if err != nil {
		return rtpmidierr.Wrap(rtpmidierr.MalformedPayload, "decode data payload", err)
	}
	for _, cb := range p.onMIDI {
		cb(events)
	}
	return nil
}

func (p *Peer) handleDataInvitation(b []byte) error {
	if p.role != RoleInbound || p.Session.Status != StatusDataPending {
		return nil
	}
	inv, err := appleproto.UnmarshalInvitation(b)
	if err != nil {
		return rtpmidierr.Wrap(rtpmidierr.MalformedPayload, "decode data IN", err)
	}
	if inv.InitiatorToken != p.Session.InitiatorToken {
		return nil
	}
	ack := appleproto.Invitation{
		InitiatorToken: inv.InitiatorToken,
		SenderSSRC:     p.Session.LocalSSRC,
		Name:           p.Session.RemoteName,
	}
	if err := p.transport.WriteData(appleproto.MarshalInvitation(appleproto.CommandAccepted, ack)); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.NetworkError, "send data OK", err)
	}
	if err := p.machine.Event(context.Background(), "data_ok"); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "data_ok transition", err)
	}
	p.armConnectTimeout()
	return nil
}

func (p *Peer) handleDataAccepted(b []byte) error {
	if p.role != RoleOutbound || p.Session.Status != StatusDataPending {
		return nil
	}
	inv, err := appleproto.UnmarshalInvitation(b)
	if err != nil {
		return rtpmidierr.Wrap(rtpmidierr.MalformedPayload, "decode data OK", err)
	}
	if inv.InitiatorToken != p.Session.InitiatorToken {
		return nil
	}
	if err := p.machine.Event(context.Background(), "data_ok"); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "data_ok transition", err)
	}
	p.ckBurstRemaining = ckBurstRounds
	return p.sendClockSync0()
}

func (p *Peer) sendClockSync0() error {
	cs := appleproto.ClockSync{SenderSSRC: p.Session.LocalSSRC, Count: 0, T1: p.clock.Now()}
	if err := p.transport.WriteData(appleproto.MarshalClockSync(cs)); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.NetworkError, "send CK0", err)
	}
	if p.ckTimer != nil {
		p.ckTimer.Cancel()
	}
	p.ckTimer = p.poller.AddTimer(p.connectTimeout, p.onCKDeadline)
	return nil
}

func (p *Peer) onCKDeadline() {
	if p.Session.Status == StatusConnected {
		p.ckMissed++
		if p.ckMissed >= ckMissedLimit {
			p.sendBye(ReasonCKTimeout)
			return
		}
	} else if p.Session.Status == StatusCKPending {
		p.failAndMaybeRetry(ReasonTimeout)
		return
	}
	_ = p.sendClockSync0()
}

func (p *Peer) handleClockSync(b []byte) error {
	cs, err := appleproto.UnmarshalClockSync(b)
	if err != nil {
		return rtpmidierr.Wrap(rtpmidierr.MalformedPayload, "decode CK", err)
	}
	switch cs.Count {
	case 0:
		reply := appleproto.ClockSync{SenderSSRC: p.Session.LocalSSRC, Count: 1, T1: cs.T1, T2: p.clock.Now()}
		if err := p.transport.WriteData(appleproto.MarshalClockSync(reply)); err != nil {
			return rtpmidierr.Wrap(rtpmidierr.NetworkError, "send CK1", err)
		}
	case 1:
		reply := appleproto.ClockSync{SenderSSRC: p.Session.LocalSSRC, Count: 2, T1: cs.T1, T2: cs.T2, T3: p.clock.Now()}
		if err := p.transport.WriteData(appleproto.MarshalClockSync(reply)); err != nil {
			return rtpmidierr.Wrap(rtpmidierr.NetworkError, "send CK2", err)
		}
		p.completeCKRound(cs.T1, reply.T3)
	case 2:
		p.completeCKRound(cs.T1, cs.T3)
	}
	return nil
}

func (p *Peer) completeCKRound(t1, t3 uint64) {
	p.ckMissed = 0
	p.Session.LastSyncTime = time.Now()
	if t3 >= t1 {
		p.Session.LatencyEstimate = ticksToDuration((t3 - t1) / 2)
		for _, cb := range p.onCKRound {
			cb(p.Session.LatencyEstimate)
		}
	}
	if p.ckTimer != nil {
		p.ckTimer.Cancel()
		p.ckTimer = nil
	}
	if p.Session.Status == StatusCKPending {
		_ = p.machine.Event(context.Background(), "ck_complete")
		if p.connectTimer != nil {
			p.connectTimer.Cancel()
			p.connectTimer = nil
		}
	}
	if p.role != RoleOutbound {
		return
	}
	// spec.md §4.2: three CK0 exchanges back-to-back before settling into
	// the slow 10s keepalive cadence.
	if p.ckBurstRemaining > 0 {
		p.ckBurstRemaining--
	}
	if p.ckBurstRemaining > 0 {
		_ = p.sendClockSync0()
		return
	}
	p.ckTimer = p.poller.AddTimerRepeat(ckInterval, func() { _ = p.sendClockSync0() })
}

// SendMIDI encodes events and writes them on the data socket, wrapped in the
// outer RTP envelope. Only valid while connected.
func (p *Peer) SendMIDI(seq uint16, timestamp uint32, events []midi.Event) error {
	if p.Session.Status != StatusConnected {
		return rtpmidierr.New(rtpmidierr.InternalInvariant, "SendMIDI called while not connected")
	}
	packet, err := appleproto.WrapMIDI(seq, timestamp, p.Session.LocalSSRC, midi.Encode(events))
	if err != nil {
		return rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "wrap MIDI envelope", err)
	}
	if err := p.transport.WriteData(packet); err != nil {
		return rtpmidierr.Wrap(rtpmidierr.NetworkError, "send data MIDI", err)
	}
	return nil
}

// Disconnect sends BY and tears the session down locally.
func (p *Peer) Disconnect() error {
	return p.sendBye(ReasonLocalDisconnect)
}

func (p *Peer) sendBye(reason DisconnectReason) error {
	end := appleproto.End{InitiatorToken: p.Session.InitiatorToken, SenderSSRC: p.Session.LocalSSRC}
	payload := appleproto.MarshalEnd(end)
	_ = p.transport.WriteControl(payload)
	_ = p.transport.WriteData(payload)
	p.cancelTimers()
	p.Session.DisconnectReason = reason
	return p.machine.Event(context.Background(), "fail")
}

func (p *Peer) handleBye(b []byte) error {
	if p.Session.Status == StatusDisconnected || p.Session.Status == StatusNotConnected {
		return nil
	}
	p.cancelTimers()
	p.Session.DisconnectReason = ReasonPeerDisconnected
	return p.machine.Event(context.Background(), "fail")
}

func (p *Peer) cancelTimers() {
	if p.connectTimer != nil {
		p.connectTimer.Cancel()
		p.connectTimer = nil
	}
	if p.ckTimer != nil {
		p.ckTimer.Cancel()
		p.ckTimer = nil
	}
}

// Close cancels timers and tears down the session synchronously, dropping
// any late OK/NO per spec.md §5's cancellation rule.
func (p *Peer) Close() {
	p.cancelTimers()
	if p.Session.Status != StatusDisconnected {
		p.Session.DisconnectReason = ReasonLocalDisconnect
		_ = p.machine.Event(context.Background(), "fail")
	}
}
