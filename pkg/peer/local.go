package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/router"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
	"github.com/rtpmidid/rtpmidid-go/pkg/sequencer"
)

// LocalSequencerPeer wraps one host sequencer port, forwarding events it
// receives from the sequencer into the router and vice versa.
type LocalSequencerPeer struct {
	base

	log  *slog.Logger
	seq  sequencer.Sequencer
	name string
	port sequencer.LocalPortID
}

// NewLocalSequencerPeer creates the port on seq and wires its inbound events
// into the router once added.
func NewLocalSequencerPeer(log *slog.Logger, seq sequencer.Sequencer, name string) (*LocalSequencerPeer, error) {
	if log == nil {
		log = slog.Default()
	}
	port, err := seq.CreatePort(context.Background(), name)
	if err != nil {
		return nil, rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "create sequencer port", err)
	}
	p := &LocalSequencerPeer{log: log, seq: seq, name: name, port: port}
	seq.OnEvent(port, func(ev midi.Event) {
		p.routeMIDI(midi.NewData(midi.Encode([]midi.Event{ev})))
	})
	seq.OnSubscribe(port, func(remote string, subscribed bool) {
		p.publish(Event{Name: "subscribe", Data: map[string]any{"remote": remote, "subscribed": subscribed}})
	})
	return p, nil
}

func (p *LocalSequencerPeer) Kind() string   { return "local" }
func (p *LocalSequencerPeer) Status() string { return fmt.Sprintf("port %q", p.name) }

// SendMIDI decodes data and re-emits it on the sequencer port.
func (p *LocalSequencerPeer) SendMIDI(from router.PeerId, data midi.Data) {
	events, err := midi.Decode(data.Bytes())
	if err != nil {
		p.log.Warn("local peer: dropping malformed inbound payload", slog.Any("error", err))
		return
	}
	for _, ev := range events {
		if err := p.seq.SendEvent(context.Background(), p.port, ev); err != nil {
			p.log.Warn("local peer: send to sequencer failed", slog.Any("error", err))
		}
	}
}

// Command handles peer-scoped JSON-RPC verbs. LocalSequencerPeer has none
// beyond status, so every verb is rejected.
func (p *LocalSequencerPeer) Command(verb string, params any) (any, error) {
	return nil, rtpmidierr.New(rtpmidierr.InternalInvariant, "unknown command: "+verb)
}

// Close removes the underlying sequencer port.
func (p *LocalSequencerPeer) Close() error {
	return p.seq.RemovePort(context.Background(), p.port)
}
