// Package sequencer declares the host platform MIDI sequencer collaborator
// (ALSA seq, CoreMIDI, WinMM...). It is out of core scope: this daemon only
// consumes the interface below, never implements it.
package sequencer

import (
	"context"

	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
)

// LocalPortID identifies one port created on the host sequencer.
type LocalPortID uint32

// Sequencer is the named external interface for the host MIDI backend.
type Sequencer interface {
	// CreatePort creates a new port visible to other local MIDI clients.
	CreatePort(ctx context.Context, name string) (LocalPortID, error)

	// RemovePort destroys a previously created port.
	RemovePort(ctx context.Context, id LocalPortID) error

	// OnSubscribe registers cb to be invoked when another local client
	// subscribes to or unsubscribes from id.
	OnSubscribe(id LocalPortID, cb func(remoteName string, subscribed bool))

	// OnEvent registers cb to be invoked for every inbound typed event
	// received on id from another local client.
	OnEvent(id LocalPortID, cb func(midi.Event))

	// SendEvent emits ev on id to any local subscribers.
	SendEvent(ctx context.Context, id LocalPortID, ev midi.Event) error
}
