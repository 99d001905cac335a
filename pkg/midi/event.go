// Package midi implements the MIDI command-stream codec used on the
// RTP-MIDI data channel: typed events in one direction, running-status
// encoded command bytes in the other. It knows nothing about sockets,
// sessions or RTP framing — see pkg/appleproto and pkg/rtppeer for those.
package midi

import "fmt"

// Kind identifies the concrete type behind an Event.
type Kind int

const (
	KindNoteOff Kind = iota
	KindNoteOn
	KindControlChange
	KindProgramChange
	KindChannelPressure
	KindPitchBend
)

// Event is a decoded MIDI channel-voice message. The concrete types below
// are the only implementations; callers type-switch on Kind() or use a Go
// type switch.
type Event interface {
	Kind() Kind
	Channel() uint8
}

type NoteOff struct {
	Chan, Note, Velocity uint8
}

func (NoteOff) Kind() Kind         { return KindNoteOff }
func (e NoteOff) Channel() uint8   { return e.Chan }
func (e NoteOff) String() string   { return fmt.Sprintf("NoteOff(ch=%d,note=%d,vel=%d)", e.Chan, e.Note, e.Velocity) }

type NoteOn struct {
	Chan, Note, Velocity uint8
}

func (NoteOn) Kind() Kind       { return KindNoteOn }
func (e NoteOn) Channel() uint8 { return e.Chan }
func (e NoteOn) String() string { return fmt.Sprintf("NoteOn(ch=%d,note=%d,vel=%d)", e.Chan, e.Note, e.Velocity) }

type ControlChange struct {
	Chan, Controller, Value uint8
}

func (ControlChange) Kind() Kind       { return KindControlChange }
func (e ControlChange) Channel() uint8 { return e.Chan }

type ProgramChange struct {
	Chan, Program uint8
}

func (ProgramChange) Kind() Kind       { return KindProgramChange }
func (e ProgramChange) Channel() uint8 { return e.Chan }

type ChannelPressure struct {
	Chan, Value uint8
}

func (ChannelPressure) Kind() Kind       { return KindChannelPressure }
func (e ChannelPressure) Channel() uint8 { return e.Chan }

// PitchBend carries a 14-bit signed value centered on zero: the wire value
// is Value+8192, range [0, 16383].
type PitchBend struct {
	Chan  uint8
	Value int16 // [-8192, 8191]
}

func (PitchBend) Kind() Kind       { return KindPitchBend }
func (e PitchBend) Channel() uint8 { return e.Chan }

// status bytes, high nibble, per the MIDI 1.0 spec.
const (
	statusNoteOff         = 0x80
	statusNoteOn          = 0x90
	statusControlChange   = 0xB0
	statusProgramChange   = 0xC0
	statusChannelPressure = 0xD0
	statusPitchBend       = 0xE0
)

func dataBytesForStatus(status uint8) (int, bool) {
	switch status & 0xF0 {
	case statusNoteOff, statusNoteOn, statusControlChange, statusPitchBend:
		return 2, true
	case statusProgramChange, statusChannelPressure:
		return 1, true
	default:
		return 0, false
	}
}
