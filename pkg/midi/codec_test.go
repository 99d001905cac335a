package midi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

func TestDecodeRunningStatus(t *testing.T) {
	// header 0x26: B=0,J=0,Z=1,P=0,len=6
	// section: 90 3C 40 | 00 3C 00  (second event reuses running status 0x90,
	// velocity 0 so it decodes as NoteOff)
	payload := []byte{0x26, 0x90, 0x3C, 0x40, 0x00, 0x3C, 0x00}

	events, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, NoteOn{Chan: 0, Note: 0x3C, Velocity: 0x40}, events[0])
	assert.Equal(t, NoteOff{Chan: 0, Note: 0x3C, Velocity: 0}, events[1])
}

func TestDecodeMalformedLengthOverrun(t *testing.T) {
	payload := []byte{0x04, 0x90, 0x3C}
	events, err := Decode(payload)
	assert.Nil(t, events)
	require.Error(t, err)
	assert.True(t, rtpmidierr.Is(err, rtpmidierr.MalformedPayload))
}

func TestDecodeRunningStatusBeforeAnyStatusByte(t *testing.T) {
	// header len=2, first byte 0x3C has no high bit: running status with
	// nothing set yet.
	payload := []byte{0x22, 0x3C, 0x40}
	_, err := Decode(payload)
	require.Error(t, err)
	assert.True(t, rtpmidierr.Is(err, rtpmidierr.MalformedPayload))
}

func TestDecodeDataByteHighBitSet(t *testing.T) {
	payload := []byte{0x23, 0x90, 0xFF, 0x40}
	_, err := Decode(payload)
	require.Error(t, err)
	assert.True(t, rtpmidierr.Is(err, rtpmidierr.MalformedPayload))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []Event{
		NoteOn{Chan: 3, Note: 60, Velocity: 100},
		ControlChange{Chan: 3, Controller: 7, Value: 127},
		ProgramChange{Chan: 3, Program: 5},
		ChannelPressure{Chan: 3, Value: 64},
		PitchBend{Chan: 3, Value: 0},
	}

	payload := Encode(events)
	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, events, decoded)
}

func TestNoteOnVelocityZeroDecodesAsNoteOff(t *testing.T) {
	events := []Event{NoteOn{Chan: 1, Note: 64, Velocity: 0}}
	payload := Encode(events)
	decoded, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, NoteOff{Chan: 1, Note: 64, Velocity: 0}, decoded[0])
}

func TestPitchBendRoundTripFullRange(t *testing.T) {
	for v := int16(-8192); v < 8191; v += 97 {
		events := []Event{PitchBend{Chan: 0, Value: v}}
		payload := Encode(events)
		decoded, err := Decode(payload)
		require.NoError(t, err)
		require.Len(t, decoded, 1)
		assert.Equal(t, PitchBend{Chan: 0, Value: v}, decoded[0])
	}
	// exact boundary values
	for _, v := range []int16{-8192, 8191} {
		events := []Event{PitchBend{Chan: 0, Value: v}}
		decoded, err := Decode(Encode(events))
		require.NoError(t, err)
		assert.Equal(t, PitchBend{Chan: 0, Value: v}, decoded[0])
	}
}

func TestEncodeBigLength(t *testing.T) {
	events := make([]Event, 0, 20)
	for i := 0; i < 20; i++ {
		events = append(events, ControlChange{Chan: 0, Controller: uint8(i), Value: 1})
	}
	payload := Encode(events)
	require.True(t, payload[0]&headerBitB != 0)
	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, events, decoded)
}

func TestUnknownStatusAbortsWithoutPartialLoss(t *testing.T) {
	// 0x90 NoteOn, then unknown status 0xF8 (system realtime) terminates the
	// stream without error, keeping the already-decoded event.
	payload := []byte{0x25, 0x90, 0x3C, 0x40, 0x00, 0xF8}
	events, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, NoteOn{Chan: 0, Note: 0x3C, Velocity: 0x40}, events[0])
}
