package appleproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
)

func TestWrapUnwrapMIDIRoundTrip(t *testing.T) {
	events := []midi.Event{midi.NoteOn{Chan: 2, Note: 64, Velocity: 100}}
	commandList := midi.Encode(events)

	packet, err := WrapMIDI(42, 123456, 0xAABBCCDD, commandList)
	require.NoError(t, err)

	header, decoded, err := UnwrapMIDI(packet)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), header.SequenceNumber)
	assert.Equal(t, uint32(123456), header.Timestamp)
	assert.Equal(t, uint32(0xAABBCCDD), header.SSRC)
	assert.Equal(t, events, decoded)
}

func TestUnwrapMIDIRejectsWrongPayloadType(t *testing.T) {
	packet, err := WrapMIDI(1, 1, 1, midi.Encode(nil))
	require.NoError(t, err)
	packet[1] = 0x00 // corrupt payload type byte
	_, _, err = UnwrapMIDI(packet)
	require.Error(t, err)
}
