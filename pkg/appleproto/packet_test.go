package appleproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvitationRoundTrip(t *testing.T) {
	// S3: FF FF 49 4E 00 00 00 02 CA FE BA BE DE AD BE EF "Alice\0"
	packet := MarshalInvitation(CommandInvitation, Invitation{
		InitiatorToken: 0xCAFEBABE,
		SenderSSRC:     0xDEADBEEF,
		Name:           "Alice",
	})
	require.True(t, IsSessionPacket(packet))
	assert.Equal(t, CommandInvitation, PeekCommand(packet))

	inv, err := UnmarshalInvitation(packet)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), inv.InitiatorToken)
	assert.Equal(t, uint32(0xDEADBEEF), inv.SenderSSRC)
	assert.Equal(t, "Alice", inv.Name)
}

func TestInvitationRejectsBadVersion(t *testing.T) {
	packet := MarshalInvitation(CommandInvitation, Invitation{Name: "x"})
	packet[7] = 3 // corrupt protocol_version to 3
	_, err := UnmarshalInvitation(packet)
	require.Error(t, err)
}

func TestClockSyncRoundTrip(t *testing.T) {
	ck := ClockSync{SenderSSRC: 0x11223344, Count: 1, T1: 1000, T2: 2000}
	packet := MarshalClockSync(ck)
	assert.Len(t, packet, 36)

	got, err := UnmarshalClockSync(packet)
	require.NoError(t, err)
	assert.Equal(t, ck, got)
}

func TestEndRoundTrip(t *testing.T) {
	e := End{InitiatorToken: 7, SenderSSRC: 9}
	packet := MarshalEnd(e)
	assert.Equal(t, CommandEnd, PeekCommand(packet))

	got, err := UnmarshalEnd(packet)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestIsSessionPacketDistinguishesFromMIDI(t *testing.T) {
	midiPacket := []byte{0x80, 0x61, 0x00, 0x01}
	assert.False(t, IsSessionPacket(midiPacket))
}
