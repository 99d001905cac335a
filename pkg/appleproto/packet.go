// Package appleproto implements the wire layer of the AppleMIDI session
// protocol: the IN/OK/NO/CK/BY command packets exchanged on the control and
// data UDP sockets, and the RTP envelope wrapping the MIDI command-list
// payload on the data socket. It has no notion of sessions or state
// machines — see pkg/rtppeer for that.
package appleproto

import (
	"encoding/binary"

	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

// ProtocolVersion is the only AppleMIDI protocol version this daemon speaks.
const ProtocolVersion uint32 = 2

// Command identifies one of the five AppleMIDI session commands.
type Command string

const (
	CommandInvitation Command = "IN"
	CommandAccepted   Command = "OK"
	CommandRejected   Command = "NO"
	CommandClockSync  Command = "CK"
	CommandEnd        Command = "BY"
)

var magic = [2]byte{0xFF, 0xFF}

// IsSessionPacket reports whether b begins with the 0xFF 0xFF AppleMIDI
// magic prefix, distinguishing session control packets from RTP-MIDI data.
func IsSessionPacket(b []byte) bool {
	return len(b) >= 4 && b[0] == magic[0] && b[1] == magic[1]
}

// PeekCommand returns the 2-byte ASCII command code following the magic
// prefix, assuming IsSessionPacket(b) is true.
func PeekCommand(b []byte) Command {
	return Command(b[2:4])
}

// Invitation is the IN/OK/NO payload shape: the name field is reused across
// all three (OK and NO echo version/initiator/ssrc and the sender's own
// name).
type Invitation struct {
	InitiatorToken uint32
	SenderSSRC     uint32
	Name           string
}

// MarshalInvitation builds an IN, OK or NO packet.
func MarshalInvitation(cmd Command, inv Invitation) []byte {
	buf := make([]byte, 0, 16+len(inv.Name)+1)
	buf = append(buf, magic[0], magic[1])
	buf = append(buf, cmd[0], cmd[1])
	buf = appendU32(buf, ProtocolVersion)
	buf = appendU32(buf, inv.InitiatorToken)
	buf = appendU32(buf, inv.SenderSSRC)
	buf = append(buf, inv.Name...)
	buf = append(buf, 0) // NUL terminator
	return buf
}

// UnmarshalInvitation parses the body of an IN/OK/NO packet. b must already
// have been identified as a session packet with the matching command.
func UnmarshalInvitation(b []byte) (Invitation, error) {
	if len(b) < 16 {
		return Invitation{}, rtpmidierr.New(rtpmidierr.MalformedPayload, "invitation packet shorter than 16 bytes")
	}
	version := binary.BigEndian.Uint32(b[4:8])
	if version != ProtocolVersion {
		return Invitation{}, rtpmidierr.New(rtpmidierr.MalformedPayload, "unsupported protocol version")
	}
	initiator := binary.BigEndian.Uint32(b[8:12])
	ssrc := binary.BigEndian.Uint32(b[12:16])
	name := nulTerminatedString(b[16:])
	return Invitation{InitiatorToken: initiator, SenderSSRC: ssrc, Name: name}, nil
}

// End is the BY packet body.
type End struct {
	InitiatorToken uint32
	SenderSSRC     uint32
}

func MarshalEnd(e End) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, magic[0], magic[1], 'B', 'Y')
	buf = appendU32(buf, ProtocolVersion)
	buf = appendU32(buf, e.InitiatorToken)
	buf = appendU32(buf, e.SenderSSRC)
	return buf
}

func UnmarshalEnd(b []byte) (End, error) {
	if len(b) < 16 {
		return End{}, rtpmidierr.New(rtpmidierr.MalformedPayload, "BY packet shorter than 16 bytes")
	}
	return End{
		InitiatorToken: binary.BigEndian.Uint32(b[8:12]),
		SenderSSRC:     binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// ClockSync is the CK packet body. Count is 0 (originator→responder, T1
// set), 1 (responder reply, T1+T2 set) or 2 (originator finalizes, all three
// set). Timestamps are 100-microsecond ticks from a monotonic clock chosen
// at peer start.
type ClockSync struct {
	SenderSSRC uint32
	Count      uint8
	T1, T2, T3 uint64
}

func MarshalClockSync(ck ClockSync) []byte {
	buf := make([]byte, 36)
	buf[0], buf[1] = magic[0], magic[1]
	buf[2], buf[3] = 'C', 'K'
	binary.BigEndian.PutUint32(buf[4:8], ck.SenderSSRC)
	buf[8] = ck.Count
	// buf[9:12] is 3 bytes of padding, left zero.
	binary.BigEndian.PutUint64(buf[12:20], ck.T1)
	binary.BigEndian.PutUint64(buf[20:28], ck.T2)
	binary.BigEndian.PutUint64(buf[28:36], ck.T3)
	return buf
}

func UnmarshalClockSync(b []byte) (ClockSync, error) {
	if len(b) < 36 {
		return ClockSync{}, rtpmidierr.New(rtpmidierr.MalformedPayload, "CK packet shorter than 36 bytes")
	}
	return ClockSync{
		SenderSSRC: binary.BigEndian.Uint32(b[4:8]),
		Count:      b[8],
		T1:         binary.BigEndian.Uint64(b[12:20]),
		T2:         binary.BigEndian.Uint64(b[20:28]),
		T3:         binary.BigEndian.Uint64(b[28:36]),
	}, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func nulTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
