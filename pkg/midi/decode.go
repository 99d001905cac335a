package midi

import "github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"

// header bits, RTP-MIDI command list section (RFC 6295).
const (
	headerBitB = 0x80 // big length
	headerBitJ = 0x40 // journal present
	headerBitZ = 0x20 // first event delta-time is 0
	headerBitP = 0x10 // phantom status
)

// Decode parses an RTP-MIDI command-list payload (the header byte, the
// variable-length delta times, and the running-status command bytes) into a
// sequence of typed events. It never returns a partial Event slice alongside
// a non-nil error: on malformed input the events already identified are
// discarded along with the rest of the payload, per spec.
func Decode(payload []byte) ([]Event, error) {
	if len(payload) == 0 {
		return nil, rtpmidierr.New(rtpmidierr.MalformedPayload, "empty payload")
	}

	header := payload[0]
	big := header&headerBitB != 0
	zeroFirstDelta := header&headerBitZ != 0

	var sectionLen int
	var cursor int
	if big {
		if len(payload) < 2 {
			return nil, rtpmidierr.New(rtpmidierr.MalformedPayload, "truncated big-length header")
		}
		sectionLen = int(header&0x0F)<<8 | int(payload[1])
		cursor = 2
	} else {
		sectionLen = int(header & 0x0F)
		cursor = 1
	}

	sectionEnd := cursor + sectionLen
	if sectionEnd > len(payload) {
		return nil, rtpmidierr.New(rtpmidierr.MalformedPayload, "declared section length exceeds payload")
	}

	var events []Event
	var runningStatus uint8
	haveStatus := false
	first := true

	for cursor < sectionEnd {
		if !(first && zeroFirstDelta) {
			_, n, err := readVarLen(payload[cursor:sectionEnd])
			if err != nil {
				return nil, err
			}
			cursor += n
		}
		first = false

		if cursor >= sectionEnd {
			return nil, rtpmidierr.New(rtpmidierr.MalformedPayload, "command truncated after delta time")
		}

		b := payload[cursor]
		var status uint8
		if b&0x80 != 0 {
			status = b
			cursor++
			haveStatus = true
		} else {
			if !haveStatus {
				return nil, rtpmidierr.New(rtpmidierr.MalformedPayload, "running status used before any status byte")
			}
			status = runningStatus
		}
		runningStatus = status

		nData, ok := dataBytesForStatus(status)
		if !ok {
			// Unknown status byte: abort the stream here, no partial emission
			// beyond what has already been decoded.
			return events, nil
		}
		if cursor+nData > sectionEnd {
			return nil, rtpmidierr.New(rtpmidierr.MalformedPayload, "command data truncated")
		}
		data := payload[cursor : cursor+nData]
		for _, db := range data {
			if db&0x80 != 0 {
				return nil, rtpmidierr.New(rtpmidierr.MalformedPayload, "data byte has high bit set")
			}
		}
		cursor += nData

		ev, err := decodeCommand(status, data)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, nil
}

func decodeCommand(status uint8, data []byte) (Event, error) {
	ch := status & 0x0F
	switch status & 0xF0 {
	case statusNoteOff:
		return NoteOff{Chan: ch, Note: data[0], Velocity: data[1]}, nil
	case statusNoteOn:
		// NoteOn with velocity 0 decodes as NoteOff, per spec.
		if data[1] == 0 {
			return NoteOff{Chan: ch, Note: data[0], Velocity: 0}, nil
		}
		return NoteOn{Chan: ch, Note: data[0], Velocity: data[1]}, nil
	case statusControlChange:
		return ControlChange{Chan: ch, Controller: data[0], Value: data[1]}, nil
	case statusProgramChange:
		return ProgramChange{Chan: ch, Program: data[0]}, nil
	case statusChannelPressure:
		return ChannelPressure{Chan: ch, Value: data[0]}, nil
	case statusPitchBend:
		raw := int16(data[0]) | int16(data[1])<<7
		return PitchBend{Chan: ch, Value: raw - 8192}, nil
	default:
		return nil, rtpmidierr.New(rtpmidierr.InternalInvariant, "dataBytesForStatus accepted unknown status")
	}
}

// readVarLen reads a 1-4 byte variable-length quantity (7 bits per byte,
// MSB=continuation) from the front of b and returns its value and the
// number of bytes consumed.
func readVarLen(b []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, rtpmidierr.New(rtpmidierr.MalformedPayload, "truncated delta-time")
		}
		v = v<<7 | uint32(b[i]&0x7F)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, rtpmidierr.New(rtpmidierr.MalformedPayload, "delta-time longer than 4 bytes")
}
