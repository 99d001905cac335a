package appleproto

import (
	"github.com/pion/rtp"

	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

// DataPayloadType is the RTP payload type AppleMIDI uses on the data
// channel, per the RFC 6295 convention (0x61, dynamic range).
const DataPayloadType = 0x61

// WrapMIDI marshals an RTP header around an RTP-MIDI command-list payload
// (the header byte + running-status commands produced by pkg/midi) to form
// a complete data-channel packet. seq and ssrc come from the owning
// session; timestamp is the sender's monotonic clock in 100-microsecond
// ticks, per spec.
func WrapMIDI(seq uint16, timestamp uint32, ssrc uint32, commandList []byte) ([]byte, error) {
	header := rtp.Header{
		Version:        2,
		PayloadType:    DataPayloadType,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
	hdrSize := header.MarshalSize()
	out := make([]byte, hdrSize+len(commandList))
	if _, err := header.MarshalTo(out[:hdrSize]); err != nil {
		return nil, rtpmidierr.Wrap(rtpmidierr.InternalInvariant, "marshal RTP header", err)
	}
	copy(out[hdrSize:], commandList)
	return out, nil
}

// UnwrapMIDI splits a data-channel packet into its RTP header and the
// embedded MIDI events (decoded via pkg/midi). It does not validate SSRC
// against a known session; callers do that, since only they know which
// remote is expected.
func UnwrapMIDI(packet []byte) (rtp.Header, []midi.Event, error) {
	var header rtp.Header
	n, err := header.Unmarshal(packet)
	if err != nil {
		return rtp.Header{}, nil, rtpmidierr.Wrap(rtpmidierr.MalformedPayload, "unmarshal RTP header", err)
	}
	if header.PayloadType != DataPayloadType {
		return header, nil, rtpmidierr.New(rtpmidierr.MalformedPayload, "unexpected RTP payload type on data channel")
	}
	events, err := midi.Decode(packet[n:])
	if err != nil {
		return header, nil, err
	}
	return header, events, nil
}
