package media

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// DTMFEvent is an RFC 4733 telephone-event payload.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16
}

// DTMF event codes.
const (
	DTMF0 uint8 = iota
	DTMF1
	DTMF2
	DTMF3
	DTMF4
	DTMF5
	DTMF6
	DTMF7
	DTMF8
	DTMF9
	DTMFStar
	DTMFPound
)

// Default DTMF parameters, per RFC 4733, in 8 kHz timestamp units:
// DefaultDTMFDuration is 200ms and MinDTMFDuration 50ms.
const (
	DefaultDTMFVolume   uint8  = 10
	DefaultDTMFDuration uint16 = 1600
	MinDTMFDuration     uint16 = 400
	DTMFPayloadType     uint8  = 101
	DTMFSampleRate      uint32 = 8000
)

// RuneToEvent converts a DTMF character to its RFC 4733 event code.
// Supported digits are 0-9, *, # - the set spec §4.D accepts for
// ValidateTone; A-D keypad events are not exposed by this softphone.
func RuneToEvent(r rune) (uint8, bool) {
	switch r {
	case '0':
		return DTMF0, true
	case '1':
		return DTMF1, true
	case '2':
		return DTMF2, true
	case '3':
		return DTMF3, true
	case '4':
		return DTMF4, true
	case '5':
		return DTMF5, true
	case '6':
		return DTMF6, true
	case '7':
		return DTMF7, true
	case '8':
		return DTMF8, true
	case '9':
		return DTMF9, true
	case '*':
		return DTMFStar, true
	case '#':
		return DTMFPound, true
	}
	return 0, false
}

// Encode serializes the event to its RFC 4733 4-byte wire format.
func (e DTMFEvent) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.EndOfEvent {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// RTPWriter writes RTP packets carrying telephone-event payloads.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// DTMFWriter sends DTMF digits as RFC 4733 telephone-event RTP packets,
// the preferred mechanism over SIP INFO (spec §4.D DTMF).
type DTMFWriter struct {
	writer      RTPWriter
	payloadType uint8
}

// NewDTMFWriter creates a writer that emits telephone-event packets via w.
func NewDTMFWriter(w RTPWriter, payloadType uint8) *DTMFWriter {
	return &DTMFWriter{writer: w, payloadType: payloadType}
}

// SendDigit emits one DTMF digit with the RFC 4733-recommended redundancy:
// increasing-duration packets during the event, followed by three
// identical end-of-event packets.
func (d *DTMFWriter) SendDigit(digit rune, duration time.Duration, ssrc uint32, seqStart uint16, tsStart uint32) error {
	event, ok := RuneToEvent(digit)
	if !ok {
		return fmt.Errorf("media: invalid DTMF digit %q", digit)
	}

	samples := uint16(duration.Seconds() * float64(DTMFSampleRate))
	if samples < MinDTMFDuration {
		samples = MinDTMFDuration
	}

	const intervalSamples = uint16(160) // 20ms at 8kHz
	const intervalDuration = 20 * time.Millisecond
	seq := seqStart
	currentDuration := intervalSamples

	for currentDuration < samples {
		evt := DTMFEvent{Event: event, Volume: DefaultDTMFVolume, Duration: currentDuration}
		if err := d.send(evt, ssrc, seq, tsStart, seq == seqStart); err != nil {
			return err
		}
		seq++
		currentDuration += intervalSamples
		time.Sleep(intervalDuration)
	}

	for i := 0; i < 3; i++ {
		evt := DTMFEvent{Event: event, EndOfEvent: true, Volume: DefaultDTMFVolume, Duration: samples}
		if err := d.send(evt, ssrc, seq, tsStart, false); err != nil {
			return err
		}
		seq++
		if i < 2 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return nil
}

func (d *DTMFWriter) send(evt DTMFEvent, ssrc uint32, seq uint16, ts uint32, marker bool) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    d.payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: evt.Encode(),
	}
	return d.writer.WriteRTP(pkt)
}
