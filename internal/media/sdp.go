// Package media provides the SDP direction-attribute rewriting used by the
// Session Store's hold/unhold re-INVITE flow (spec §4.D). Actual audio
// capture, encoding and transport are WebRTC responsibilities external to
// this core; this package only shapes the offer/answer direction attribute
// per RFC 3264, grounded on the teacher's own SDP construction
// (services/rtpmanager/sdp/builder.go) using the same pion/sdp/v3 library.
package media

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// Direction is the RFC 3264 media direction attribute.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) attribute() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// RewriteDirection parses offer, replaces the direction attribute on every
// audio media section with dir, and returns the re-marshaled SDP body. The
// original m-line, connection and codec attributes are preserved
// unchanged - only the direction flag moves, matching the "sendonly" /
// "recvonly" / "inactive" semantics spec §4.D requires for hold/unhold
// re-INVITEs.
func RewriteDirection(offer []byte, dir Direction) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("media: parse SDP: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		md.Attributes = stripDirectionAttrs(md.Attributes)
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: dir.attribute()})
	}

	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("media: marshal SDP: %w", err)
	}
	return out, nil
}

func stripDirectionAttrs(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0:0]
	for _, a := range attrs {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			continue
		}
		out = append(out, a)
	}
	return out
}

// CurrentDirection inspects the first audio media section's direction
// attribute, defaulting to sendrecv when none is present.
func CurrentDirection(body []byte) (Direction, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return DirectionSendRecv, fmt.Errorf("media: parse SDP: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, a := range md.Attributes {
			switch a.Key {
			case "sendonly":
				return DirectionSendOnly, nil
			case "recvonly":
				return DirectionRecvOnly, nil
			case "inactive":
				return DirectionInactive, nil
			case "sendrecv":
				return DirectionSendRecv, nil
			}
		}
	}
	return DirectionSendRecv, nil
}
