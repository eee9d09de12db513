package signaling

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ringcore/callcore/internal/model"
)

// RTP-data control channel constants (spec.md §6): payload type 101,
// well-known SSRCs, and the legacy 4-byte reserved-zero prefix older
// clients require.
const (
	RtpDataPayloadType = 101

	RtpDataSsrcOutgoingLegacy = 1001
	RtpDataSsrcIncomingLegacy = 2001
	RtpDataSsrcNewer          = 0xD

	LegacyReservedPrefixLen = 4

	// ResendIntervalMillis is how often the latest control message is
	// retransmitted while it has not been superseded (spec.md §4.2).
	ResendIntervalMillis = 1000
)

// ControlMessage is the in-band RTP-data control payload (spec.md §6).
// Exactly one of its optional fields is meaningful per message, selected by
// which constructor built it; Seqnum is always present.
type ControlMessage struct {
	Seqnum uint64 `json:"seqnum"`

	Accepted       *AcceptedControl       `json:"accepted,omitempty"`
	Hangup         *HangupControl         `json:"hangup,omitempty"`
	SenderStatus   *SenderStatusControl   `json:"sender_status,omitempty"`
	ReceiverStatus *ReceiverStatusControl `json:"receiver_status,omitempty"`
}

// AcceptedControl is sent outbound only by the callee, once the call is
// accepted locally.
type AcceptedControl struct {
	CallId model.CallId `json:"id"`
}

// HangupControl carries the hangup reason and, for some reasons, the
// device id it targets.
type HangupControl struct {
	CallId     model.CallId    `json:"id"`
	HangupType string          `json:"type"`
	DeviceId   *model.DeviceId `json:"device_id,omitempty"`
}

// SenderStatusControl reports the sender's current media state. Each field
// is sticky: a receiver only overwrites what a given message actually sets
// (spec.md §4.2), represented here with pointers so "unset" is distinguishable
// from "false".
type SenderStatusControl struct {
	CallId        model.CallId `json:"id"`
	VideoEnabled  *bool        `json:"video_enabled,omitempty"`
	SharingScreen *bool        `json:"sharing_screen,omitempty"`
}

// ReceiverStatusControl reports the max bitrate the receiver wants the
// sender to use, flowing in the reverse direction of media.
type ReceiverStatusControl struct {
	CallId        model.CallId       `json:"id"`
	MaxBitrateBps model.DataRateBps  `json:"max_bitrate_bps"`
}

// EncodeControlFrame serializes msg as JSON and prepends the legacy 4-byte
// reserved-zero prefix when legacy is true (older clients expect it; newer
// clients per spec.md §6 omit it).
func EncodeControlFrame(msg ControlMessage, legacy bool) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode control message: %w", err)
	}
	if !legacy {
		return body, nil
	}
	out := make([]byte, LegacyReservedPrefixLen, LegacyReservedPrefixLen+len(body))
	return append(out, body...), nil
}

// DecodeControlFrame parses a received RTP-data payload, tolerating an
// optional legacy 4-byte reserved-zero prefix.
func DecodeControlFrame(payload []byte) (ControlMessage, error) {
	body := payload
	if len(payload) >= LegacyReservedPrefixLen {
		allZero := true
		for _, b := range payload[:LegacyReservedPrefixLen] {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			// Could be a legitimate legacy prefix, or a JSON body that
			// happens to start with four zero bytes (impossible for valid
			// JSON, which always starts with '{' per ControlMessage's
			// struct encoding) — safe to strip unconditionally here.
			body = payload[LegacyReservedPrefixLen:]
		}
	}
	var msg ControlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("signaling: decode control message: %w", err)
	}
	return msg, nil
}

// SsrcFor returns the well-known SSRC for an outbound RTP-data control
// stream. newerClient selects the unified 0xD SSRC over the legacy
// direction-specific ones.
func SsrcFor(outgoing, newerClient bool) uint32 {
	if newerClient {
		return RtpDataSsrcNewer
	}
	if outgoing {
		return RtpDataSsrcOutgoingLegacy
	}
	return RtpDataSsrcIncomingLegacy
}

// RtpTimestampOrder reports whether candidate is acceptable given the last
// accepted RTP timestamp: strictly newer, or equal (tolerated for legacy
// senders that resend identically), per spec.md §5.
func RtpTimestampOrder(lastAccepted, candidate uint32) bool {
	return candidate == lastAccepted || rtpTimestampAfter(candidate, lastAccepted)
}

// rtpTimestampAfter compares two 32-bit RTP timestamps with wraparound
// awareness, treating "after" as a strictly-positive signed difference.
func rtpTimestampAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// PutUint32BE is a small helper mirroring the footer encoding used
// elsewhere in this tree, kept here so callers building raw RTP-data frames
// don't need to reach into cryptocore for plain big-endian encoding.
func PutUint32BE(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}
