package signaling

import (
	"encoding/json"
	"testing"

	"github.com/ringcore/callcore/internal/model"
)

func TestCallMessageOfferRoundTrip(t *testing.T) {
	msg := CallMessage{
		Type: TypeOffer,
		Offer: &OfferPayload{
			CallId:        model.NewCallId(),
			Sdp:           "v=0...",
			PublicKey:     []byte{1, 2, 3, 4},
			Mode:          2,
		},
	}
	data, err := jsonRoundTrip(msg)
	if err != nil {
		t.Fatal(err)
	}
	if data.Type != TypeOffer || data.Offer == nil || data.Offer.CallId != msg.Offer.CallId {
		t.Fatalf("round trip mismatch: %+v", data)
	}
}

func TestControlFrameLegacyPrefixStripped(t *testing.T) {
	msg := ControlMessage{
		Seqnum: 7,
		Hangup: &HangupControl{CallId: model.NewCallId(), HangupType: "Normal"},
	}
	framed, err := EncodeControlFrame(msg, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(framed) < LegacyReservedPrefixLen {
		t.Fatalf("expected legacy prefix present")
	}
	for _, b := range framed[:LegacyReservedPrefixLen] {
		if b != 0 {
			t.Fatalf("expected zero legacy prefix bytes")
		}
	}
	decoded, err := DecodeControlFrame(framed)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Seqnum != 7 || decoded.Hangup == nil || decoded.Hangup.CallId != msg.Hangup.CallId {
		t.Fatalf("decode mismatch: %+v", decoded)
	}
}

func TestControlFrameNoLegacyPrefix(t *testing.T) {
	msg := ControlMessage{Seqnum: 1, Accepted: &AcceptedControl{CallId: model.NewCallId()}}
	framed, err := EncodeControlFrame(msg, false)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeControlFrame(framed)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Accepted == nil || decoded.Accepted.CallId != msg.Accepted.CallId {
		t.Fatalf("decode mismatch: %+v", decoded)
	}
}

func TestRtpTimestampOrderAcceptsEqualAndNewer(t *testing.T) {
	if !RtpTimestampOrder(100, 100) {
		t.Fatalf("equal timestamps should be accepted (legacy resend tolerance)")
	}
	if !RtpTimestampOrder(100, 101) {
		t.Fatalf("strictly newer timestamps should be accepted")
	}
	if RtpTimestampOrder(100, 99) {
		t.Fatalf("strictly older timestamps should be rejected")
	}
}

func jsonRoundTrip(msg CallMessage) (CallMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return CallMessage{}, err
	}
	var out CallMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return CallMessage{}, err
	}
	return out, nil
}
