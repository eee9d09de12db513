package groupcall

import "github.com/ringcore/callcore/internal/model"

// ComputeSendRates implements the send-rate table (spec.md §4.4):
//
//	Joined members  sharing_screen  min / start / max
//	0               any            -/-/1 kbps
//	>=1             true           2 / 2 / 5 Mbps
//	1..=7           false          -/-/1000 kbps
//	>=8             false          -/-/671 kbps
func ComputeSendRates(joinedMemberCount int, sharingScreen bool) SendRates {
	switch {
	case joinedMemberCount == 0:
		return SendRates{MaxBps: 1_000}
	case sharingScreen:
		return SendRates{MinBps: 2_000_000, StartBps: 2_000_000, MaxBps: 5_000_000}
	case joinedMemberCount <= 7:
		return SendRates{MaxBps: 1_000_000}
	default:
		return SendRates{MaxBps: 671_000}
	}
}

// MediaShouldBeEnabled reports whether outgoing media and local audio
// recording/playout should be enabled for the given rates: disabled only
// when alone (max capped at 1 kbps), per spec.md §4.4.
func MediaShouldBeEnabled(rates SendRates) bool {
	return rates.MaxBps != 1_000
}

// bandwidthModeForSendRates is a convenience used when a caller needs to
// cross-reference the 1:1 bandwidth controller's modes against a group
// send-rate decision (not required by spec.md directly, but keeps both
// subsystems comparable on DataRateBps).
func bandwidthModeForSendRates(rates SendRates) model.BandwidthMode {
	switch {
	case rates.MaxBps <= model.BandwidthVeryLow.MaxBitrate():
		return model.BandwidthVeryLow
	case rates.MaxBps <= model.BandwidthLow.MaxBitrate():
		return model.BandwidthLow
	default:
		return model.BandwidthNormal
	}
}
