// Package bandwidth derives the effective outbound send rate and audio
// encoder configuration from local mode, remote-declared max, and the
// negotiated network route (spec.md §4.3). It is a pure function: the same
// triple of inputs always yields the same outputs, which is what
// spec.md §8's bandwidth-controller invariant requires.
//
// Grounded on rust core/connection.rs's BandwidthController
// (original_source/src/rust/src/core/connection.rs:262-317): MIN_SEND_RATE,
// the relay cap, and the inferred-remote-mode three-way match are mirrored
// literally.
package bandwidth

import "github.com/ringcore/callcore/internal/model"

// MinSendRate is the floor spec.md §4.3 names: 30 kbps.
const MinSendRate model.DataRateBps = 30_000

// RelayCap is the egress ceiling applied when either side of the route is
// relayed (spec.md §4.3): 1 Mbps.
const RelayCap model.DataRateBps = 1_000_000

// Inputs bundles the three values the controller is a pure function of.
type Inputs struct {
	LocalMode model.BandwidthMode
	// RemoteMax is the peer-declared max bitrate, if any has been received
	// (via ReceiverStatus or the session description). Nil means "unknown".
	RemoteMax *model.DataRateBps
	Route     model.NetworkRoute
}

// Outputs is what the controller derives.
type Outputs struct {
	MaxSendRate        model.DataRateBps
	AudioEncoderConfig model.AudioEncoderConfig
}

// Compute is the pure function described in spec.md §4.3.
func Compute(in Inputs) Outputs {
	localMax := in.LocalMode.MaxBitrate()

	candidates := []model.DataRateBps{localMax}
	if in.RemoteMax != nil {
		candidates = append(candidates, *in.RemoteMax)
	}
	if in.Route.IsRelayed() {
		candidates = append(candidates, RelayCap)
	}

	maxSendRate := candidates[0]
	for _, c := range candidates[1:] {
		if c < maxSendRate {
			maxSendRate = c
		}
	}
	if maxSendRate < MinSendRate {
		maxSendRate = MinSendRate
	}

	inferred := inferRemoteMode(in.RemoteMax)
	audioMode := model.MinBandwidthMode(in.LocalMode, inferred)

	return Outputs{
		MaxSendRate:        maxSendRate,
		AudioEncoderConfig: audioMode.AudioEncoderConfig(),
	}
}

// inferRemoteMode derives a BandwidthMode from a raw remote-declared max
// bitrate: VeryLow if below Low's ceiling, Low if below Normal's, else
// Normal. An unknown remote max is treated as Normal (no constraint known).
func inferRemoteMode(remoteMax *model.DataRateBps) model.BandwidthMode {
	if remoteMax == nil {
		return model.BandwidthNormal
	}
	switch {
	case *remoteMax < model.BandwidthLow.MaxBitrate():
		return model.BandwidthVeryLow
	case *remoteMax < model.BandwidthNormal.MaxBitrate():
		return model.BandwidthLow
	default:
		return model.BandwidthNormal
	}
}
