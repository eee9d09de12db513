package model

// BandwidthMode selects a local send-rate ceiling and a paired audio encoder
// configuration (spec.md §3, §4.3). Ordering: VeryLow < Low < Normal.
type BandwidthMode int

const (
	BandwidthVeryLow BandwidthMode = iota
	BandwidthLow
	BandwidthNormal
)

func (m BandwidthMode) String() string {
	switch m {
	case BandwidthVeryLow:
		return "VeryLow"
	case BandwidthLow:
		return "Low"
	case BandwidthNormal:
		return "Normal"
	default:
		return "Unknown"
	}
}

// DataRateBps is a bitrate expressed in bits per second.
type DataRateBps uint64

const (
	bps  DataRateBps = 1
	kbps             = 1000 * bps
	mbps             = 1000 * kbps
)

// MaxBitrate returns the numeric send-rate ceiling for m (rust
// core/connection.rs's BandwidthMode::max_bitrate, mirrored literally).
func (m BandwidthMode) MaxBitrate() DataRateBps {
	switch m {
	case BandwidthVeryLow:
		return 300 * kbps
	case BandwidthLow:
		return 1000 * kbps
	case BandwidthNormal:
		return 2000 * kbps
	default:
		return 300 * kbps
	}
}

// AudioEncoderConfig is the audio-codec parameter set paired with a
// BandwidthMode. The concrete knobs (bitrate, FEC/DTX) are a media-engine
// detail the core does not interpret, only carries.
type AudioEncoderConfig struct {
	BitrateBps       uint32
	EnableFec        bool
	EnableDtx        bool
	ComplexityKnobed bool
}

// AudioEncoderConfig returns the audio encoder parameters associated with m.
func (m BandwidthMode) AudioEncoderConfig() AudioEncoderConfig {
	switch m {
	case BandwidthVeryLow:
		return AudioEncoderConfig{BitrateBps: 16000, EnableFec: true, EnableDtx: true}
	case BandwidthLow:
		return AudioEncoderConfig{BitrateBps: 24000, EnableFec: true, EnableDtx: false}
	case BandwidthNormal:
		return AudioEncoderConfig{BitrateBps: 32000, EnableFec: true, EnableDtx: false}
	default:
		return AudioEncoderConfig{BitrateBps: 16000, EnableFec: true, EnableDtx: true}
	}
}

// Less reports whether m is strictly below other in the VeryLow < Low <
// Normal ordering.
func (m BandwidthMode) Less(other BandwidthMode) bool { return m < other }

// MinBandwidthMode returns the lesser of two bandwidth modes.
func MinBandwidthMode(a, b BandwidthMode) BandwidthMode {
	if a < b {
		return a
	}
	return b
}

// AdapterType labels the local network interface kind carried in a
// NetworkRoute (spec.md §3). Values are descriptive; the core only branches
// on the relay booleans, never on the adapter type itself.
type AdapterType int

const (
	AdapterUnknown AdapterType = iota
	AdapterWifi
	AdapterCellular
	AdapterEthernet
	AdapterVpn
	AdapterLoopback
)

// RelayProtocol names the protocol of a local relay (TURN) candidate, when
// the local route is relayed.
type RelayProtocol int

const (
	RelayProtocolUnknown RelayProtocol = iota
	RelayProtocolUdp
	RelayProtocolTcp
	RelayProtocolTls
)

// NetworkRoute describes the negotiated ICE path for a connection.
type NetworkRoute struct {
	LocalAdapterType   AdapterType
	LocalAdapterVpn    AdapterType // "under-VPN adapter type"; AdapterUnknown if not tunneled
	LocalRelayed       bool
	LocalRelayProtocol RelayProtocol
	RemoteRelayed      bool
}

// IsRelayed reports whether either end of the route is relayed — the
// trigger for the bandwidth controller's 1 Mbps egress cap (spec.md §4.3).
func (r NetworkRoute) IsRelayed() bool { return r.LocalRelayed || r.RemoteRelayed }
