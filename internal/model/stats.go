package model

import "time"

// Stats is a point-in-time snapshot of a Connection's live media statistics,
// sampled on the 10s stats-poll tick (spec.md §4.2) and fanned out to
// observers as audio levels and incoming-video-track notifications.
type Stats struct {
	SampledAt time.Time

	// CapturedAudioLevel and ReceivedAudioLevel are 0-100 activity levels for
	// the local capture and the remote decode path respectively (spec.md
	// §4.2's "audio-levels interval" sampling).
	CapturedAudioLevel uint16
	ReceivedAudioLevel uint16

	// FractionLost and Jitter are the most recent values reported back by
	// the remote peer's RTCP receiver reports for our outgoing stream.
	FractionLost uint8
	JitterRtp    uint32

	// IncomingVideoTrack is true the first sample after a new remote video
	// track is observed; it resets the next time Stats is sampled.
	IncomingVideoTrack bool
}
