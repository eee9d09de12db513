// Package connection implements the 1:1 Connection state machine spec.md
// §4.2 describes: parent/child/incoming roles, glare resolution, the
// in-band RTP-data control channel, and the 120 s pre-accept timeout.
//
// Grounded on internal/call/session.go (a single-threaded owner of one
// PeerConnection, driven by a small capability interface decoupling it from
// transport) and internal/call/manager.go (dispatch-loop-over-a-channel
// pattern); rust core/connection.rs supplies the exact state-transition
// table and role responsibilities.
package connection

import (
	"context"

	"github.com/ringcore/callcore/internal/bandwidth"
	"github.com/ringcore/callcore/internal/cryptocore"
	"github.com/ringcore/callcore/internal/model"
)

// Role is the one of {Parent, Child, Incoming} a Connection plays (spec.md §4.2).
type Role int

const (
	RoleOutgoingParent Role = iota
	RoleOutgoingChild
	RoleIncoming
)

func (r Role) String() string {
	switch r {
	case RoleOutgoingParent:
		return "OutgoingParent"
	case RoleOutgoingChild:
		return "OutgoingChild"
	case RoleIncoming:
		return "Incoming"
	default:
		return "Unknown"
	}
}

// IceEvent is the subset of ICE transport transitions the FSM reacts to.
type IceEvent int

const (
	IceConnected IceEvent = iota
	IceCompleted
	IceDisconnected
	IceFailed
)

// MediaEndpoint is the capability interface this package needs from the
// concrete WebRTC stack (pion), decoupling FSM logic from transport the way
// internal/call.Signaler decouples call.Session from the realtime layer.
type MediaEndpoint interface {
	// CreateGatherer starts ICE gathering shared by a parent and its children.
	CreateGatherer(ctx context.Context) error
	// CreateOffer returns the local SDP offer (parent role only).
	CreateOffer(ctx context.Context) (sdp string, err error)
	// CreateAnswer returns the local SDP answer (incoming role only).
	CreateAnswer(ctx context.Context, remoteSdp string) (sdp string, err error)
	// ApplyRemoteAnswer installs a remote answer (child role).
	ApplyRemoteAnswer(ctx context.Context, remoteSdp string) error
	// AddRemoteIceCandidates installs candidates, buffering them internally
	// if the remote description has not yet been set.
	AddRemoteIceCandidates(candidates []string) error
	// InstallSrtpKeys installs the derived offer/answer SRTP keys.
	InstallSrtpKeys(keys cryptocore.SrtpKeys) error
	// SetMaxSendBitrate applies a bandwidth controller decision.
	SetMaxSendBitrate(outputs bandwidth.Outputs) error
	// SetMediaEnabled toggles outgoing media + local audio playout/recording.
	SetMediaEnabled(enabled bool)
	// SendRtpData transmits one in-band control frame.
	SendRtpData(frame []byte) error
	// NetworkRoute returns the currently negotiated route.
	NetworkRoute() model.NetworkRoute
	// PollStats samples current media statistics (spec.md §4.2's 10s stats
	// tick and audio-levels sampling).
	PollStats() (model.Stats, error)
	// Close tears down the underlying peer connection.
	Close() error
}

// SignalSender is the capability interface for emitting outbound signaling,
// mirroring internal/call.Signaler's minimal Send surface.
type SignalSender interface {
	SendOffer(remote model.UserId, remoteDevice model.DeviceId, callId model.CallId, sdp string, publicKey []byte, mode model.BandwidthMode) error
	SendAnswer(remote model.UserId, remoteDevice model.DeviceId, callId model.CallId, sdp string, publicKey []byte, mode model.BandwidthMode) error
	SendIce(remote model.UserId, remoteDevice model.DeviceId, callId model.CallId, candidates []string) error
	SendHangup(remote model.UserId, remoteDevice model.DeviceId, callId model.CallId, hangupType string, deviceId *model.DeviceId) error
	SendBusy(remote model.UserId, remoteDevice model.DeviceId, callId model.CallId) error
}

// Observer receives FSM notifications, mirroring the "observer
// notifications" list in spec.md §4.4 scoped to 1:1 calls.
type Observer interface {
	OnConnectionStateChanged(callId model.CallId, state model.ConnectionState)
	OnEnded(callId model.CallId, reason model.EndReason)
	OnReceivedOfferWithGlare(callId model.CallId)
	// OnAudioLevels reports the most recent captured/received audio
	// activity levels sampled on the stats-poll tick.
	OnAudioLevels(callId model.CallId, capturedLevel, receivedLevel uint16)
	// OnNetworkRouteChanged fires once per logical route change.
	OnNetworkRouteChanged(callId model.CallId, route model.NetworkRoute)
	// OnIncomingVideoTrack fires the first time a remote video track is observed.
	OnIncomingVideoTrack(callId model.CallId)
}
