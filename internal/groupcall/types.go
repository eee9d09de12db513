// Package groupcall implements the Group Call Client spec.md §4.4
// describes: one client per (group_id, device), joining via an externally
// supplied SFU client, exchanging E2EE media with peers the SFU forwards,
// and coordinating membership/rotation/ring state.
//
// Grounded on internal/group/manager.go: member-list diffing against a
// previously known set (ActiveGroupInfo / clientConn.members), a
// broadcast-with-buffered-channel-drop pattern for slow receivers, and a
// ping/pong liveness loop generalized here into the peek-refresh scheduler.
// rust core/group_call.rs supplies the exact rotation/ratchet/peek-state
// semantics and the send-rate table.
package groupcall

import (
	"context"
	"time"

	"github.com/ringcore/callcore/internal/cryptocore"
	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/signaling"
)

// SfuClient is the capability interface this package needs from the SFU
// join/peek transport, mirroring internal/rendezvous.Client's HTTP-request
// shape.
type SfuClient interface {
	Join(ctx context.Context, req JoinRequest) (JoinResponse, error)
	Peek(ctx context.Context, groupId model.GroupId) (PeekInfo, error)
	Leave(ctx context.Context, groupId model.GroupId, demuxId model.DemuxId) error
}

// JoinRequest carries the client's ephemeral DH public key and ICE ufrag to
// the SFU (spec.md §4.4's "DHE on join").
type JoinRequest struct {
	GroupId     model.GroupId
	IceUfrag    string
	ClientPublicKey [32]byte
}

// JoinResponse is what the SFU returns on a successful join.
type JoinResponse struct {
	DemuxId       model.DemuxId
	ServerPublicKey [32]byte
	ExtraInfo     []byte
}

// PeekInfo is the SFU's current membership snapshot (spec.md §4.4).
type PeekInfo struct {
	Devices     []PeekDevice
	Creator     model.UserId
	EraId       string
	MaxDevices  *uint32
	DeviceCount uint32
}

// PeekDevice is one device entry within a PeekInfo.
type PeekDevice struct {
	DemuxId model.DemuxId
	UserId  model.UserId
}

// MediaTransport is the capability interface for the underlying SFU media
// connection: send-rate application, media enabling, data-channel sends,
// and the device-set push that drives incoming-track setup.
//
// It deliberately has no way to send a media key: the SFU must never learn a
// sender's frame-crypto secret (spec.md §2), so key distribution goes out
// over SignalingSender instead.
type MediaTransport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SetDeviceSet(demuxIds []model.DemuxId)
	SetSendRates(rates SendRates)
	SetMediaEnabled(enabled bool)
	SendDataChannelMessage(payload []byte) error
}

// SignalingSender delivers a DeviceToDevice payload (heartbeat, media key,
// leaving) to one user over the 1:1 signaling transport, never through the
// SFU, per spec.md §2.
type SignalingSender interface {
	SendDeviceToDevice(groupId model.GroupId, toUser model.UserId, msg signaling.DeviceToDevice) error
}

// Observer receives the observer notifications spec.md §4.4 names.
type Observer interface {
	OnConnectionStateChanged(groupId model.GroupId, state model.GroupConnectionState)
	OnJoinStateChanged(groupId model.GroupId, join model.GroupJoinState)
	OnRemoteDevicesChanged(groupId model.GroupId, reason RemoteDevicesChangeReason)
	OnPeekChanged(groupId model.GroupId, info PeekInfo)
	OnSendRatesChanged(groupId model.GroupId, rates SendRates)
	OnEnded(groupId model.GroupId, reason model.EndReason)
}

// RemoteDevicesChangeReason labels why OnRemoteDevicesChanged fired.
type RemoteDevicesChangeReason int

const (
	DemuxIdsChanged RemoteDevicesChangeReason = iota
	HeartbeatStateChanged
	SpeakerTimeChanged
	ForwardingVideoChanged
)

// RemoteDeviceState is one known remote participant (spec.md §3).
type RemoteDeviceState struct {
	DemuxId            model.DemuxId
	UserId             model.UserId
	MediaKeysReceived  bool
	AudioMuted         bool
	VideoMuted         bool
	Presenting         bool
	SharingScreen      bool
	HeartbeatRtpTs     uint32
	AddedTime          time.Time
	SpeakerTime        *time.Time
	LeavingReceived    bool
	ForwardingVideo    bool
	ServerAllocatedHeight   uint32
	ClientDecodedHeight     uint32
	IsHigherResolutionPending bool
}

// SendRates is what the send-rate table (spec.md §4.4) derives.
type SendRates struct {
	MinBps   model.DataRateBps
	StartBps model.DataRateBps
	MaxBps   model.DataRateBps
}

// frameSecretState tracks one demux id's ratcheting receive chain.
type frameSecretState struct {
	secret         cryptocore.FrameSecret
	ratchetCounter uint8
}
