package mediaadapter

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ringcore/callcore/internal/groupcall"
	"github.com/ringcore/callcore/internal/model"
)

// GroupEndpoint is the reference groupcall.MediaTransport: one PeerConnection
// to the SFU, with application data-channel traffic carried over an SCTP
// data channel (the device set is only recorded locally) (unlike the 1:1 path's in-band RTP control
// channel — the SFU already terminates a real data channel for this
// purpose, per internal/call/session.go's general PeerConnection-setup
// shape). Media keys never cross this type: they go out over the 1:1
// signaling transport instead (spec.md §2), handled by groupcall.Client via
// groupcall.SignalingSender.
type GroupEndpoint struct {
	groupId model.GroupId

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	data      *webrtc.DataChannel
	deviceSet []model.DemuxId
}

// NewGroupEndpoint constructs a GroupEndpoint for one group call client.
func NewGroupEndpoint(groupId model.GroupId) (*GroupEndpoint, error) {
	return &GroupEndpoint{groupId: groupId}, nil
}

// Connect builds the PeerConnection and its control data channel to the SFU.
func (g *GroupEndpoint) Connect(ctx context.Context) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return fmt.Errorf("mediaadapter: group peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(fmt.Sprintf("callcore-group-%s", g.groupId), nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("mediaadapter: group data channel: %w", err)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("mediaadapter[group %s]: peer connection state -> %s", g.groupId, state)
	})

	g.mu.Lock()
	g.pc = pc
	g.data = dc
	g.mu.Unlock()
	return nil
}

// Disconnect tears down the PeerConnection.
func (g *GroupEndpoint) Disconnect() error {
	g.mu.Lock()
	pc := g.pc
	g.pc = nil
	g.data = nil
	g.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// SetDeviceSet records the demux ids the SFU should forward, driving which
// remote tracks this PeerConnection subscribes to in a full implementation.
func (g *GroupEndpoint) SetDeviceSet(demuxIds []model.DemuxId) {
	g.mu.Lock()
	g.deviceSet = append([]model.DemuxId(nil), demuxIds...)
	g.mu.Unlock()
	log.Printf("mediaadapter[group %s]: device set -> %v", g.groupId, demuxIds)
}

// SetSendRates logs the target rates; actual bitrate steering happens
// through pion/webrtc's congestion-control interceptor rather than a manual
// knob this type exposes directly.
func (g *GroupEndpoint) SetSendRates(rates groupcall.SendRates) {
	log.Printf("mediaadapter[group %s]: send rates -> min=%d start=%d max=%d",
		g.groupId, rates.MinBps, rates.StartBps, rates.MaxBps)
}

// SetMediaEnabled mirrors Endpoint.SetMediaEnabled's advisory log-only stance.
func (g *GroupEndpoint) SetMediaEnabled(enabled bool) {
	log.Printf("mediaadapter[group %s]: media enabled -> %v", g.groupId, enabled)
}

// SendDataChannelMessage writes payload (an already-encrypted data-channel
// frame, per cryptocore.EncryptDataChannelMessage) to the SFU data channel.
func (g *GroupEndpoint) SendDataChannelMessage(payload []byte) error {
	g.mu.Lock()
	dc := g.data
	g.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("mediaadapter: group data channel not ready")
	}
	return dc.Send(payload)
}

// GroupFactory implements callmanager.GroupMediaFactory, constructing one
// GroupEndpoint per joined group call client.
type GroupFactory struct{}

// NewGroupMedia builds a fresh GroupEndpoint for groupId.
func (GroupFactory) NewGroupMedia(groupId model.GroupId) (groupcall.MediaTransport, error) {
	return NewGroupEndpoint(groupId)
}
