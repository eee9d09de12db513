package groupcall

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ringcore/callcore/internal/cryptocore"
	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/signaling"
)

// rotationDelay is how long a removal-triggered key rotation waits before
// being applied, so frames already in flight under the prior secret remain
// decryptable (spec.md §4.4, §3 invariants).
const rotationDelay = 3 * time.Second

// leavingRepollDelay is the second SFU re-poll scheduled after a leaving
// notification, to defeat SFU staleness (spec.md §4.4).
const leavingRepollDelay = 2 * time.Second

// heartbeatInterval is how often a joined client emits its local heartbeat
// state to the other joined users (spec.md §4.4).
const heartbeatInterval = 1 * time.Second

// Config bundles the fixed inputs a Client needs at construction.
type Config struct {
	GroupId     model.GroupId
	LocalUserId model.UserId
	Sfu         SfuClient
	Media       MediaTransport
	Signaling   SignalingSender
	Observer    Observer
}

// Client is the Group Call Client described in spec.md §4.4: one instance
// per (group_id, device).
type Client struct {
	groupId     model.GroupId
	localUserId model.UserId
	sfu         SfuClient
	media       MediaTransport
	signaling   SignalingSender
	observer    Observer

	peekScheduler *PeekScheduler

	mu sync.Mutex

	connState model.GroupConnectionState
	joinState model.GroupJoinState

	localSecret      cryptocore.X25519KeyPair
	sendSecret       cryptocore.FrameSecret
	sendRatchet      uint8
	sendFrameCounter uint64
	pendingRotation  *pendingRotation
	needsAnotherRotation bool

	devices map[model.DemuxId]*RemoteDeviceState
	recvChains map[model.DemuxId]*frameSecretState

	lastEraId       string
	firstPeek       bool
	localHeartbeat  signaling.HeartbeatPayload
	lastSharingScreen bool

	cancellableRing *model.RingId

	cancel context.CancelFunc
}

type pendingRotation struct {
	secret cryptocore.FrameSecret
	applyAt time.Time
}

// New constructs a Client in NotConnected/NotJoined.
func New(cfg Config) *Client {
	c := &Client{
		groupId:     cfg.GroupId,
		localUserId: cfg.LocalUserId,
		sfu:         cfg.Sfu,
		media:       cfg.Media,
		signaling:   cfg.Signaling,
		observer:    cfg.Observer,
		connState:   model.GroupNotConnected,
		joinState:   model.NotJoined(0),
		devices:     make(map[model.DemuxId]*RemoteDeviceState),
		recvChains:  make(map[model.DemuxId]*frameSecretState),
		firstPeek:   true,
	}
	c.peekScheduler = NewPeekScheduler(c.doPeek, c.applyPeek)
	return c
}

// GroupId returns the group this client is bound to.
func (c *Client) GroupId() model.GroupId { return c.groupId }

// ConnectionState returns a lock-guarded snapshot.
func (c *Client) ConnectionState() model.GroupConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// JoinState returns a lock-guarded snapshot.
func (c *Client) JoinState() model.GroupJoinState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinState
}

func (c *Client) setConnState(s model.GroupConnectionState) {
	c.mu.Lock()
	prev := c.connState
	c.connState = s
	c.mu.Unlock()
	if prev != s && c.observer != nil {
		c.observer.OnConnectionStateChanged(c.groupId, s)
	}
}

func (c *Client) setJoinState(s model.GroupJoinState) {
	c.mu.Lock()
	prev := c.joinState
	c.joinState = s
	c.mu.Unlock()
	if prev != s && c.observer != nil {
		c.observer.OnJoinStateChanged(c.groupId, s)
	}
}

// Connect moves NotConnected -> Connecting (spec.md §4.4). The underlying
// transport cannot actually connect until Join succeeds per SFU policy, so
// this only records intent and arms the peek scheduler.
func (c *Client) Connect(ctx context.Context) error {
	c.setConnState(model.GroupConnecting)
	c.peekScheduler.Ready(ctx)
	return nil
}

// busyGate is supplied by the owning Call Manager; TryAcquire returns
// false (refuse to join) when another call already holds it.
type busyGate interface {
	TryAcquire() bool
	Release()
}

// Join acquires the process busy lock, performs the DHE handshake with the
// SFU, and derives the group SRTP keys (spec.md §4.4). The derived keys are
// not passed to the media transport.
func (c *Client) Join(ctx context.Context, iceUfrag string, busy busyGate) error {
	if busy != nil && !busy.TryAcquire() {
		c.fail(model.EndedCallManagerIsBusy)
		return fmt.Errorf("groupcall: call manager is busy")
	}
	c.setJoinState(model.Joining())

	kp, err := cryptocore.GenerateX25519KeyPair()
	if err != nil {
		if busy != nil {
			busy.Release()
		}
		c.fail(model.EndedSfuClientFailedToJoin)
		return err
	}
	c.mu.Lock()
	c.localSecret = kp
	c.mu.Unlock()

	resp, err := c.sfu.Join(ctx, JoinRequest{GroupId: c.groupId, IceUfrag: iceUfrag, ClientPublicKey: kp.Public})
	if err != nil {
		if busy != nil {
			busy.Release()
		}
		c.fail(model.EndedSfuClientFailedToJoin)
		return err
	}

	shared, err := cryptocore.SharedSecret(kp.Private, resp.ServerPublicKey)
	if err != nil {
		c.fail(model.EndedFailedToNegotiateSrtpKeys)
		return err
	}
	groupKeys, err := cryptocore.DeriveGroupSrtpKeys(shared, resp.ExtraInfo)
	if err != nil {
		c.fail(model.EndedFailedToNegotiateSrtpKeys)
		return err
	}
	_ = groupKeys // MediaTransport has no method that accepts these keys

	var seed cryptocore.FrameSecret
	if _, err := rand.Read(seed[:]); err != nil {
		c.fail(model.EndedInternalFailure)
		return err
	}
	c.mu.Lock()
	c.sendSecret = seed
	c.sendRatchet = 0
	c.mu.Unlock()

	if err := c.media.Connect(ctx); err != nil {
		c.fail(model.EndedSfuClientFailedToJoin)
		return err
	}

	c.setJoinState(model.Joined(resp.DemuxId))
	c.setConnState(model.GroupConnected)
	c.peekScheduler.Trigger(ctx)

	hbCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.runHeartbeatLoop(hbCtx)

	return nil
}

func (c *Client) fail(reason model.EndReason) {
	c.setConnState(model.GroupNotConnected)
	c.setJoinState(model.NotJoined(0))
	if c.observer != nil {
		c.observer.OnEnded(c.groupId, reason)
	}
}

func (c *Client) doPeek(ctx context.Context) (PeekInfo, error) {
	return c.sfu.Peek(ctx, c.groupId)
}

// applyPeek implements the peek-application rules of spec.md §4.4.
func (c *Client) applyPeek(info PeekInfo) {
	c.mu.Lock()
	join := c.joinState
	c.mu.Unlock()

	if info.MaxDevices != nil && join.Kind != model.JoinJoined && info.DeviceCount >= *info.MaxDevices {
		c.fail(model.EndedHasMaxDevices)
		return
	}

	var localDemux model.DemuxId
	if join.Kind == model.JoinJoined {
		localDemux = join.DemuxId
	}

	c.mu.Lock()
	previous := c.devices
	now := time.Now()

	next := make(map[model.DemuxId]*RemoteDeviceState, len(info.Devices))
	var added, removed []model.DemuxId
	seen := make(map[model.DemuxId]bool, len(info.Devices))

	for _, d := range info.Devices {
		if d.DemuxId == localDemux {
			continue
		}
		seen[d.DemuxId] = true
		if prior, ok := previous[d.DemuxId]; ok && prior.UserId == d.UserId {
			next[d.DemuxId] = prior
			continue
		}
		next[d.DemuxId] = &RemoteDeviceState{DemuxId: d.DemuxId, UserId: d.UserId, AddedTime: now}
		added = append(added, d.DemuxId)
	}
	for demuxId := range previous {
		if !seen[demuxId] {
			removed = append(removed, demuxId)
		}
	}

	demuxSetChanged := len(added) > 0 || len(removed) > 0
	eraChanged := info.EraId != c.lastEraId
	firstPeek := c.firstPeek

	c.devices = next
	c.lastEraId = info.EraId
	c.firstPeek = false
	c.mu.Unlock()

	if demuxSetChanged {
		c.pushDeviceSet(next, localDemux)
		if c.observer != nil {
			c.observer.OnRemoteDevicesChanged(c.groupId, DemuxIdsChanged)
		}
	}
	if eraChanged || firstPeek || demuxSetChanged {
		if c.observer != nil {
			c.observer.OnPeekChanged(c.groupId, info)
		}
	}

	if len(added) > 0 {
		c.clearCancellableRingOnJoin()
		c.onDevicesAdded(added)
	}
	if len(removed) > 0 {
		c.onDevicesRemoved(removed)
	}

	c.recomputeSendRates(len(next))
}

func (c *Client) pushDeviceSet(devices map[model.DemuxId]*RemoteDeviceState, localDemux model.DemuxId) {
	ids := make([]model.DemuxId, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	c.media.SetDeviceSet(ids)
}

// onDevicesAdded advances the send ratchet one step and distributes the new
// send key (plus any pending rotation key) to the added users (spec.md §4.4).
func (c *Client) onDevicesAdded(added []model.DemuxId) {
	c.mu.Lock()
	next, err := cryptocore.RatchetForward(c.sendSecret)
	if err != nil {
		c.mu.Unlock()
		log.Printf("groupcall %s: ratchet forward on device add: %v", c.groupId, err)
		return
	}
	c.sendSecret = next
	c.sendRatchet++
	secret := c.sendSecret
	ratchet := c.sendRatchet
	pending := c.pendingRotation
	c.mu.Unlock()

	for _, demuxId := range added {
		if err := c.sendMediaKeyTo(demuxId, ratchet, secret); err != nil {
			log.Printf("groupcall %s: send media key to %d: %v", c.groupId, demuxId, err)
		}
		if pending != nil {
			if err := c.sendMediaKeyTo(demuxId, ratchet+1, pending.secret); err != nil {
				log.Printf("groupcall %s: send pending media key to %d: %v", c.groupId, demuxId, err)
			}
		}
	}
}

// sendMediaKeyTo distributes the frame-crypto secret for demuxId over the
// 1:1 signaling transport rather than through the SFU's media connection,
// so the SFU never learns the plaintext key (spec.md §2).
func (c *Client) sendMediaKeyTo(demuxId model.DemuxId, ratchetCounter uint8, secret cryptocore.FrameSecret) error {
	c.mu.Lock()
	dev, ok := c.devices[demuxId]
	sender := c.signaling
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("groupcall: unknown demux id %d", demuxId)
	}
	if sender == nil {
		return fmt.Errorf("groupcall: no signaling sender configured")
	}
	msg := signaling.DeviceToDevice{
		GroupId: c.groupId,
		MediaKey: &signaling.MediaKeyPayload{
			DemuxId:        demuxId,
			RatchetCounter: ratchetCounter,
			Secret:         secret,
		},
	}
	return sender.SendDeviceToDevice(c.groupId, dev.UserId, msg)
}

// onDevicesRemoved rotates to a fresh secret, broadcasts it, and schedules
// the rotation to apply after rotationDelay (spec.md §4.4). Only one
// rotation may be pending; a removal during a pending rotation chains via
// needsAnotherRotation.
func (c *Client) onDevicesRemoved(removed []model.DemuxId) {
	c.mu.Lock()
	if c.pendingRotation != nil {
		c.needsAnotherRotation = true
		c.mu.Unlock()
		return
	}
	var fresh cryptocore.FrameSecret
	if _, err := rand.Read(fresh[:]); err != nil {
		c.mu.Unlock()
		log.Printf("groupcall %s: generate rotation secret: %v", c.groupId, err)
		return
	}
	c.pendingRotation = &pendingRotation{secret: fresh, applyAt: time.Now().Add(rotationDelay)}
	remaining := make([]model.DemuxId, 0, len(c.devices))
	for id := range c.devices {
		remaining = append(remaining, id)
	}
	c.mu.Unlock()

	for _, demuxId := range remaining {
		if err := c.sendMediaKeyTo(demuxId, 0, fresh); err != nil {
			log.Printf("groupcall %s: broadcast rotated key to %d: %v", c.groupId, demuxId, err)
		}
	}

	time.AfterFunc(rotationDelay, c.applyPendingRotation)
}

func (c *Client) applyPendingRotation() {
	c.mu.Lock()
	rotation := c.pendingRotation
	if rotation == nil {
		c.mu.Unlock()
		return
	}
	c.sendSecret = rotation.secret
	c.sendRatchet = 0
	c.pendingRotation = nil
	chain := c.needsAnotherRotation
	c.needsAnotherRotation = false
	c.mu.Unlock()

	if chain {
		c.onDevicesRemoved(nil)
	}
}

func (c *Client) recomputeSendRates(joinedMemberCount int) {
	c.mu.Lock()
	sharing := c.lastSharingScreen
	c.mu.Unlock()

	rates := ComputeSendRates(joinedMemberCount, sharing)
	c.media.SetSendRates(rates)
	c.media.SetMediaEnabled(MediaShouldBeEnabled(rates))
	if c.observer != nil {
		c.observer.OnSendRatesChanged(c.groupId, rates)
	}
}

// SetSharingScreen updates the local screen-share flag and recomputes send
// rates (the table's second row keys off this).
func (c *Client) SetSharingScreen(sharing bool) {
	c.mu.Lock()
	c.lastSharingScreen = sharing
	c.localHeartbeat.SharingScreen = sharing
	count := len(c.devices)
	c.mu.Unlock()
	c.recomputeSendRates(count)
}

// DemuxIdForUser returns the demux id of a known remote device belonging to
// userId, if any. Used to attribute an inbound DeviceToDevice message (which
// carries a UserId, not a demux id) to a specific tracked device.
func (c *Client) DemuxIdForUser(userId model.UserId) (model.DemuxId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, dev := range c.devices {
		if dev.UserId == userId {
			return id, true
		}
	}
	return 0, false
}

// OnReceivedMediaKey installs a sender's frame-crypto secret into demuxId's
// receive chain (spec.md §4.4, §6). Media keys arrive over the 1:1
// signaling transport rather than through the SFU, so this is the only way
// a receive chain is ever populated.
func (c *Client) OnReceivedMediaKey(demuxId model.DemuxId, ratchetCounter uint8, secret cryptocore.FrameSecret) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chain, ok := c.recvChains[demuxId]
	if !ok {
		chain = &frameSecretState{}
		c.recvChains[demuxId] = chain
	}
	if !ok || ratchetCounter >= chain.ratchetCounter {
		chain.secret = secret
		chain.ratchetCounter = ratchetCounter
	}
	if dev, known := c.devices[demuxId]; known {
		dev.MediaKeysReceived = true
	}
}

// EncryptFrame seals plaintext under the client's current send secret,
// advancing the per-session frame counter on success (spec.md §6, §8).
func (c *Client) EncryptFrame(additionalData, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	secret := c.sendSecret
	ratchet := c.sendRatchet
	counter := c.sendFrameCounter
	c.mu.Unlock()

	framed, err := cryptocore.EncryptFrame(secret, ratchet, counter, additionalData, plaintext)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sendFrameCounter++
	c.mu.Unlock()
	return framed, nil
}

// DecryptFrame opens a frame received from demuxId, ratcheting that sender's
// receive chain forward to the generation the frame's footer names (spec.md
// §6, §8). It returns an error, never panics, when demuxId's chain is
// unknown (no media key received yet) or the frame names a generation older
// than the chain's current position.
func (c *Client) DecryptFrame(demuxId model.DemuxId, additionalData, framed []byte) ([]byte, error) {
	if len(framed) < cryptocore.FooterSize {
		return nil, fmt.Errorf("groupcall: frame too short for footer")
	}
	footerRatchet := framed[len(framed)-cryptocore.FooterSize]

	c.mu.Lock()
	chain, ok := c.recvChains[demuxId]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("groupcall: no media key received from demux id %d", demuxId)
	}
	if footerRatchet < chain.ratchetCounter {
		c.mu.Unlock()
		return nil, fmt.Errorf("groupcall: frame ratchet generation %d older than current %d for demux id %d", footerRatchet, chain.ratchetCounter, demuxId)
	}
	base := chain.secret
	baseRatchet := chain.ratchetCounter
	c.mu.Unlock()

	secretAt, err := cryptocore.RatchetToCounter(base, baseRatchet, footerRatchet)
	if err != nil {
		return nil, err
	}
	plaintext, ratchetCounter, _, err := cryptocore.DecryptFrame(secretAt, additionalData, framed)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	chain.secret = secretAt
	chain.ratchetCounter = ratchetCounter
	c.mu.Unlock()
	return plaintext, nil
}

// OnHeartbeat handles an inbound DeviceToDevice heartbeat (spec.md §4.4):
// dropped if not strictly newer by RTP timestamp; otherwise merged and
// change-notified.
func (c *Client) OnHeartbeat(demuxId model.DemuxId, rtpTimestamp uint32, hb signaling.HeartbeatPayload) {
	c.mu.Lock()
	dev, ok := c.devices[demuxId]
	if !ok {
		c.mu.Unlock()
		return
	}
	if !signaling.RtpTimestampOrder(dev.HeartbeatRtpTs, rtpTimestamp) || rtpTimestamp == dev.HeartbeatRtpTs {
		c.mu.Unlock()
		return
	}
	changed := dev.AudioMuted != hb.AudioMuted || dev.VideoMuted != hb.VideoMuted ||
		dev.Presenting != hb.Presenting || dev.SharingScreen != hb.SharingScreen

	dev.HeartbeatRtpTs = rtpTimestamp
	dev.AudioMuted = hb.AudioMuted
	videoJustMuted := !dev.VideoMuted && hb.VideoMuted
	dev.VideoMuted = hb.VideoMuted
	dev.Presenting = hb.Presenting
	dev.SharingScreen = hb.SharingScreen
	if videoJustMuted {
		dev.ClientDecodedHeight = 0
		dev.IsHigherResolutionPending = dev.ServerAllocatedHeight > dev.ClientDecodedHeight
	}
	c.mu.Unlock()

	if changed && c.observer != nil {
		c.observer.OnRemoteDevicesChanged(c.groupId, HeartbeatStateChanged)
	}
}

// OnSpeaker handles an SFU speaker announcement (spec.md §4.4): accepted
// only for strictly newer RTP timestamps and known, non-local demux ids.
func (c *Client) OnSpeaker(demuxId model.DemuxId, rtpTimestamp uint32, lastSpeakerRtpTs *uint32) {
	if lastSpeakerRtpTs != nil && !(rtpTimestamp > *lastSpeakerRtpTs) {
		return
	}
	c.mu.Lock()
	dev, ok := c.devices[demuxId]
	if !ok {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	dev.SpeakerTime = &now
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.OnRemoteDevicesChanged(c.groupId, SpeakerTimeChanged)
	}
}

// OnForwardingVideoChanged handles an SFU "current_devices" announcement
// (spec.md §4.4): updates forwarding state/allocated height per demux id,
// clearing client_decoded_height for any no-longer-forwarded device.
func (c *Client) OnForwardingVideoChanged(forwarded map[model.DemuxId]uint32) {
	c.mu.Lock()
	for demuxId, dev := range c.devices {
		height, isForwarded := forwarded[demuxId]
		dev.ForwardingVideo = isForwarded
		if isForwarded {
			dev.ServerAllocatedHeight = height
		} else {
			dev.ServerAllocatedHeight = 0
			dev.ClientDecodedHeight = 0
		}
		dev.IsHigherResolutionPending = dev.ServerAllocatedHeight > dev.ClientDecodedHeight
	}
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.OnRemoteDevicesChanged(c.groupId, ForwardingVideoChanged)
	}
}

// OnLeavingReceived marks a remote's leaving_received flag and schedules
// the SFU re-poll now and again in leavingRepollDelay (spec.md §4.4).
func (c *Client) OnLeavingReceived(ctx context.Context, demuxId model.DemuxId) {
	c.mu.Lock()
	dev, ok := c.devices[demuxId]
	if ok {
		dev.LeavingReceived = true
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.peekScheduler.Trigger(ctx)
	time.AfterFunc(leavingRepollDelay, func() { c.peekScheduler.Trigger(ctx) })
}

// Leave sends a LeaveMessage to the SFU twice for redundancy and
// broadcasts a leaving notification to known peers (spec.md §4.4).
func (c *Client) Leave(ctx context.Context, broadcastLeaving func(demuxId model.DemuxId)) error {
	join := c.JoinState()
	if join.Kind != model.JoinJoined {
		return nil
	}
	demuxId := join.DemuxId

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := c.sfu.Leave(ctx, c.groupId, demuxId); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if broadcastLeaving != nil {
		broadcastLeaving(demuxId)
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	_ = c.media.Disconnect()
	c.setJoinState(model.NotJoined(0))
	c.setConnState(model.GroupNotConnected)
	return firstErr
}

// runHeartbeatLoop emits the local heartbeat state once per heartbeatInterval
// until ctx is cancelled by Leave (spec.md §4.4: "every 1s, emit a message
// carrying the current sender heartbeat state").
func (c *Client) runHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Client) sendHeartbeat() {
	c.mu.Lock()
	hb := c.localHeartbeat
	sender := c.signaling
	targets := make(map[model.UserId]bool, len(c.devices))
	for _, dev := range c.devices {
		targets[dev.UserId] = true
	}
	c.mu.Unlock()

	if sender == nil {
		return
	}
	msg := signaling.DeviceToDevice{GroupId: c.groupId, Heartbeat: &hb}
	for toUser := range targets {
		if err := sender.SendDeviceToDevice(c.groupId, toUser, msg); err != nil {
			log.Printf("groupcall %s: send heartbeat to %s: %v", c.groupId, toUser, err)
		}
	}
}

// SetLocalAudioMuted updates the audio-muted flag carried in subsequent
// heartbeats.
func (c *Client) SetLocalAudioMuted(muted bool) {
	c.mu.Lock()
	c.localHeartbeat.AudioMuted = muted
	c.mu.Unlock()
}

// SetLocalVideoMuted updates the video-muted flag carried in subsequent
// heartbeats.
func (c *Client) SetLocalVideoMuted(muted bool) {
	c.mu.Lock()
	c.localHeartbeat.VideoMuted = muted
	c.mu.Unlock()
}

// SetLocalPresenting updates the presenting flag carried in subsequent
// heartbeats.
func (c *Client) SetLocalPresenting(presenting bool) {
	c.mu.Lock()
	c.localHeartbeat.Presenting = presenting
	c.mu.Unlock()
}

// Ring generates a nonzero RingId and returns the RingIntention payload to
// broadcast; if the call is currently empty of remote devices it is
// remembered as cancellable (spec.md §4.4).
func (c *Client) Ring() signaling.RingIntentionPayload {
	ringId := model.NewRingId()

	c.mu.Lock()
	if len(c.devices) == 0 {
		c.cancellableRing = &ringId
	}
	c.mu.Unlock()

	return signaling.RingIntentionPayload{GroupId: c.groupId, RingId: ringId, Type: signaling.RingTypeRing}
}

// CancelRingIfEmpty returns a Cancelled RingIntention if a cancellable ring
// is still outstanding (no remote device ever joined), clearing it either
// way. Called on client teardown.
func (c *Client) CancelRingIfEmpty() *signaling.RingIntentionPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancellableRing == nil {
		return nil
	}
	ring := *c.cancellableRing
	c.cancellableRing = nil
	return &signaling.RingIntentionPayload{GroupId: c.groupId, RingId: ring, Type: signaling.RingTypeCancelled}
}

// clearCancellableRingOnJoin clears the cancellable ring once any remote
// device joins (spec.md §4.4: "Any remote device joining clears the
// cancellable ring"). Folded into onDevicesAdded's caller site.
func (c *Client) clearCancellableRingOnJoin() {
	c.mu.Lock()
	c.cancellableRing = nil
	c.mu.Unlock()
}
