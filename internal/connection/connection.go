package connection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ringcore/callcore/internal/bandwidth"
	"github.com/ringcore/callcore/internal/cryptocore"
	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/signaling"
	"github.com/ringcore/callcore/internal/util"
)

// statsHistoryDepth bounds how many stats samples Connection keeps around
// for the application layer to inspect (StatsHistory), one per stats-poll tick.
const statsHistoryDepth = 12

// acceptTimeout is the 120 s absolute timer from start to ConnectedAndAccepted
// (spec.md §4.2, §5).
const acceptTimeout = 120 * time.Second

// tickInterval drives the in-band RTP-data resend/stats-poll loop (spec.md §4.2).
const (
	tickInterval      = 200 * time.Millisecond
	resendEvery       = time.Second
	statsPollEvery    = 10 * time.Second
)

// Connection is one 1:1 call leg, playing one of {Parent, Child, Incoming}.
// Mirrors internal/call.Session: a mutex-guarded private state with small
// public accessors, media driven via the MediaEndpoint capability interface
// and signaling via SignalSender, so this package never imports pion or a
// transport package directly.
type Connection struct {
	callId       model.CallId
	role         Role
	remoteUser   model.UserId
	remoteDevice model.DeviceId
	localDevice  model.DeviceId

	media    MediaEndpoint
	signaler SignalSender
	observer Observer

	mu            sync.Mutex
	state         model.ConnectionState
	accepted      bool
	localMode     model.BandwidthMode
	remoteMaxBps  *model.DataRateBps
	route         model.NetworkRoute
	lastRtpTs     uint32
	rtpSeqnum     uint64
	lastControlFrame []byte
	localSecret   cryptocore.X25519KeyPair
	srtpKeys      cryptocore.SrtpKeys
	localIdentity []byte
	remoteIdentity []byte
	statsHistory  *util.RingBuffer[model.Stats]

	// children, only meaningful for RoleOutgoingParent: child connections
	// this parent's ICE gatherer and offer are shared with. ICE candidates
	// are only ever emitted by the parent (spec.md §4.2 unicast policy).
	childrenMu sync.Mutex
	children   []*Connection

	cancel    context.CancelFunc
	terminate chan struct{}
	once      sync.Once
}

// Config bundles the fixed inputs a Connection needs at construction.
type Config struct {
	CallId         model.CallId
	Role           Role
	RemoteUser     model.UserId
	RemoteDevice   model.DeviceId
	LocalDevice    model.DeviceId
	Media          MediaEndpoint
	Signaler       SignalSender
	Observer       Observer
	LocalMode      model.BandwidthMode
	LocalIdentity  []byte
	RemoteIdentity []byte
}

// New constructs a Connection in NotYetStarted. It does not begin signaling
// or media negotiation until one of the Start* methods is called.
func New(cfg Config) *Connection {
	return &Connection{
		callId:         cfg.CallId,
		role:           cfg.Role,
		remoteUser:     cfg.RemoteUser,
		remoteDevice:   cfg.RemoteDevice,
		localDevice:    cfg.LocalDevice,
		media:          cfg.Media,
		signaler:       cfg.Signaler,
		observer:       cfg.Observer,
		state:          model.ConnNotYetStarted,
		localMode:      cfg.LocalMode,
		localIdentity:  cfg.LocalIdentity,
		remoteIdentity: cfg.RemoteIdentity,
		terminate:      make(chan struct{}),
		statsHistory:   util.NewRingBuffer[model.Stats](statsHistoryDepth),
	}
}

// StatsHistory returns the most recently sampled stats, oldest first.
func (c *Connection) StatsHistory() []model.Stats {
	return c.statsHistory.Snapshot()
}

// State returns a lock-guarded snapshot of the current state (spec.md §5:
// "state access from outside the worker is restricted to lock-guarded
// immutable snapshots").
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s model.ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Printf("connection %s: %s -> %s", c.callId, prev, s)
		if c.observer != nil {
			c.observer.OnConnectionStateChanged(c.callId, s)
		}
	}
}

// CallId returns this connection's call id.
func (c *Connection) CallId() model.CallId { return c.callId }

// Role returns this connection's role.
func (c *Connection) Role() Role { return c.role }

// StartOutgoingParent begins the forking-origin role: shared ICE gatherer,
// single reusable offer, local X25519 secret published in the offer
// (spec.md §4.2).
func (c *Connection) StartOutgoingParent(ctx context.Context) (sdp string, publicKey []byte, err error) {
	if c.State() != model.ConnNotYetStarted {
		return "", nil, fmt.Errorf("connection: StartOutgoingParent called from state %s", c.State())
	}
	c.setState(model.ConnStarting)

	kp, err := cryptocore.GenerateX25519KeyPair()
	if err != nil {
		return "", nil, fmt.Errorf("connection: generate parent secret: %w", err)
	}
	c.mu.Lock()
	c.localSecret = kp
	c.mu.Unlock()

	if err := c.media.CreateGatherer(ctx); err != nil {
		c.fail(model.EndedFailedToCreatePeerConnection)
		return "", nil, err
	}
	c.setState(model.ConnIceGathering)

	sdp, err = c.media.CreateOffer(ctx)
	if err != nil {
		c.fail(model.EndedFailedToCreatePeerConnection)
		return "", nil, err
	}

	c.startAcceptTimeout(ctx)
	c.startTickLoop(ctx)
	return sdp, kp.Public[:], nil
}

// StartOutgoingChild creates a forked child for one remote device, reusing
// the parent's ICE gatherer/offer. Invoked once per received answer
// (spec.md §4.2).
func (c *Connection) StartOutgoingChild(ctx context.Context, remoteSdp string, remotePublicKey []byte, remoteMode model.BandwidthMode, remoteMax *model.DataRateBps) error {
	if c.State() != model.ConnNotYetStarted {
		return fmt.Errorf("connection: StartOutgoingChild called from state %s", c.State())
	}
	c.setState(model.ConnStarting)
	c.setState(model.ConnConnectingBeforeAccepted)

	c.mu.Lock()
	localSecret := c.localSecret
	c.remoteMaxBps = remoteMax
	c.mu.Unlock()

	var remotePub [32]byte
	copy(remotePub[:], remotePublicKey)
	shared, err := cryptocore.SharedSecret(localSecret.Private, remotePub)
	if err != nil {
		c.fail(model.EndedFailedToNegotiateSrtpKeys)
		return err
	}
	keys, err := cryptocore.DeriveOneToOneSrtpKeys(shared, c.localIdentity, c.remoteIdentity)
	if err != nil {
		c.fail(model.EndedFailedToNegotiateSrtpKeys)
		return err
	}
	c.mu.Lock()
	c.srtpKeys = keys
	c.mu.Unlock()
	if err := c.media.InstallSrtpKeys(keys); err != nil {
		c.fail(model.EndedFailedToNegotiateSrtpKeys)
		return err
	}

	if err := c.media.ApplyRemoteAnswer(ctx, remoteSdp); err != nil {
		c.fail(model.EndedFailedToStartPeerConnection)
		return err
	}

	// Outgoing media stays disabled until ConnectedAndAccepted; incoming RTP
	// reception (and therefore the accepted control message) is allowed
	// immediately (spec.md §4.2).
	c.media.SetMediaEnabled(false)

	c.applyBandwidth()
	c.startAcceptTimeout(ctx)
	c.startTickLoop(ctx)
	return nil
}

// StartIncoming generates a local secret, derives SRTP keys symmetrically,
// and crafts an answer (spec.md §4.2).
func (c *Connection) StartIncoming(ctx context.Context, remoteSdp string, remotePublicKey []byte, remoteMode model.BandwidthMode) (answerSdp string, localPublicKey []byte, err error) {
	if c.State() != model.ConnNotYetStarted {
		return "", nil, fmt.Errorf("connection: StartIncoming called from state %s", c.State())
	}
	c.setState(model.ConnStarting)

	kp, err := cryptocore.GenerateX25519KeyPair()
	if err != nil {
		return "", nil, fmt.Errorf("connection: generate incoming secret: %w", err)
	}
	var remotePub [32]byte
	copy(remotePub[:], remotePublicKey)
	shared, err := cryptocore.SharedSecret(kp.Private, remotePub)
	if err != nil {
		c.fail(model.EndedFailedToNegotiateSrtpKeys)
		return "", nil, err
	}
	keys, err := cryptocore.DeriveOneToOneSrtpKeys(shared, c.localIdentity, c.remoteIdentity)
	if err != nil {
		c.fail(model.EndedFailedToNegotiateSrtpKeys)
		return "", nil, err
	}

	c.mu.Lock()
	c.localSecret = kp
	c.srtpKeys = keys
	c.mu.Unlock()

	if err := c.media.InstallSrtpKeys(keys); err != nil {
		c.fail(model.EndedFailedToNegotiateSrtpKeys)
		return "", nil, err
	}

	answerSdp, err = c.media.CreateAnswer(ctx, remoteSdp)
	if err != nil {
		c.fail(model.EndedFailedToCreatePeerConnection)
		return "", nil, err
	}

	c.setState(model.ConnConnectingBeforeAccepted)
	c.applyBandwidth()
	c.startAcceptTimeout(ctx)
	c.startTickLoop(ctx)
	return answerSdp, kp.Public[:], nil
}

// AddRemoteIceCandidates installs remote candidates, buffered by the media
// endpoint if the remote description is not yet set.
func (c *Connection) AddRemoteIceCandidates(candidates []string) error {
	return c.media.AddRemoteIceCandidates(candidates)
}

// OnIceEvent advances the FSM per the ICE transition table (spec.md §4.2).
func (c *Connection) OnIceEvent(ev IceEvent) {
	state := c.State()
	switch ev {
	case IceConnected, IceCompleted:
		switch state {
		case model.ConnConnectingBeforeAccepted:
			c.setState(model.ConnConnectedBeforeAccepted)
			c.enableMediaIfAccepted()
		case model.ConnConnectingAfterAccepted:
			c.setState(model.ConnConnectedAndAccepted)
			c.enableMediaIfAccepted()
		case model.ConnReconnectingAfterAccepted:
			c.setState(model.ConnConnectedAndAccepted)
		}
	case IceDisconnected:
		switch state {
		case model.ConnConnectedBeforeAccepted:
			c.setState(model.ConnConnectingBeforeAccepted)
		case model.ConnConnectedAndAccepted:
			c.setState(model.ConnReconnectingAfterAccepted)
		}
	case IceFailed:
		switch {
		case state.IsAcceptedOrBeyond():
			c.fail(model.EndedIceFailedAfterConnected)
		case state == model.ConnTerminated || state == model.ConnTerminating:
			// no-op, already tearing down
		default:
			c.fail(model.EndedIceFailedWhileConnecting)
		}
	}
}

// OnReceivedAccepted handles the in-band Accepted control message, which
// only the callee sends (spec.md §4.2).
func (c *Connection) OnReceivedAccepted() {
	c.mu.Lock()
	c.accepted = true
	state := c.state
	c.mu.Unlock()

	switch state {
	case model.ConnConnectedBeforeAccepted:
		c.setState(model.ConnConnectedAndAccepted)
		c.enableMediaIfAccepted()
	case model.ConnConnectingBeforeAccepted:
		c.setState(model.ConnConnectingAfterAccepted)
	}
}

func (c *Connection) enableMediaIfAccepted() {
	c.mu.Lock()
	accepted := c.accepted || c.state == model.ConnConnectedAndAccepted
	c.mu.Unlock()
	if accepted {
		c.media.SetMediaEnabled(true)
	}
}

// OnReceiverStatus updates the peer-declared max bitrate and recomputes the
// bandwidth controller outputs.
func (c *Connection) OnReceiverStatus(maxBitrateBps model.DataRateBps) {
	c.mu.Lock()
	c.remoteMaxBps = &maxBitrateBps
	c.mu.Unlock()
	c.applyBandwidth()
}

// OnNetworkRouteChanged updates the negotiated route and recomputes the
// bandwidth controller outputs (relay capping depends on it).
func (c *Connection) OnNetworkRouteChanged(route model.NetworkRoute) {
	c.mu.Lock()
	prev := c.route
	c.route = route
	c.mu.Unlock()
	c.applyBandwidth()
	if prev != route && c.observer != nil {
		c.observer.OnNetworkRouteChanged(c.callId, route)
	}
}

func (c *Connection) applyBandwidth() {
	c.mu.Lock()
	in := bandwidth.Inputs{LocalMode: c.localMode, RemoteMax: c.remoteMaxBps, Route: c.route}
	c.mu.Unlock()
	out := bandwidth.Compute(in)
	if err := c.media.SetMaxSendBitrate(out); err != nil {
		log.Printf("connection %s: set max send bitrate: %v", c.callId, err)
		c.fail(model.EndedFailedToSetMaxSendBitrate)
	}
}

// startAcceptTimeout arms the 120 s absolute timer; firing while not yet
// accepted ends the call with EndedTimeout. Timeouts after accepted are
// ignored (spec.md §4.2, §5).
func (c *Connection) startAcceptTimeout(ctx context.Context) {
	go func() {
		select {
		case <-time.After(acceptTimeout):
			if !c.State().IsAcceptedOrBeyond() {
				c.fail(model.EndedTimeout)
			}
		case <-c.terminate:
		case <-ctx.Done():
		}
	}()
}

// startTickLoop drives the 200 ms periodic tick: resend the latest RTP-data
// control message every 1 s, poll connection stats every 10 s (spec.md §4.2).
func (c *Connection) startTickLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		var sinceResend, sinceStats time.Duration
		for {
			select {
			case <-ticker.C:
				sinceResend += tickInterval
				sinceStats += tickInterval
				if sinceResend >= resendEvery {
					sinceResend = 0
					c.resendLatestControl()
				}
				if sinceStats >= statsPollEvery {
					sinceStats = 0
					c.pollStats()
				}
			case <-c.terminate:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// pollStats samples the media endpoint's current stats, keeps it in
// statsHistory, and fans it out to the observer as audio levels and, the
// first tick after one appears, an incoming-video-track notification.
func (c *Connection) pollStats() {
	stats, err := c.media.PollStats()
	if err != nil {
		log.Printf("connection %s: poll stats: %v", c.callId, err)
		return
	}
	c.statsHistory.Push(stats)
	if c.observer == nil {
		return
	}
	c.observer.OnAudioLevels(c.callId, stats.CapturedAudioLevel, stats.ReceivedAudioLevel)
	if stats.IncomingVideoTrack {
		c.observer.OnIncomingVideoTrack(c.callId)
	}
}

// resendLatestControl re-transmits the most recently queued control
// message. Concrete senders call SendControl to register what "latest"
// means; if nothing has been sent yet there is nothing to resend.
func (c *Connection) resendLatestControl() {
	c.mu.Lock()
	frame := c.lastControlFrame
	c.mu.Unlock()
	if frame == nil {
		return
	}
	if err := c.media.SendRtpData(frame); err != nil {
		log.Printf("connection %s: resend control frame: %v", c.callId, err)
	}
}

// SendControl encodes and transmits a control message over the in-band RTP
// data channel, remembering it as the "latest" for periodic resend.
func (c *Connection) SendControl(msg signaling.ControlMessage) error {
	c.mu.Lock()
	c.rtpSeqnum++
	msg.Seqnum = c.rtpSeqnum
	c.mu.Unlock()

	frame, err := signaling.EncodeControlFrame(msg, false)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastControlFrame = frame
	c.mu.Unlock()
	return c.media.SendRtpData(frame)
}

// OnReceivedControlFrame decodes an inbound RTP-data payload at rtpTimestamp,
// rejecting strictly-older timestamps (spec.md §5), then dispatches by kind.
func (c *Connection) OnReceivedControlFrame(rtpTimestamp uint32, payload []byte) {
	c.mu.Lock()
	ok := signaling.RtpTimestampOrder(c.lastRtpTs, rtpTimestamp)
	if ok {
		c.lastRtpTs = rtpTimestamp
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	msg, err := signaling.DecodeControlFrame(payload)
	if err != nil {
		log.Printf("connection %s: decode control frame: %v", c.callId, err)
		return
	}
	switch {
	case msg.Accepted != nil:
		c.OnReceivedAccepted()
	case msg.ReceiverStatus != nil:
		c.OnReceiverStatus(msg.ReceiverStatus.MaxBitrateBps)
	case msg.Hangup != nil:
		c.fail(model.EndedRemoteHangup)
	}
}

// fail terminates the connection with reason, notifying the observer once.
func (c *Connection) fail(reason model.EndReason) {
	c.Terminate(reason)
}

// Terminate moves the connection to Terminating then Terminated, which is
// absorbing (spec.md §3 invariants). Safe to call multiple times or
// concurrently; only the first call has effect.
func (c *Connection) Terminate(reason model.EndReason) {
	c.once.Do(func() {
		c.setState(model.ConnTerminating)
		close(c.terminate)
		if c.cancel != nil {
			c.cancel()
		}
		if c.media != nil {
			if err := c.media.Close(); err != nil {
				log.Printf("connection %s: close media endpoint: %v", c.callId, err)
			}
		}
		c.setState(model.ConnTerminated)
		if c.observer != nil {
			c.observer.OnEnded(c.callId, reason)
		}
	})
}

// AddChild registers a forked child connection under this parent (role
// RoleOutgoingParent only).
func (c *Connection) AddChild(child *Connection) {
	c.childrenMu.Lock()
	c.children = append(c.children, child)
	c.childrenMu.Unlock()
}

// BroadcastIce sends locally gathered ICE candidates to every remote device
// this parent has forked children for (spec.md §4.2: only the parent emits
// ICE signaling, never its children).
func (c *Connection) BroadcastIce(candidates []string) {
	if c.role != RoleOutgoingParent {
		return
	}
	c.childrenMu.Lock()
	children := make([]*Connection, len(c.children))
	copy(children, c.children)
	c.childrenMu.Unlock()

	for _, child := range children {
		if err := child.signaler.SendIce(child.remoteUser, child.remoteDevice, child.callId, candidates); err != nil {
			log.Printf("connection %s: broadcast ice to child %s: %v", c.callId, child.callId, err)
		}
	}
}
