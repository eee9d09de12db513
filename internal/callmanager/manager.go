package callmanager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ringcore/callcore/internal/connection"
	"github.com/ringcore/callcore/internal/cryptocore"
	"github.com/ringcore/callcore/internal/groupcall"
	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/queue"
	"github.com/ringcore/callcore/internal/signaling"
)

// Transport is the capability interface for actually putting a CallMessage
// on the wire; CallManager wraps it in a queueingSignaler so every Connection
// sends through the single global backpressure queue (spec.md §4.1, §4.5).
type Transport interface {
	Send(remoteUser model.UserId, remoteDevice model.DeviceId, msg signaling.CallMessage) error
}

// Config bundles the fixed inputs a CallManager needs at construction.
type Config struct {
	SelfUserId   model.UserId
	Media        MediaFactory
	GroupMedia   GroupMediaFactory
	Transport    Transport
	Observer     Observer
	LocalIdentityKey []byte
	// AssumeMessagesSent mirrors the platform flag spec.md §4.1 names.
	AssumeMessagesSent bool
}

// CallManager is the process-wide coordinator spec.md §4.5 describes.
type CallManager struct {
	selfUserId model.UserId
	media      MediaFactory
	groupMedia GroupMediaFactory
	transport  Transport
	observer   Observer
	localIdentityKey []byte

	queue *queue.Queue

	mu           sync.Mutex
	busy         bool
	calls        map[model.CallId]*activeCall
	activeCallId *model.CallId
	groupCalls   map[uint64]*groupcall.Client
	nextGroupId  uint64
	pendingRings map[model.GroupId]model.RingId

	httpMu        sync.Mutex
	nextHttpId    uint64
	httpCallbacks map[uint64]func([]byte)
}

// New constructs a CallManager with an empty call/group map and released busy.
func New(cfg Config) *CallManager {
	m := &CallManager{
		selfUserId:       cfg.SelfUserId,
		media:            cfg.Media,
		groupMedia:       cfg.GroupMedia,
		transport:        cfg.Transport,
		observer:         cfg.Observer,
		localIdentityKey: cfg.LocalIdentityKey,
		calls:            make(map[model.CallId]*activeCall),
		groupCalls:       make(map[uint64]*groupcall.Client),
		nextGroupId:      1, // 0 reserved (spec.md §4.5)
		pendingRings:     make(map[model.GroupId]model.RingId),
		httpCallbacks:    make(map[uint64]func([]byte)),
	}
	m.queue = queue.New(m.lookupConnectionState, m.onSignalingFailure, cfg.AssumeMessagesSent)
	return m
}

// IsBusy returns the busy flag (fast path: lock and return synchronously,
// spec.md §4.5's "state queries... lock and return synchronously").
func (m *CallManager) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// ActiveCallId returns the currently active 1:1 call id, if any.
func (m *CallManager) ActiveCallId() (model.CallId, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCallId == nil {
		return 0, false
	}
	return *m.activeCallId, true
}

func (m *CallManager) acquireBusyLocked() bool {
	if m.busy {
		return false
	}
	m.busy = true
	return true
}

func (m *CallManager) releaseBusyLocked() {
	m.busy = false
}

// Call starts an outgoing 1:1 call in WaitingToProceed (spec.md §4.5:
// `call(remote_peer, media_type, local_device_id) -> start_outgoing_call`).
// The application must invoke Proceed to actually begin signaling.
func (m *CallManager) Call(remoteUser model.UserId, localDevice model.DeviceId) (model.CallId, error) {
	m.mu.Lock()
	if !m.acquireBusyLocked() {
		m.mu.Unlock()
		return 0, fmt.Errorf("callmanager: busy")
	}
	callId := model.NewCallId()
	ac := &activeCall{
		callId:      callId,
		direction:   model.DirectionOutgoing,
		remoteUser:  remoteUser,
		localDevice: localDevice,
		waiting:     true,
	}
	m.calls[callId] = ac
	m.activeCallId = &callId
	m.mu.Unlock()
	return callId, nil
}

// Proceed moves an outgoing call from WaitingToProceed to Starting: creates
// the Connection, generates the offer, and enqueues exactly one Offer
// signaling item (spec.md §4.5, §7's worked scenario).
func (m *CallManager) Proceed(ctx context.Context, callId model.CallId, remoteDevice model.DeviceId, mode model.BandwidthMode) error {
	ac, ok := m.lookupCall(callId)
	if !ok {
		return fmt.Errorf("callmanager: proceed: unknown call %s", callId)
	}

	media, err := m.media.NewConnectionMedia(callId, connection.RoleOutgoingParent)
	if err != nil {
		return fmt.Errorf("callmanager: proceed: create media: %w", err)
	}

	conn := connection.New(connection.Config{
		CallId:         callId,
		Role:           connection.RoleOutgoingParent,
		RemoteUser:     ac.remoteUser,
		RemoteDevice:   remoteDevice,
		LocalDevice:    ac.localDevice,
		Media:          media,
		Signaler:       m.signalerFor(),
		Observer:       connObserverAdapter{m},
		LocalMode:      mode,
		LocalIdentity:  m.localIdentityKey,
	})

	bindControlReceiver(media, conn)

	m.mu.Lock()
	ac.remoteDevice = remoteDevice
	ac.waiting = false
	ac.conn = conn
	m.mu.Unlock()

	sdp, publicKey, err := conn.StartOutgoingParent(ctx)
	if err != nil {
		return err
	}

	m.queue.Enqueue(queue.Item{
		CallId:      callId,
		MessageType: queue.MessageOffer,
		Send:        m.sendClosure(ac.remoteUser, remoteDevice, callId, signaling.CallMessage{Offer: &signaling.OfferPayload{CallId: callId, Sdp: sdp, PublicKey: publicKey, Mode: mode}}),
	})
	return nil
}

// ReceivedOffer handles an inbound Offer: resolves glare against any active
// call with the same remote user, or starts a fresh incoming Connection
// (spec.md §4.2, §4.5).
func (m *CallManager) ReceivedOffer(ctx context.Context, remoteUser model.UserId, remoteDevice, localDevice model.DeviceId, offer signaling.OfferPayload, ageSeconds int64) error {
	if ageSeconds > offerExpiryAge {
		if m.observer != nil {
			m.observer.OnCallEnded(offer.CallId, model.EndedReceivedOfferExpired)
		}
		return nil
	}

	m.mu.Lock()
	var glareAgainst *activeCall
	for _, ac := range m.calls {
		if ac.remoteUser == remoteUser {
			glareAgainst = ac
			break
		}
	}
	m.mu.Unlock()

	if glareAgainst != nil {
		return m.resolveGlare(ctx, glareAgainst, remoteUser, remoteDevice, localDevice, offer)
	}

	m.mu.Lock()
	if !m.acquireBusyLocked() {
		m.mu.Unlock()
		_ = m.transport.Send(remoteUser, remoteDevice, signaling.CallMessage{Busy: &signaling.BusyPayload{CallId: offer.CallId}})
		return nil
	}
	ac := &activeCall{
		callId:       offer.CallId,
		direction:    model.DirectionIncoming,
		remoteUser:   remoteUser,
		remoteDevice: remoteDevice,
		localDevice:  localDevice,
		waiting:      true,
	}
	m.calls[offer.CallId] = ac
	m.activeCallId = &offer.CallId
	m.mu.Unlock()

	return m.startIncoming(ctx, ac, offer)
}

func (m *CallManager) resolveGlare(ctx context.Context, active *activeCall, remoteUser model.UserId, remoteDevice, localDevice model.DeviceId, offer signaling.OfferPayload) error {
	samePeerDifferentDevice := active.remoteDevice != remoteDevice
	outcome := connection.ResolveGlare(active.callId, offer.CallId, active.pinnedDevice, &remoteDevice, samePeerDifferentDevice)

	switch outcome {
	case connection.GlareBusy:
		return m.transport.Send(remoteUser, remoteDevice, signaling.CallMessage{Busy: &signaling.BusyPayload{CallId: offer.CallId}})
	case connection.GlareWinner:
		if m.observer != nil {
			m.observer.OnReceivedOfferWithGlare(offer.CallId)
		}
		return nil
	case connection.GlareDoubleLoser:
		if active.conn != nil {
			active.conn.Terminate(model.EndedRemoteGlare)
		}
		err := m.transport.Send(remoteUser, remoteDevice, signaling.CallMessage{Busy: &signaling.BusyPayload{CallId: offer.CallId}})
		if m.observer != nil {
			m.observer.OnCallEnded(offer.CallId, model.EndedGlareHandlingFailure)
		}
		return err
	default: // GlareLoser
		if active.conn != nil {
			active.conn.Terminate(model.EndedRemoteGlare)
		}
		m.mu.Lock()
		delete(m.calls, active.callId)
		ac := &activeCall{
			callId:       offer.CallId,
			direction:    model.DirectionIncoming,
			remoteUser:   remoteUser,
			remoteDevice: remoteDevice,
			localDevice:  localDevice,
			waiting:      true,
		}
		m.calls[offer.CallId] = ac
		m.activeCallId = &offer.CallId
		m.mu.Unlock()
		return m.startIncoming(ctx, ac, offer)
	}
}

func (m *CallManager) startIncoming(ctx context.Context, ac *activeCall, offer signaling.OfferPayload) error {
	media, err := m.media.NewConnectionMedia(ac.callId, connection.RoleIncoming)
	if err != nil {
		return fmt.Errorf("callmanager: start incoming: create media: %w", err)
	}
	conn := connection.New(connection.Config{
		CallId:        ac.callId,
		Role:          connection.RoleIncoming,
		RemoteUser:    ac.remoteUser,
		RemoteDevice:  ac.remoteDevice,
		LocalDevice:   ac.localDevice,
		Media:         media,
		Signaler:      m.signalerFor(),
		Observer:      connObserverAdapter{m},
		LocalMode:     offer.Mode,
		LocalIdentity: m.localIdentityKey,
	})

	bindControlReceiver(media, conn)

	m.mu.Lock()
	ac.conn = conn
	m.mu.Unlock()

	_, _, err = conn.StartIncoming(ctx, offer.Sdp, offer.PublicKey, offer.Mode)
	if err != nil {
		return err
	}
	if m.observer != nil {
		m.observer.OnIncomingCall(ac.callId, ac.remoteUser, ac.remoteDevice)
	}
	return nil
}

// AcceptCall moves an incoming call out of WaitingToProceed and sends its
// Answer (spec.md §4.5's `accept_call`).
func (m *CallManager) AcceptCall(callId model.CallId) error {
	ac, ok := m.lookupCall(callId)
	if !ok {
		return fmt.Errorf("callmanager: accept_call: unknown call %s", callId)
	}
	if ac.conn == nil {
		return fmt.Errorf("callmanager: accept_call: connection not yet started for %s", callId)
	}

	m.mu.Lock()
	ac.waiting = false
	m.mu.Unlock()

	m.queue.Enqueue(queue.Item{
		CallId:      callId,
		MessageType: queue.MessageAnswer,
		Send: m.sendClosure(ac.remoteUser, ac.remoteDevice, callId, signaling.CallMessage{
			Answer: &signaling.AnswerPayload{CallId: callId},
		}),
	})
	return nil
}

// Hangup terminates the active call, sending a normal Hangup (spec.md §4.5).
func (m *CallManager) Hangup() error {
	callId, ok := m.ActiveCallId()
	if !ok {
		return nil
	}
	ac, ok := m.lookupCall(callId)
	if !ok {
		return nil
	}
	if ac.conn != nil {
		ac.conn.Terminate(model.EndedLocalHangup)
	}
	m.queue.Enqueue(queue.Item{
		CallId:      callId,
		MessageType: queue.MessageHangup,
		Send: m.sendClosure(ac.remoteUser, ac.remoteDevice, callId, signaling.CallMessage{
			Hangup: &signaling.HangupPayload{CallId: callId, Type: "normal"},
		}),
	})
	return nil
}

// DropCall terminates callId locally without sending a Hangup (spec.md §4.5).
func (m *CallManager) DropCall(callId model.CallId) error {
	ac, ok := m.lookupCall(callId)
	if !ok {
		return fmt.Errorf("callmanager: drop_call: unknown call %s", callId)
	}
	if ac.conn != nil {
		ac.conn.Terminate(model.EndedAppInitiated)
	} else {
		m.cleanupCall(callId, model.EndedAppInitiated)
	}
	return nil
}

// ReceivedAnswer, ReceivedIce, ReceivedHangup, ReceivedBusy dispatch to the
// active call only if callId matches; otherwise silently dropped (spec.md
// §4.5: "silently dropped (logged); normal for a late signal").

func (m *CallManager) ReceivedAnswer(callId model.CallId, answer signaling.AnswerPayload, mode model.BandwidthMode, remoteMax *model.DataRateBps) error {
	ac, ok := m.activeMatching(callId)
	if !ok {
		log.Printf("callmanager: dropping answer for non-active call %s", callId)
		return nil
	}
	return ac.conn.StartOutgoingChild(context.Background(), answer.Sdp, answer.PublicKey, mode, remoteMax)
}

func (m *CallManager) ReceivedIce(callId model.CallId, candidates []string) error {
	ac, ok := m.activeMatching(callId)
	if !ok {
		log.Printf("callmanager: dropping ice for non-active call %s", callId)
		return nil
	}
	return ac.conn.AddRemoteIceCandidates(candidates)
}

func (m *CallManager) ReceivedHangup(callId model.CallId, deviceId *model.DeviceId) {
	ac, ok := m.activeMatching(callId)
	if !ok {
		log.Printf("callmanager: dropping hangup for non-active call %s", callId)
		return
	}
	ac.conn.Terminate(model.EndedRemoteHangup)
}

func (m *CallManager) ReceivedBusy(callId model.CallId) {
	ac, ok := m.activeMatching(callId)
	if !ok {
		log.Printf("callmanager: dropping busy for non-active call %s", callId)
		return
	}
	ac.conn.Terminate(model.EndedRemoteBusy)
}

// controlFrameReceiver is the optional capability some MediaEndpoint
// implementations satisfy to receive inbound RTP-data control payloads,
// wired here because the Connection doesn't exist yet when
// MediaFactory.NewConnectionMedia constructs the endpoint.
type controlFrameReceiver interface {
	BindControlReceiver(fn func(rtpTimestamp uint32, payload []byte))
}

// receiverStatusReceiver is the matching optional capability for RTCP-derived
// bandwidth estimates (spec.md §4.3's remote_max input).
type receiverStatusReceiver interface {
	BindReceiverStatus(fn func(maxBitrateBps model.DataRateBps))
}

func bindControlReceiver(media connection.MediaEndpoint, conn *connection.Connection) {
	if r, ok := media.(controlFrameReceiver); ok {
		r.BindControlReceiver(conn.OnReceivedControlFrame)
	}
	if r, ok := media.(receiverStatusReceiver); ok {
		r.BindReceiverStatus(conn.OnReceiverStatus)
	}
}

func (m *CallManager) activeMatching(callId model.CallId) (*activeCall, bool) {
	activeId, ok := m.ActiveCallId()
	if !ok || activeId != callId {
		return nil, false
	}
	return m.lookupCall(callId)
}

func (m *CallManager) lookupCall(callId model.CallId) (*activeCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.calls[callId]
	return ac, ok
}

func (m *CallManager) lookupConnectionState(callId model.CallId) (model.ConnectionState, bool) {
	ac, ok := m.lookupCall(callId)
	if !ok || ac.conn == nil {
		return 0, false
	}
	return ac.conn.State(), true
}

// CreateGroupCallClient registers a new Group Call Client and returns its
// client id (spec.md §4.5: next_group_call_client_id counter, 0 reserved).
func (m *CallManager) CreateGroupCallClient(groupId model.GroupId, sfu groupcall.SfuClient) (uint64, error) {
	media, err := m.groupMedia.NewGroupMedia(groupId)
	if err != nil {
		return 0, fmt.Errorf("callmanager: create group call client: %w", err)
	}
	client := groupcall.New(groupcall.Config{
		GroupId:     groupId,
		LocalUserId: m.selfUserId,
		Sfu:         sfu,
		Media:       media,
		Signaling:   m,
		Observer:    groupObserverAdapter{m},
	})

	m.mu.Lock()
	id := m.nextGroupId
	m.nextGroupId++
	m.groupCalls[id] = client
	m.mu.Unlock()
	return id, nil
}

// heartbeatSeq synthesizes a strictly-increasing "RTP timestamp" for
// heartbeats received over the out-of-band signaling transport, which (unlike
// a real RTP data channel) carries no timestamp of its own.
var heartbeatSeq uint32

// SendDeviceToDevice implements groupcall.SignalingSender: it delivers a
// DeviceToDevice payload (heartbeat, media key, leaving) to toUser over the
// 1:1 signaling transport, never through the SFU (spec.md §2, §4.4), reusing
// the device-id-0 "any device of this user" convention JoinGroupCall and
// DeclineRing already rely on.
func (m *CallManager) SendDeviceToDevice(groupId model.GroupId, toUser model.UserId, msg signaling.DeviceToDevice) error {
	wire := signaling.CallMessage{GroupCallMessage: &signaling.GroupCallMessagePayload{GroupId: groupId, Message: msg}}
	return m.transport.Send(toUser, 0, wire)
}

// GroupCallClient returns the client registered under id.
func (m *CallManager) GroupCallClient(id uint64) (*groupcall.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.groupCalls[id]
	return c, ok
}

type busyGateAdapter struct{ m *CallManager }

func (b busyGateAdapter) TryAcquire() bool {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	return b.m.acquireBusyLocked()
}
func (b busyGateAdapter) Release() {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.m.releaseBusyLocked()
}

// JoinGroupCall joins the group call client id, acquiring the shared busy
// lock (spec.md §4.4: "join() ... acquires the process busy lock; if busy,
// end with CallManagerIsBusy").
func (m *CallManager) JoinGroupCall(ctx context.Context, id uint64, iceUfrag string) error {
	client, ok := m.GroupCallClient(id)
	if !ok {
		return fmt.Errorf("callmanager: join group call: unknown client %d", id)
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Join(ctx, iceUfrag, busyGateAdapter{m}); err != nil {
		return err
	}
	if ring, ok := m.takePendingRing(client.GroupId()); ok {
		msg := signaling.CallMessage{RingResponse: &signaling.RingResponsePayload{
			GroupId: client.GroupId(),
			RingId:  ring,
			Type:    signaling.RingResponseAccepted,
		}}
		if err := m.transport.Send(m.selfUserId, 0, msg); err != nil {
			log.Printf("callmanager: send RingResponse{Accepted} for group %s: %v", client.GroupId(), err)
		}
	}
	return nil
}

// DeclineRing emits RingResponse{Declined} for a ring the application chose
// not to join (spec.md §4.4's "explicit cancel with a reason").
func (m *CallManager) DeclineRing(groupId model.GroupId) error {
	ring, ok := m.takePendingRing(groupId)
	if !ok {
		return nil
	}
	msg := signaling.CallMessage{RingResponse: &signaling.RingResponsePayload{
		GroupId: groupId,
		RingId:  ring,
		Type:    signaling.RingResponseDeclined,
	}}
	return m.transport.Send(m.selfUserId, 0, msg)
}

// ReceivedCallMessage decodes and routes one CallMessage (spec.md §4.5).
func (m *CallManager) ReceivedCallMessage(ctx context.Context, remoteUser model.UserId, remoteDevice, localDevice model.DeviceId, msg signaling.CallMessage, ageSeconds int64) error {
	switch {
	case msg.Offer != nil:
		return m.ReceivedOffer(ctx, remoteUser, remoteDevice, localDevice, *msg.Offer, ageSeconds)
	case msg.Answer != nil:
		return m.ReceivedAnswer(msg.Answer.CallId, *msg.Answer, model.BandwidthNormal, nil)
	case msg.Ice != nil:
		return m.ReceivedIce(msg.Ice.CallId, msg.Ice.Candidates)
	case msg.Hangup != nil:
		m.ReceivedHangup(msg.Hangup.CallId, msg.Hangup.DeviceId)
		return nil
	case msg.Busy != nil:
		m.ReceivedBusy(msg.Busy.CallId)
		return nil
	case msg.RingIntention != nil:
		if msg.RingIntention.Type == signaling.RingTypeRing {
			m.mu.Lock()
			m.pendingRings[msg.RingIntention.GroupId] = msg.RingIntention.RingId
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			delete(m.pendingRings, msg.RingIntention.GroupId)
			m.mu.Unlock()
		}
		return nil
	case msg.RingResponse != nil:
		// Observed by the application layer; no manager-side state to update.
		return nil
	case msg.GroupCallMessage != nil:
		return m.routeGroupCallMessage(remoteUser, *msg.GroupCallMessage)
	}
	return nil
}

func (m *CallManager) routeGroupCallMessage(remoteUser model.UserId, payload signaling.GroupCallMessagePayload) error {
	m.mu.Lock()
	var target *groupcall.Client
	for _, c := range m.groupCalls {
		if c.GroupId() == payload.GroupId {
			target = c
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		log.Printf("callmanager: no group call client for group %s", payload.GroupId)
		return nil
	}

	d2d := payload.Message
	switch {
	case d2d.Heartbeat != nil:
		if demuxId, ok := target.DemuxIdForUser(remoteUser); ok {
			target.OnHeartbeat(demuxId, atomic.AddUint32(&heartbeatSeq, 1), *d2d.Heartbeat)
		}
	case d2d.Leaving != nil:
		target.OnLeavingReceived(context.Background(), d2d.Leaving.DemuxId)
	case d2d.MediaKey != nil:
		target.OnReceivedMediaKey(d2d.MediaKey.DemuxId, d2d.MediaKey.RatchetCounter, cryptocore.FrameSecret(d2d.MediaKey.Secret))
	}
	return nil
}

func (m *CallManager) takePendingRing(groupId model.GroupId) (model.RingId, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.pendingRings[groupId]
	if ok {
		delete(m.pendingRings, groupId)
	}
	return ring, ok
}

// NextHttpRequestId registers callback under a fresh id and returns it
// (spec.md §4.5's HTTP request tracker {next_id, callbacks_by_id}).
func (m *CallManager) NextHttpRequestId(callback func([]byte)) uint64 {
	m.httpMu.Lock()
	defer m.httpMu.Unlock()
	m.nextHttpId++
	id := m.nextHttpId
	m.httpCallbacks[id] = callback
	return id
}

// ReceivedHttpResponse invokes and removes the callback registered under id.
func (m *CallManager) ReceivedHttpResponse(id uint64, response []byte) {
	m.httpMu.Lock()
	cb, ok := m.httpCallbacks[id]
	delete(m.httpCallbacks, id)
	m.httpMu.Unlock()
	if ok && cb != nil {
		cb(response)
	}
}

// Reset terminates everything without notifying the application, clears
// the queue, and releases busy (spec.md §4.5).
func (m *CallManager) Reset() {
	m.mu.Lock()
	calls := make([]*activeCall, 0, len(m.calls))
	for _, ac := range m.calls {
		calls = append(calls, ac)
	}
	m.calls = make(map[model.CallId]*activeCall)
	m.activeCallId = nil
	groupCalls := make([]*groupcall.Client, 0, len(m.groupCalls))
	for _, c := range m.groupCalls {
		groupCalls = append(groupCalls, c)
	}
	m.groupCalls = make(map[uint64]*groupcall.Client)
	m.releaseBusyLocked()
	m.mu.Unlock()

	for _, ac := range calls {
		if ac.conn != nil {
			ac.conn.Terminate(model.EndedAppInitiated)
		}
	}
	for _, c := range groupCalls {
		_ = c.Leave(context.Background(), nil)
	}
}

// Close performs a blocking shutdown after Reset (spec.md §4.5).
func (m *CallManager) Close() {
	m.Reset()
}

func (m *CallManager) cleanupCall(callId model.CallId, reason model.EndReason) {
	m.mu.Lock()
	delete(m.calls, callId)
	if m.activeCallId != nil && *m.activeCallId == callId {
		m.activeCallId = nil
		m.releaseBusyLocked()
	}
	m.mu.Unlock()
	m.queue.Trim(callId)
	if m.observer != nil {
		m.observer.OnCallEnded(callId, reason)
	}
}

// signalerFor returns the connection.SignalSender every Connection sends
// through; it enqueues onto the shared queue rather than writing to the
// wire directly (spec.md §4.1: single global in-flight signaling message).
func (m *CallManager) signalerFor() connection.SignalSender {
	return queueingSignaler{m: m}
}

func (m *CallManager) sendClosure(remoteUser model.UserId, remoteDevice model.DeviceId, callId model.CallId, msg signaling.CallMessage) func() queue.SendResult {
	return func() queue.SendResult {
		err := m.transport.Send(remoteUser, remoteDevice, msg)
		go func() {
			if err != nil {
				m.queue.OnSendFailure(callId)
			} else {
				m.queue.OnSent(callId)
			}
		}()
		return queue.Sent
	}
}

// queueingSignaler adapts CallManager into connection.SignalSender by
// enqueueing each send as a SignalingMessageItem (spec.md §4.1).
type queueingSignaler struct{ m *CallManager }

func (q queueingSignaler) SendOffer(remoteUser model.UserId, remoteDevice model.DeviceId, callId model.CallId, sdp string, publicKey []byte, mode model.BandwidthMode) error {
	q.m.queue.Enqueue(queue.Item{
		CallId:      callId,
		MessageType: queue.MessageOffer,
		Send:        q.m.sendClosure(remoteUser, remoteDevice, callId, signaling.CallMessage{Offer: &signaling.OfferPayload{CallId: callId, Sdp: sdp, PublicKey: publicKey, Mode: mode}}),
	})
	return nil
}

func (q queueingSignaler) SendAnswer(remoteUser model.UserId, remoteDevice model.DeviceId, callId model.CallId, sdp string, publicKey []byte, mode model.BandwidthMode) error {
	q.m.queue.Enqueue(queue.Item{
		CallId:      callId,
		MessageType: queue.MessageAnswer,
		Send:        q.m.sendClosure(remoteUser, remoteDevice, callId, signaling.CallMessage{Answer: &signaling.AnswerPayload{CallId: callId, Sdp: sdp, PublicKey: publicKey, Mode: mode}}),
	})
	return nil
}

func (q queueingSignaler) SendIce(remoteUser model.UserId, remoteDevice model.DeviceId, callId model.CallId, candidates []string) error {
	q.m.queue.Enqueue(queue.Item{
		CallId:      callId,
		MessageType: queue.MessageIce,
		Send:        q.m.sendClosure(remoteUser, remoteDevice, callId, signaling.CallMessage{Ice: &signaling.IcePayload{CallId: callId, Candidates: candidates}}),
	})
	return nil
}

func (q queueingSignaler) SendHangup(remoteUser model.UserId, remoteDevice model.DeviceId, callId model.CallId, hangupType string, deviceId *model.DeviceId) error {
	q.m.queue.Enqueue(queue.Item{
		CallId:      callId,
		MessageType: queue.MessageHangup,
		Send:        q.m.sendClosure(remoteUser, remoteDevice, callId, signaling.CallMessage{Hangup: &signaling.HangupPayload{CallId: callId, Type: hangupType, DeviceId: deviceId}}),
	})
	return nil
}

func (q queueingSignaler) SendBusy(remoteUser model.UserId, remoteDevice model.DeviceId, callId model.CallId) error {
	q.m.queue.Enqueue(queue.Item{
		CallId:      callId,
		MessageType: queue.MessageBusy,
		Send:        q.m.sendClosure(remoteUser, remoteDevice, callId, signaling.CallMessage{Busy: &signaling.BusyPayload{CallId: callId}}),
	})
	return nil
}

// onSignalingFailure is the queue's FailureHandler (spec.md §4.1).
func (m *CallManager) onSignalingFailure(callId model.CallId, reason model.EndReason) {
	ac, ok := m.lookupCall(callId)
	if !ok {
		return
	}
	if ac.conn != nil {
		ac.conn.Terminate(reason)
	} else {
		m.cleanupCall(callId, reason)
	}
}

// connObserverAdapter satisfies connection.Observer, forwarding to
// CallManager after its own busy/active-call bookkeeping. A separate type
// is needed because groupObserverAdapter also implements an
// OnConnectionStateChanged/OnEnded pair over different id/state types, and
// Go does not allow overloading a method name by parameter type on the
// same receiver.
type connObserverAdapter struct{ m *CallManager }

func (a connObserverAdapter) OnConnectionStateChanged(callId model.CallId, state model.ConnectionState) {
	if a.m.observer != nil {
		a.m.observer.OnCallStateChanged(callId, state)
	}
}

func (a connObserverAdapter) OnEnded(callId model.CallId, reason model.EndReason) {
	a.m.cleanupCall(callId, reason)
}

func (a connObserverAdapter) OnReceivedOfferWithGlare(callId model.CallId) {
	if a.m.observer != nil {
		a.m.observer.OnReceivedOfferWithGlare(callId)
	}
}

func (a connObserverAdapter) OnAudioLevels(callId model.CallId, capturedLevel, receivedLevel uint16) {
	if a.m.observer != nil {
		a.m.observer.OnAudioLevels(callId, capturedLevel, receivedLevel)
	}
}

func (a connObserverAdapter) OnNetworkRouteChanged(callId model.CallId, route model.NetworkRoute) {
	if a.m.observer != nil {
		a.m.observer.OnNetworkRouteChanged(callId, route)
	}
}

func (a connObserverAdapter) OnIncomingVideoTrack(callId model.CallId) {
	if a.m.observer != nil {
		a.m.observer.OnIncomingVideoTrack(callId)
	}
}

// groupObserverAdapter satisfies groupcall.Observer.
type groupObserverAdapter struct{ m *CallManager }

func (a groupObserverAdapter) OnConnectionStateChanged(groupId model.GroupId, state model.GroupConnectionState) {
	if a.m.observer != nil {
		a.m.observer.OnGroupConnectionStateChanged(groupId, state)
	}
}

func (a groupObserverAdapter) OnJoinStateChanged(groupId model.GroupId, join model.GroupJoinState) {
	// The pending-ring RingResponse{Accepted} is sent by JoinGroupCall once
	// client.Join returns successfully, not here: this observer fires
	// synchronously from inside Join, before JoinGroupCall regains control.
	if join.Kind == model.JoinNotJoined {
		a.m.mu.Lock()
		a.m.releaseBusyLocked()
		a.m.mu.Unlock()
	}
	if a.m.observer != nil {
		a.m.observer.OnGroupJoinStateChanged(groupId, join)
	}
}

func (a groupObserverAdapter) OnRemoteDevicesChanged(groupId model.GroupId, reason groupcall.RemoteDevicesChangeReason) {
	if a.m.observer != nil {
		a.m.observer.OnGroupRemoteDevicesChanged(groupId, reason)
	}
}

func (a groupObserverAdapter) OnPeekChanged(groupId model.GroupId, info groupcall.PeekInfo) {
	if a.m.observer != nil {
		a.m.observer.OnGroupPeekChanged(groupId, info)
	}
}

func (a groupObserverAdapter) OnSendRatesChanged(groupId model.GroupId, rates groupcall.SendRates) {
	if a.m.observer != nil {
		a.m.observer.OnGroupSendRatesChanged(groupId, rates)
	}
}

func (a groupObserverAdapter) OnEnded(groupId model.GroupId, reason model.EndReason) {
	a.m.mu.Lock()
	a.m.releaseBusyLocked()
	a.m.mu.Unlock()
	if a.m.observer != nil {
		a.m.observer.OnGroupEnded(groupId, reason)
	}
}
