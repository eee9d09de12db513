package callmanager

import (
	"context"
	"testing"

	"github.com/ringcore/callcore/internal/bandwidth"
	"github.com/ringcore/callcore/internal/connection"
	"github.com/ringcore/callcore/internal/cryptocore"
	"github.com/ringcore/callcore/internal/groupcall"
	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/signaling"
)

type fakeMedia struct{}

func (fakeMedia) CreateGatherer(ctx context.Context) error { return nil }
func (fakeMedia) CreateOffer(ctx context.Context) (string, error) {
	return "v=0 offer", nil
}
func (fakeMedia) CreateAnswer(ctx context.Context, remoteSdp string) (string, error) {
	return "v=0 answer", nil
}
func (fakeMedia) ApplyRemoteAnswer(ctx context.Context, remoteSdp string) error { return nil }
func (fakeMedia) AddRemoteIceCandidates(candidates []string) error             { return nil }
func (fakeMedia) InstallSrtpKeys(keys cryptocore.SrtpKeys) error                { return nil }
func (fakeMedia) SetMaxSendBitrate(outputs bandwidth.Outputs) error             { return nil }
func (fakeMedia) SetMediaEnabled(enabled bool)                                 {}
func (fakeMedia) SendRtpData(frame []byte) error                               { return nil }
func (fakeMedia) NetworkRoute() model.NetworkRoute                             { return model.NetworkRoute{} }
func (fakeMedia) PollStats() (model.Stats, error)                              { return model.Stats{}, nil }
func (fakeMedia) Close() error                                                 { return nil }

type fakeMediaFactory struct{}

func (fakeMediaFactory) NewConnectionMedia(callId model.CallId, role connection.Role) (connection.MediaEndpoint, error) {
	return fakeMedia{}, nil
}

type fakeGroupMedia struct{}

func (fakeGroupMedia) Connect(ctx context.Context) error { return nil }
func (fakeGroupMedia) Disconnect() error                 { return nil }
func (fakeGroupMedia) SetDeviceSet(demuxIds []model.DemuxId) {}
func (fakeGroupMedia) SetSendRates(rates groupcall.SendRates) {}
func (fakeGroupMedia) SetMediaEnabled(enabled bool)            {}
func (fakeGroupMedia) SendDataChannelMessage(payload []byte) error { return nil }

type fakeGroupMediaFactory struct{}

func (fakeGroupMediaFactory) NewGroupMedia(groupId model.GroupId) (groupcall.MediaTransport, error) {
	return fakeGroupMedia{}, nil
}

type fakeSfu struct {
	peekInfo groupcall.PeekInfo
}

func (f *fakeSfu) Join(ctx context.Context, req groupcall.JoinRequest) (groupcall.JoinResponse, error) {
	server, _ := cryptocore.GenerateX25519KeyPair()
	return groupcall.JoinResponse{DemuxId: 1, ServerPublicKey: server.Public}, nil
}
func (f *fakeSfu) Peek(ctx context.Context, groupId model.GroupId) (groupcall.PeekInfo, error) {
	return f.peekInfo, nil
}
func (f *fakeSfu) Leave(ctx context.Context, groupId model.GroupId, demuxId model.DemuxId) error {
	return nil
}

type sentMessage struct {
	remoteUser   model.UserId
	remoteDevice model.DeviceId
	msg          signaling.CallMessage
}

type fakeTransport struct {
	sent []sentMessage
}

func (t *fakeTransport) Send(remoteUser model.UserId, remoteDevice model.DeviceId, msg signaling.CallMessage) error {
	t.sent = append(t.sent, sentMessage{remoteUser, remoteDevice, msg})
	return nil
}

type fakeObserver struct {
	incoming   []model.CallId
	stateChgs  []model.ConnectionState
	ended      []model.EndReason
	groupEnded []model.EndReason
}

func (o *fakeObserver) OnIncomingCall(callId model.CallId, remoteUser model.UserId, remoteDevice model.DeviceId) {
	o.incoming = append(o.incoming, callId)
}
func (o *fakeObserver) OnCallStateChanged(callId model.CallId, state model.ConnectionState) {
	o.stateChgs = append(o.stateChgs, state)
}
func (o *fakeObserver) OnCallEnded(callId model.CallId, reason model.EndReason) {
	o.ended = append(o.ended, reason)
}
func (o *fakeObserver) OnReceivedOfferWithGlare(callId model.CallId) {}
func (o *fakeObserver) OnAudioLevels(callId model.CallId, capturedLevel, receivedLevel uint16) {}
func (o *fakeObserver) OnNetworkRouteChanged(callId model.CallId, route model.NetworkRoute)    {}
func (o *fakeObserver) OnIncomingVideoTrack(callId model.CallId)                               {}
func (o *fakeObserver) OnGroupConnectionStateChanged(model.GroupId, model.GroupConnectionState) {}
func (o *fakeObserver) OnGroupJoinStateChanged(model.GroupId, model.GroupJoinState)             {}
func (o *fakeObserver) OnGroupRemoteDevicesChanged(model.GroupId, groupcall.RemoteDevicesChangeReason) {
}
func (o *fakeObserver) OnGroupPeekChanged(model.GroupId, groupcall.PeekInfo)     {}
func (o *fakeObserver) OnGroupSendRatesChanged(model.GroupId, groupcall.SendRates) {}
func (o *fakeObserver) OnGroupEnded(groupId model.GroupId, reason model.EndReason) {
	o.groupEnded = append(o.groupEnded, reason)
}

func newTestManager() (*CallManager, *fakeTransport, *fakeObserver) {
	transport := &fakeTransport{}
	obs := &fakeObserver{}
	m := New(Config{
		SelfUserId: model.NewUserId(),
		Media:      fakeMediaFactory{},
		GroupMedia: fakeGroupMediaFactory{},
		Transport:  transport,
		Observer:   obs,
	})
	return m, transport, obs
}

func TestCallProceedSendsOfferAndBusy(t *testing.T) {
	m, transport, _ := newTestManager()
	remote := model.NewUserId()

	callId, err := m.Call(remote, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsBusy() {
		t.Fatalf("expected busy after Call")
	}
	if _, err := m.Call(model.NewUserId(), 1); err == nil {
		t.Fatalf("expected second Call to fail while busy")
	}

	if err := m.Proceed(context.Background(), callId, 2, model.BandwidthNormal); err != nil {
		t.Fatal(err)
	}
	if len(transport.sent) != 1 || transport.sent[0].msg.Offer == nil {
		t.Fatalf("expected exactly one Offer sent, got %+v", transport.sent)
	}
}

func TestReceivedOfferRejectedWhenBusy(t *testing.T) {
	m, transport, _ := newTestManager()
	remoteA := model.NewUserId()
	if _, err := m.Call(remoteA, 1); err != nil {
		t.Fatal(err)
	}

	remoteB := model.NewUserId()
	offer := signaling.OfferPayload{CallId: model.NewCallId(), Sdp: "v=0", PublicKey: make([]byte, 32), Mode: model.BandwidthNormal}
	if err := m.ReceivedOffer(context.Background(), remoteB, 1, 1, offer, 0); err != nil {
		t.Fatal(err)
	}
	if len(transport.sent) != 1 || transport.sent[0].msg.Busy == nil {
		t.Fatalf("expected a Busy reply, got %+v", transport.sent)
	}
}

func TestReceivedOfferExpiredEndsWithoutBusyCheck(t *testing.T) {
	m, transport, obs := newTestManager()
	remote := model.NewUserId()
	offer := signaling.OfferPayload{CallId: model.NewCallId(), Sdp: "v=0", PublicKey: make([]byte, 32)}

	if err := m.ReceivedOffer(context.Background(), remote, 1, 1, offer, offerExpiryAge+1); err != nil {
		t.Fatal(err)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("expired offer should not trigger any signaling send")
	}
	if len(obs.ended) != 1 || obs.ended[0] != model.EndedReceivedOfferExpired {
		t.Fatalf("expected EndedReceivedOfferExpired, got %+v", obs.ended)
	}
	if m.IsBusy() {
		t.Fatalf("busy flag must not be touched by an expired offer")
	}
}

func TestReceivedOfferStartsIncomingWhenIdle(t *testing.T) {
	m, _, obs := newTestManager()
	remote := model.NewUserId()
	remoteKey, _ := cryptocore.GenerateX25519KeyPair()
	offer := signaling.OfferPayload{CallId: model.NewCallId(), Sdp: "v=0", PublicKey: remoteKey.Public[:], Mode: model.BandwidthNormal}

	if err := m.ReceivedOffer(context.Background(), remote, 1, 2, offer, 0); err != nil {
		t.Fatal(err)
	}
	if !m.IsBusy() {
		t.Fatalf("expected busy after accepting incoming offer")
	}
	if len(obs.incoming) != 1 || obs.incoming[0] != offer.CallId {
		t.Fatalf("expected OnIncomingCall for %s, got %+v", offer.CallId, obs.incoming)
	}
}

func TestResolveGlareLoserSwitchesToIncoming(t *testing.T) {
	m, _, obs := newTestManager()
	remote := model.NewUserId()

	callId, err := m.Call(remote, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Proceed(context.Background(), callId, 2, model.BandwidthNormal); err != nil {
		t.Fatal(err)
	}

	// A larger incoming call id beats the active (smaller) one, per
	// connection.ResolveGlare's tie-break: the local side loses and adopts
	// the incoming offer.
	remoteKey, _ := cryptocore.GenerateX25519KeyPair()
	incomingOffer := signaling.OfferPayload{
		CallId:    model.CallId(uint64(callId) + 1_000_000),
		Sdp:       "v=0",
		PublicKey: remoteKey.Public[:],
		Mode:      model.BandwidthNormal,
	}

	if err := m.ReceivedOffer(context.Background(), remote, 2, 1, incomingOffer, 0); err != nil {
		t.Fatal(err)
	}
	if len(obs.ended) == 0 {
		t.Fatalf("expected the local outgoing call to end on glare loss")
	}
}

func TestHangupSendsHangupAndReleasesBusy(t *testing.T) {
	m, transport, _ := newTestManager()
	remote := model.NewUserId()
	callId, err := m.Call(remote, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Proceed(context.Background(), callId, 2, model.BandwidthNormal); err != nil {
		t.Fatal(err)
	}

	if err := m.Hangup(); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range transport.sent {
		if s.msg.Hangup != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Hangup message sent, got %+v", transport.sent)
	}
	if m.IsBusy() {
		t.Fatalf("expected busy released after Hangup")
	}
}

func TestGroupCallJoinSendsPendingRingResponse(t *testing.T) {
	m, transport, _ := newTestManager()
	groupId := model.NewGroupId()
	sfu := &fakeSfu{peekInfo: groupcall.PeekInfo{EraId: "era-1"}}

	id, err := m.CreateGroupCallClient(groupId, sfu)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a ring received before the local device joins.
	ringMsg := signaling.CallMessage{RingIntention: &signaling.RingIntentionPayload{
		GroupId: groupId,
		RingId:  model.NewRingId(),
		Type:    signaling.RingTypeRing,
	}}
	if err := m.ReceivedCallMessage(context.Background(), model.NewUserId(), 1, 1, ringMsg, 0); err != nil {
		t.Fatal(err)
	}

	if err := m.JoinGroupCall(context.Background(), id, "ufrag"); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, s := range transport.sent {
		if s.msg.RingResponse != nil && s.msg.RingResponse.Type == signaling.RingResponseAccepted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected RingResponse{Accepted} after joining with a pending ring, got %+v", transport.sent)
	}
}

func TestResetClearsBusyAndCalls(t *testing.T) {
	m, _, _ := newTestManager()
	remote := model.NewUserId()
	if _, err := m.Call(remote, 1); err != nil {
		t.Fatal(err)
	}
	m.Reset()
	if m.IsBusy() {
		t.Fatalf("expected busy released after Reset")
	}
	if _, ok := m.ActiveCallId(); ok {
		t.Fatalf("expected no active call after Reset")
	}
}
