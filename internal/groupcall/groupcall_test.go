package groupcall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/signaling"
)

type fakeSfu struct {
	mu       sync.Mutex
	demuxId  model.DemuxId
	peekInfo PeekInfo
	peekErr  error
	peeks    int
	left     []model.DemuxId
}

func (f *fakeSfu) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	return JoinResponse{DemuxId: f.demuxId, ServerPublicKey: [32]byte{1}}, nil
}

func (f *fakeSfu) Peek(ctx context.Context, groupId model.GroupId) (PeekInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peeks++
	if f.peekErr != nil {
		return PeekInfo{}, f.peekErr
	}
	return f.peekInfo, nil
}

func (f *fakeSfu) Leave(ctx context.Context, groupId model.GroupId, demuxId model.DemuxId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, demuxId)
	return nil
}

type fakeMediaTransport struct {
	mu        sync.Mutex
	devices   []model.DemuxId
	rates     SendRates
	enabled   bool
	connected bool
}

func (f *fakeMediaTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}
func (f *fakeMediaTransport) Disconnect() error { f.connected = false; return nil }
func (f *fakeMediaTransport) SetDeviceSet(demuxIds []model.DemuxId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = demuxIds
}
func (f *fakeMediaTransport) SetSendRates(rates SendRates) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = rates
}
func (f *fakeMediaTransport) SetMediaEnabled(enabled bool) { f.enabled = enabled }
func (f *fakeMediaTransport) SendDataChannelMessage(payload []byte) error { return nil }

// fakeSignalingSender is the test groupcall.SignalingSender: media keys and
// heartbeats route through it instead of fakeMediaTransport, mirroring how
// callmanager.CallManager really delivers DeviceToDevice payloads over the
// 1:1 signaling transport rather than the SFU data channel.
type fakeSignalingSender struct {
	mu          sync.Mutex
	keysSent    map[model.DemuxId]int
	heartbeats  int
}

func (s *fakeSignalingSender) SendDeviceToDevice(groupId model.GroupId, toUser model.UserId, msg signaling.DeviceToDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.MediaKey != nil {
		if s.keysSent == nil {
			s.keysSent = make(map[model.DemuxId]int)
		}
		s.keysSent[msg.MediaKey.DemuxId]++
	}
	if msg.Heartbeat != nil {
		s.heartbeats++
	}
	return nil
}

type fakeObserver struct {
	mu              sync.Mutex
	deviceReasons   []RemoteDevicesChangeReason
	peekChanges     int
	ended           []model.EndReason
}

func (o *fakeObserver) OnConnectionStateChanged(model.GroupId, model.GroupConnectionState) {}
func (o *fakeObserver) OnJoinStateChanged(model.GroupId, model.GroupJoinState)             {}
func (o *fakeObserver) OnRemoteDevicesChanged(groupId model.GroupId, reason RemoteDevicesChangeReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deviceReasons = append(o.deviceReasons, reason)
}
func (o *fakeObserver) OnPeekChanged(model.GroupId, PeekInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peekChanges++
}
func (o *fakeObserver) OnSendRatesChanged(model.GroupId, SendRates) {}
func (o *fakeObserver) OnEnded(groupId model.GroupId, reason model.EndReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, reason)
}

func newTestClient(sfu *fakeSfu, media *fakeMediaTransport, obs *fakeObserver) *Client {
	return New(Config{
		GroupId:     model.NewGroupId(),
		LocalUserId: model.NewUserId(),
		Sfu:         sfu,
		Media:       media,
		Observer:    obs,
		Signaling:   &fakeSignalingSender{},
	})
}

func newTestClientWithSender(sfu *fakeSfu, media *fakeMediaTransport, obs *fakeObserver, sender *fakeSignalingSender) *Client {
	return New(Config{
		GroupId:     model.NewGroupId(),
		LocalUserId: model.NewUserId(),
		Sfu:         sfu,
		Media:       media,
		Observer:    obs,
		Signaling:   sender,
	})
}

func TestJoinInstallsKeysAndJoinsState(t *testing.T) {
	sfu := &fakeSfu{demuxId: 10}
	media := &fakeMediaTransport{}
	obs := &fakeObserver{}
	c := newTestClient(sfu, media, obs)

	if err := c.Join(context.Background(), "ufrag", nil); err != nil {
		t.Fatal(err)
	}
	if c.JoinState().Kind != model.JoinJoined {
		t.Fatalf("expected Joined, got %v", c.JoinState())
	}
	if !media.connected {
		t.Fatalf("expected media transport connected")
	}
}

func TestApplyPeekAddsAndPushesDeviceSet(t *testing.T) {
	sfu := &fakeSfu{demuxId: 10}
	media := &fakeMediaTransport{}
	obs := &fakeObserver{}
	sender := &fakeSignalingSender{}
	c := newTestClientWithSender(sfu, media, obs, sender)
	c.Join(context.Background(), "ufrag", nil)

	remoteUser := model.NewUserId()
	c.applyPeek(PeekInfo{
		Devices: []PeekDevice{
			{DemuxId: 10, UserId: c.localUserId},
			{DemuxId: 20, UserId: remoteUser},
		},
		EraId: "era1",
	})

	c.mu.Lock()
	_, ok := c.devices[20]
	count := len(c.devices)
	c.mu.Unlock()
	if !ok || count != 1 {
		t.Fatalf("expected remote device 20 tracked exactly once, got %d devices", count)
	}

	sender.mu.Lock()
	gotKey := sender.keysSent[20] > 0
	sender.mu.Unlock()
	if !gotKey {
		t.Fatalf("expected a rotated media key sent to newly added device over the signaling transport")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.deviceReasons) == 0 || obs.deviceReasons[0] != DemuxIdsChanged {
		t.Fatalf("expected DemuxIdsChanged notification, got %v", obs.deviceReasons)
	}
}

func TestApplyPeekRemovalSchedulesRotation(t *testing.T) {
	sfu := &fakeSfu{demuxId: 10}
	media := &fakeMediaTransport{}
	obs := &fakeObserver{}
	c := newTestClient(sfu, media, obs)
	c.Join(context.Background(), "ufrag", nil)

	remoteUser := model.NewUserId()
	c.applyPeek(PeekInfo{Devices: []PeekDevice{
		{DemuxId: 10, UserId: c.localUserId},
		{DemuxId: 20, UserId: remoteUser},
	}})

	c.applyPeek(PeekInfo{Devices: []PeekDevice{
		{DemuxId: 10, UserId: c.localUserId},
	}})

	c.mu.Lock()
	pending := c.pendingRotation != nil
	c.mu.Unlock()
	if !pending {
		t.Fatalf("expected a pending rotation after a device removal")
	}

	time.Sleep(rotationDelay + 200*time.Millisecond)
	c.mu.Lock()
	pendingAfter := c.pendingRotation != nil
	c.mu.Unlock()
	if pendingAfter {
		t.Fatalf("expected rotation to have applied after delay")
	}
}

func TestHeartbeatDropsStaleTimestamp(t *testing.T) {
	sfu := &fakeSfu{demuxId: 10}
	media := &fakeMediaTransport{}
	obs := &fakeObserver{}
	c := newTestClient(sfu, media, obs)
	c.Join(context.Background(), "ufrag", nil)

	remoteUser := model.NewUserId()
	c.applyPeek(PeekInfo{Devices: []PeekDevice{{DemuxId: 20, UserId: remoteUser}}})

	c.OnHeartbeat(20, 100, signaling.HeartbeatPayload{AudioMuted: true})
	c.OnHeartbeat(20, 50, signaling.HeartbeatPayload{AudioMuted: false})

	c.mu.Lock()
	muted := c.devices[20].AudioMuted
	c.mu.Unlock()
	if !muted {
		t.Fatalf("expected stale heartbeat to be dropped, AudioMuted should remain true")
	}
}

func TestSpeakerRequiresStrictlyNewerTimestamp(t *testing.T) {
	sfu := &fakeSfu{demuxId: 10}
	media := &fakeMediaTransport{}
	obs := &fakeObserver{}
	c := newTestClient(sfu, media, obs)
	c.Join(context.Background(), "ufrag", nil)
	remoteUser := model.NewUserId()
	c.applyPeek(PeekInfo{Devices: []PeekDevice{{DemuxId: 20, UserId: remoteUser}}})

	ts := uint32(100)
	c.OnSpeaker(20, 100, &ts)

	c.mu.Lock()
	set := c.devices[20].SpeakerTime != nil
	c.mu.Unlock()
	if set {
		t.Fatalf("expected equal timestamp to be rejected")
	}

	c.OnSpeaker(20, 150, &ts)
	c.mu.Lock()
	set = c.devices[20].SpeakerTime != nil
	c.mu.Unlock()
	if !set {
		t.Fatalf("expected strictly newer timestamp to be accepted")
	}
}

func TestComputeSendRatesTable(t *testing.T) {
	if r := ComputeSendRates(0, false); r.MaxBps != 1_000 {
		t.Fatalf("empty call: expected 1kbps cap, got %v", r)
	}
	if r := ComputeSendRates(3, true); r.MaxBps != 5_000_000 || r.MinBps != 2_000_000 {
		t.Fatalf("screen share: expected 2/2/5 Mbps, got %v", r)
	}
	if r := ComputeSendRates(5, false); r.MaxBps != 1_000_000 {
		t.Fatalf("small call: expected 1Mbps cap, got %v", r)
	}
	if r := ComputeSendRates(9, false); r.MaxBps != 671_000 {
		t.Fatalf("large call: expected 671kbps cap, got %v", r)
	}
}

func TestPeekSchedulerCollapsesConcurrentTriggers(t *testing.T) {
	var calls int32Counter
	release := make(chan struct{})
	started := make(chan struct{}, 4)

	peekFn := func(ctx context.Context) (PeekInfo, error) {
		calls.inc()
		started <- struct{}{}
		<-release
		return PeekInfo{EraId: "x"}, nil
	}

	var updates int32Counter
	sched := NewPeekScheduler(peekFn, func(PeekInfo) { updates.inc() })
	ctx := context.Background()
	sched.Ready(ctx)

	<-started // first poll in flight

	sched.Trigger(ctx)
	sched.Trigger(ctx)
	sched.Trigger(ctx)

	close(release)
	time.Sleep(300 * time.Millisecond)

	if got := calls.get(); got != 2 {
		t.Fatalf("expected exactly one follow-up poll (2 total), got %d", got)
	}
}

func TestPeekSchedulerSuppressesRetryWithinBackoff(t *testing.T) {
	var calls int32Counter
	peekFn := func(ctx context.Context) (PeekInfo, error) {
		n := calls.inc()
		if n == 1 {
			return PeekInfo{}, errors.New("boom")
		}
		return PeekInfo{}, nil
	}
	sched := NewPeekScheduler(peekFn, func(PeekInfo) {})
	ctx := context.Background()
	sched.Ready(ctx)
	time.Sleep(50 * time.Millisecond)
	if sched.Status() != PeekFailed {
		t.Fatalf("expected Failed after first poll error, got %v", sched.Status())
	}

	sched.Trigger(ctx) // within backoff, should be ignored
	time.Sleep(50 * time.Millisecond)
	if calls.get() != 1 {
		t.Fatalf("expected retry to be suppressed within backoff, got %d calls", calls.get())
	}
}

func TestRingCancelledOnlyWhenNoDevicesEverJoined(t *testing.T) {
	sfu := &fakeSfu{demuxId: 10}
	media := &fakeMediaTransport{}
	obs := &fakeObserver{}
	c := newTestClient(sfu, media, obs)

	payload := c.Ring()
	if payload.Type != signaling.RingTypeRing {
		t.Fatalf("expected Ring type, got %s", payload.Type)
	}

	cancel := c.CancelRingIfEmpty()
	if cancel == nil || cancel.Type != signaling.RingTypeCancelled {
		t.Fatalf("expected a cancellation for a ring nobody answered")
	}

	c.Ring()
	remoteUser := model.NewUserId()
	c.applyPeek(PeekInfo{Devices: []PeekDevice{{DemuxId: 20, UserId: remoteUser}}})
	if got := c.CancelRingIfEmpty(); got != nil {
		t.Fatalf("expected no cancellation once a remote device joined, got %v", got)
	}
}

func TestEncryptDecryptFrameRoundTripAcrossClients(t *testing.T) {
	sender := newTestClient(&fakeSfu{demuxId: 10}, &fakeMediaTransport{}, &fakeObserver{})
	if err := sender.Join(context.Background(), "ufrag", nil); err != nil {
		t.Fatalf("sender Join: %v", err)
	}
	defer sender.Leave(context.Background(), nil)

	sender.mu.Lock()
	senderSecret := sender.sendSecret
	senderRatchet := sender.sendRatchet
	sender.mu.Unlock()

	receiver := newTestClient(&fakeSfu{demuxId: 20}, &fakeMediaTransport{}, &fakeObserver{})
	receiver.OnReceivedMediaKey(10, senderRatchet, senderSecret)

	plaintext := []byte("hello group call")
	additionalData := []byte{0x01}

	framed, err := sender.EncryptFrame(additionalData, plaintext)
	if err != nil {
		t.Fatalf("EncryptFrame: %v", err)
	}

	got, err := receiver.DecryptFrame(10, additionalData, framed)
	if err != nil {
		t.Fatalf("DecryptFrame: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("decrypted plaintext = %q, want %q", got, plaintext)
	}
}

func TestDecryptFrameWithoutMediaKeyFails(t *testing.T) {
	sender := newTestClient(&fakeSfu{demuxId: 10}, &fakeMediaTransport{}, &fakeObserver{})
	if err := sender.Join(context.Background(), "ufrag", nil); err != nil {
		t.Fatalf("sender Join: %v", err)
	}
	defer sender.Leave(context.Background(), nil)

	receiver := newTestClient(&fakeSfu{demuxId: 20}, &fakeMediaTransport{}, &fakeObserver{})

	framed, err := sender.EncryptFrame([]byte{0x01}, []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptFrame: %v", err)
	}

	if _, err := receiver.DecryptFrame(10, []byte{0x01}, framed); err == nil {
		t.Fatalf("expected decrypt to fail without a received media key")
	}
}

func TestEncryptDecryptFrameMultipleReceivers(t *testing.T) {
	sender := newTestClient(&fakeSfu{demuxId: 10}, &fakeMediaTransport{}, &fakeObserver{})
	if err := sender.Join(context.Background(), "ufrag", nil); err != nil {
		t.Fatalf("sender Join: %v", err)
	}
	defer sender.Leave(context.Background(), nil)

	sender.mu.Lock()
	senderSecret := sender.sendSecret
	senderRatchet := sender.sendRatchet
	sender.mu.Unlock()

	receiverTwo := newTestClient(&fakeSfu{demuxId: 20}, &fakeMediaTransport{}, &fakeObserver{})
	receiverTwo.OnReceivedMediaKey(10, senderRatchet, senderSecret)
	receiverThree := newTestClient(&fakeSfu{demuxId: 30}, &fakeMediaTransport{}, &fakeObserver{})
	receiverThree.OnReceivedMediaKey(10, senderRatchet, senderSecret)

	framed, err := sender.EncryptFrame([]byte{0x01}, []byte("A"))
	if err != nil {
		t.Fatalf("EncryptFrame: %v", err)
	}

	for name, receiver := range map[string]*Client{"client2": receiverTwo, "client3": receiverThree} {
		got, err := receiver.DecryptFrame(10, []byte{0x01}, framed)
		if err != nil {
			t.Fatalf("%s DecryptFrame: %v", name, err)
		}
		if string(got) != "A" {
			t.Fatalf("%s decrypted %q, want %q", name, got, "A")
		}
	}
}

// int32Counter is a tiny atomic counter local to this test file; avoids
// pulling in sync/atomic's verbose API for a handful of assertions.
type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
