package p2psignal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/signaling"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("libp2p.New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func connect(t *testing.T, a, b host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrInfo := peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}
	if err := a.Connect(ctx, addrInfo); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestSendDeliversToReceiverAndAcks(t *testing.T) {
	hostA := newTestHost(t)
	hostB := newTestHost(t)
	connect(t, hostA, hostB)

	dirA := NewStaticDirectory()
	dirA.Set(model.UserId{}, model.DeviceId(2), hostB.ID())
	userA := model.NewUserId()
	transportA := New(hostA, dirA, userA, model.DeviceId(1), nil)

	dirB := NewStaticDirectory()
	userB := model.NewUserId()
	transportB := New(hostB, dirB, userB, model.DeviceId(2), nil)

	var mu sync.Mutex
	var gotUser model.UserId
	var gotDevice model.DeviceId
	received := make(chan struct{}, 1)
	transportB.BindReceiver(func(ctx context.Context, remoteUser model.UserId, remoteDevice model.DeviceId, msg signaling.CallMessage) {
		mu.Lock()
		gotUser, gotDevice = remoteUser, remoteDevice
		mu.Unlock()
		received <- struct{}{}
	})

	msg := signaling.CallMessage{Type: "hangup", Hangup: &signaling.HangupPayload{CallId: model.CallId(5), Type: "normal"}}
	if err := transportA.Send(model.UserId{}, model.DeviceId(2), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for receiver callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotUser != userA || gotDevice != model.DeviceId(1) {
		t.Fatalf("receiver got user=%v device=%v, want user=%v device=1", gotUser, gotDevice, userA)
	}
}

func TestSendFailsWithoutDirectoryEntry(t *testing.T) {
	hostA := newTestHost(t)
	dirA := NewStaticDirectory()
	transportA := New(hostA, dirA, model.NewUserId(), model.DeviceId(1), nil)

	msg := signaling.CallMessage{Type: "hangup", Hangup: &signaling.HangupPayload{CallId: model.CallId(5), Type: "normal"}}
	if err := transportA.Send(model.NewUserId(), model.DeviceId(99), msg); err == nil {
		t.Fatal("expected error sending to an unknown peer")
	}
}

func TestSetFromMultiaddrsRegistersPeerAndAddrs(t *testing.T) {
	hostA := newTestHost(t)
	hostB := newTestHost(t)

	dirA := NewStaticDirectory()
	addrs := make([]string, 0, len(hostB.Addrs()))
	for _, a := range hostB.Addrs() {
		addrs = append(addrs, a.String())
	}
	if err := dirA.SetFromMultiaddrs(hostA, model.UserId{}, model.DeviceId(2), hostB.ID().String(), addrs); err != nil {
		t.Fatalf("SetFromMultiaddrs: %v", err)
	}

	pid, ok := dirA.PeerForDevice(model.UserId{}, model.DeviceId(2))
	if !ok || pid != hostB.ID() {
		t.Fatalf("expected peer %v registered, got %v ok=%v", hostB.ID(), pid, ok)
	}
	if len(hostA.Peerstore().Addrs(hostB.ID())) == 0 {
		t.Fatal("expected hostB's addresses to be registered in hostA's peerstore")
	}
}

func TestStaticDirectoryRecordsObservedSender(t *testing.T) {
	hostA := newTestHost(t)
	hostB := newTestHost(t)
	connect(t, hostA, hostB)

	dirA := NewStaticDirectory()
	dirA.Set(model.UserId{}, model.DeviceId(2), hostB.ID())
	transportA := New(hostA, dirA, model.NewUserId(), model.DeviceId(1), nil)

	dirB := NewStaticDirectory()
	transportB := New(hostB, dirB, model.NewUserId(), model.DeviceId(2), nil)

	received := make(chan struct{}, 1)
	transportB.BindReceiver(func(ctx context.Context, remoteUser model.UserId, remoteDevice model.DeviceId, msg signaling.CallMessage) {
		received <- struct{}{}
	})

	msg := signaling.CallMessage{Type: "hangup", Hangup: &signaling.HangupPayload{CallId: model.CallId(5), Type: "normal"}}
	if err := transportA.Send(model.UserId{}, model.DeviceId(2), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for receiver callback")
	}

	if _, ok := dirB.PeerForDevice(transportA.selfUser, transportA.selfDevice); !ok {
		t.Fatal("expected StaticDirectory on B to learn A's peer from the inbound envelope")
	}
}
