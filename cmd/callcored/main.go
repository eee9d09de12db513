// Command callcored is a minimal demo host wiring the CALLCORE libraries
// into a running process: a libp2p node carrying call signaling
// (internal/transport/p2psignal), the pion/webrtc-backed media endpoints
// (internal/mediaadapter), an SFU HTTP client (internal/sfuclient), and the
// top-level coordinator (internal/callmanager).
//
// Grounded on main.go's CLI-peer command and internal/app/run.go's
// component-wiring order (config load, identity key, p2p node, then the
// domain components on top); this is CALLCORE's library surface exercised
// end to end, not a product.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/ringcore/callcore/internal/callmanager"
	"github.com/ringcore/callcore/internal/config"
	"github.com/ringcore/callcore/internal/groupcall"
	"github.com/ringcore/callcore/internal/mediaadapter"
	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/sfuclient"
	"github.com/ringcore/callcore/internal/signaling"
	"github.com/ringcore/callcore/internal/transport/p2psignal"
)

var (
	peerDir   = flag.String("dir", "", "peer data directory (required)")
	callTo    = flag.String("call", "", "user id to place a call to on startup, for smoke-testing the signaling path")
	joinGroup = flag.String("join-group", "", "group id to create a group call client for on startup (the client is not joined), for smoke-testing the SFU client path")
)

func main() {
	flag.Parse()
	if *peerDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: callcored -dir <peer-directory> [-call <user-id>]")
		os.Exit(1)
	}

	absDir, err := filepath.Abs(*peerDir)
	if err != nil {
		log.Fatalf("invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "callcore.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("wrote default config: %s", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, absDir, cfg, *callTo, *joinGroup); err != nil {
		log.Fatalf("callcored: %v", err)
	}
}

func run(ctx context.Context, peerDir string, cfg config.Config, callTo, joinGroup string) error {
	keyFile := filepath.Join(peerDir, cfg.Identity.KeyFile)
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	if isNew {
		log.Printf("generated new identity key: %s", keyFile)
	} else {
		log.Printf("loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2P.ListenPort)),
	)
	if err != nil {
		return fmt.Errorf("libp2p host: %w", err)
	}
	defer h.Close()

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	selfUser := model.NewUserId()
	selfDevice := model.DeviceId(1)

	dir := p2psignal.NewStaticDirectory()
	transport := p2psignal.New(h, dir, selfUser, selfDevice, ps)

	var sfu *sfuclient.Client
	if cfg.Sfu.BaseURL != "" {
		sfu = sfuclient.New(cfg.Sfu.BaseURL, sfuclient.WithRequestRateLimit(cfg.Sfu.RequestsPerSecond, cfg.Sfu.RequestBurst))
	}

	observer := &logObserver{}
	mgr := callmanager.New(callmanager.Config{
		SelfUserId: selfUser,
		Media:      mediaadapter.Factory{},
		GroupMedia: mediaadapter.GroupFactory{},
		Transport:  transport,
		Observer:   observer,
	})
	transport.BindReceiver(func(ctx context.Context, remoteUser model.UserId, remoteDevice model.DeviceId, msg signaling.CallMessage) {
		if err := mgr.ReceivedCallMessage(ctx, remoteUser, remoteDevice, selfDevice, msg, 0); err != nil {
			log.Printf("dropped message from %s/%d: %v", remoteUser, remoteDevice, err)
		}
	})

	log.Printf("callcored: user=%s device=%d listening on %v", selfUser, selfDevice, h.Addrs())

	if callTo != "" {
		remoteUser, err := model.ParseUserId(callTo)
		if err != nil {
			return fmt.Errorf("invalid -call user id %q: %w", callTo, err)
		}
		callId, err := mgr.Call(remoteUser, model.DeviceId(1))
		if err != nil {
			return fmt.Errorf("start call: %w", err)
		}
		log.Printf("placed call %v to %s", callId, remoteUser)
	}

	if joinGroup != "" {
		if sfu == nil {
			return fmt.Errorf("-join-group requires sfu.base_url to be configured")
		}
		groupId, err := model.ParseGroupId(joinGroup)
		if err != nil {
			return fmt.Errorf("invalid -join-group id %q: %w", joinGroup, err)
		}
		clientId, err := mgr.CreateGroupCallClient(groupId, sfu)
		if err != nil {
			return fmt.Errorf("create group call client: %w", err)
		}
		log.Printf("created group call client %d for group %s", clientId, groupId)
	}

	<-ctx.Done()
	mgr.Close()
	return nil
}

// loadOrCreateKey loads a persistent libp2p identity key from disk, or
// generates and saves a new Ed25519 key on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// logObserver is the reference callmanager.Observer: logs every event. A
// real host would route these into its own UI/notification layer.
type logObserver struct{}

func (logObserver) OnIncomingCall(callId model.CallId, remoteUser model.UserId, remoteDevice model.DeviceId) {
	log.Printf("incoming call %v from %s/%d", callId, remoteUser, remoteDevice)
}
func (logObserver) OnCallStateChanged(callId model.CallId, state model.ConnectionState) {
	log.Printf("call %v state -> %s", callId, state)
}
func (logObserver) OnCallEnded(callId model.CallId, reason model.EndReason) {
	log.Printf("call %v ended: %s", callId, reason)
}
func (logObserver) OnReceivedOfferWithGlare(callId model.CallId) {
	log.Printf("call %v received offer during glare", callId)
}
func (logObserver) OnAudioLevels(callId model.CallId, capturedLevel, receivedLevel uint16) {
	log.Printf("call %v audio levels: captured=%d received=%d", callId, capturedLevel, receivedLevel)
}
func (logObserver) OnNetworkRouteChanged(callId model.CallId, route model.NetworkRoute) {
	log.Printf("call %v network route changed: relayed=%v", callId, route.IsRelayed())
}
func (logObserver) OnIncomingVideoTrack(callId model.CallId) {
	log.Printf("call %v incoming video track", callId)
}
func (logObserver) OnGroupConnectionStateChanged(groupId model.GroupId, state model.GroupConnectionState) {
	log.Printf("group %s connection state -> %s", groupId, state)
}
func (logObserver) OnGroupJoinStateChanged(groupId model.GroupId, join model.GroupJoinState) {
	log.Printf("group %s join state -> %+v", groupId, join)
}
func (logObserver) OnGroupRemoteDevicesChanged(groupId model.GroupId, reason groupcall.RemoteDevicesChangeReason) {
	log.Printf("group %s remote devices changed: %v", groupId, reason)
}
func (logObserver) OnGroupPeekChanged(groupId model.GroupId, info groupcall.PeekInfo) {
	log.Printf("group %s peek changed: %d devices", groupId, len(info.Devices))
}
func (logObserver) OnGroupSendRatesChanged(groupId model.GroupId, rates groupcall.SendRates) {
	log.Printf("group %s send rates changed: min=%d start=%d max=%d", groupId, rates.MinBps, rates.StartBps, rates.MaxBps)
}
func (logObserver) OnGroupEnded(groupId model.GroupId, reason model.EndReason) {
	log.Printf("group %s ended: %s", groupId, reason)
}
