// Package p2psignal is the reference callmanager.Transport: CallMessage
// envelopes carried over direct libp2p streams between call participants,
// plus a pubsub topic for ring-intention fan-out to a group's member set.
//
// Grounded on internal/mq/manager.go's ack-gated Send (register a pending
// channel before opening the stream, read a transport ack back
// synchronously, fail the caller on timeout/mismatch) and
// internal/group/manager.go + internal/entangle/manager.go's stream
// protocol registration and per-remote-peer connection bookkeeping.
package p2psignal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/signaling"
	"github.com/ringcore/callcore/internal/util"
)

const (
	// ProtoID is the libp2p stream protocol carrying CallMessage envelopes.
	ProtoID = protocol.ID("/callcore/signal/1.0.0")

	// ringTopicPrefix prefixes the pubsub topic ring intentions are
	// published to; the group id is appended, giving one topic per group
	// (see Transport.PublishRingIntention).
	ringTopicPrefix = "/callcore/ring/1.0.0/"

	ackTimeout = 10 * time.Second

	// peerstoreTTL mirrors internal/p2p/node.go's presence-address TTL: long
	// enough to outlive the interval between directory refreshes.
	peerstoreTTL = 10 * time.Minute
)

var log = logging.Logger("callcore-p2psignal")

// envelope is the wire message written to a stream: the recipient's ack
// reads back the same Id field, mirroring mq.MQMsg/MQAck. CallMessage's
// payloads carry no sender identity of their own (they're addressed by the
// receiving side's already-established call state), so the envelope carries
// it explicitly.
type envelope struct {
	Id           string                `json:"id"`
	SenderUser   model.UserId          `json:"sender_user"`
	SenderDevice model.DeviceId        `json:"sender_device"`
	Msg          signaling.CallMessage `json:"msg"`
}

type ack struct {
	Id string `json:"id"`
}

// Directory resolves a (UserId, DeviceId) pair to the peer.ID that device
// is reachable at. CALLCORE has no presence/rendezvous layer of its own in
// scope (see DESIGN.md); callers populate this from whatever discovery
// mechanism they use (pubsub presence, a contacts list, mDNS).
type Directory interface {
	PeerForDevice(user model.UserId, device model.DeviceId) (peer.ID, bool)
}

// StaticDirectory is a Directory backed by a plain map, useful for tests and
// small deployments that configure peer identities out of band.
type StaticDirectory struct {
	mu      sync.RWMutex
	entries map[string]peer.ID
}

// NewStaticDirectory constructs an empty StaticDirectory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{entries: make(map[string]peer.ID)}
}

// Set records the peer.ID for a (user, device) pair.
func (d *StaticDirectory) Set(user model.UserId, device model.DeviceId, pid peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[directoryKey(user, device)] = pid
}

// PeerForDevice implements Directory.
func (d *StaticDirectory) PeerForDevice(user model.UserId, device model.DeviceId) (peer.ID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pid, ok := d.entries[directoryKey(user, device)]
	return pid, ok
}

func directoryKey(user model.UserId, device model.DeviceId) string {
	return fmt.Sprintf("%s/%d", user, device)
}

// SetFromMultiaddrs registers a device's peer.ID and feeds its advertised
// multiaddrs into host h's peerstore, the shape a directory entry arrives
// in from an external contacts/presence exchange. Invalid multiaddr
// strings are skipped rather than failing the whole call, grounded on
// internal/p2p/node.go's addPeerAddrs.
func (d *StaticDirectory) SetFromMultiaddrs(h host.Host, user model.UserId, device model.DeviceId, peerId string, addrs []string) error {
	pid, err := peer.Decode(peerId)
	if err != nil {
		return fmt.Errorf("p2psignal: decode peer id %q: %w", peerId, err)
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, a)
	}
	if len(parsed) > 0 {
		h.Peerstore().AddAddrs(pid, parsed, peerstoreTTL)
	}
	d.Set(user, device, pid)
	return nil
}

// Transport implements callmanager.Transport over libp2p streams.
type Transport struct {
	h           host.Host
	dir         Directory
	selfUser    model.UserId
	selfDevice  model.DeviceId

	mu       sync.Mutex
	receiver func(ctx context.Context, remoteUser model.UserId, remoteDevice model.DeviceId, msg signaling.CallMessage)

	ps       *pubsub.PubSub
	topicsMu sync.Mutex
	topics   map[model.GroupId]*pubsub.Topic
}

// New registers the signaling stream handler on h and returns a Transport
// that resolves destinations through dir. selfUser/selfDevice identify this
// process's own device, stamped onto every outgoing envelope so the
// receiving side knows who sent it. ps may be nil if ring-intention pubsub
// fan-out is not needed.
func New(h host.Host, dir Directory, selfUser model.UserId, selfDevice model.DeviceId, ps *pubsub.PubSub) *Transport {
	t := &Transport{
		h:          h,
		dir:        dir,
		selfUser:   selfUser,
		selfDevice: selfDevice,
		ps:         ps,
		topics:     make(map[model.GroupId]*pubsub.Topic),
	}
	h.SetStreamHandler(ProtoID, t.handleIncoming)
	return t
}

// BindReceiver registers the callback invoked for every CallMessage this
// Transport receives, mirroring internal/mediaadapter's optional-capability
// binding pattern: the Transport is constructed before the CallManager that
// will consume its messages exists, so wiring happens after the fact via
// callmanager.CallManager.ReceivedCallMessage.
func (t *Transport) BindReceiver(fn func(ctx context.Context, remoteUser model.UserId, remoteDevice model.DeviceId, msg signaling.CallMessage)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// Send implements callmanager.Transport: opens a stream to the device's
// peer, writes the envelope, and blocks for the transport ack.
func (t *Transport) Send(remoteUser model.UserId, remoteDevice model.DeviceId, msg signaling.CallMessage) error {
	pid, ok := t.dir.PeerForDevice(remoteUser, remoteDevice)
	if !ok {
		return fmt.Errorf("p2psignal: no known peer for user=%s device=%d", remoteUser, remoteDevice)
	}

	env := envelope{
		Id:           fmt.Sprintf("%s-%d-%d", remoteUser, remoteDevice, time.Now().UnixNano()),
		SenderUser:   t.selfUser,
		SenderDevice: t.selfDevice,
		Msg:          msg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	stream, err := t.h.NewStream(ctx, pid, ProtoID)
	if err != nil {
		return fmt.Errorf("p2psignal: open stream to %s: %w", pid, err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(env); err != nil {
		return fmt.Errorf("p2psignal: encode message: %w", err)
	}

	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	var a ack
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&a); err != nil {
		return fmt.Errorf("p2psignal: waiting for ack from %s: %w", pid, err)
	}
	if a.Id != env.Id {
		return fmt.Errorf("p2psignal: ack id mismatch (got %s, want %s)", a.Id, env.Id)
	}
	return nil
}

// handleIncoming is the stream handler for ProtoID: decode one envelope,
// ack it immediately, then dispatch to the bound receiver.
func (t *Transport) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var env envelope
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&env); err != nil {
		log.Warnf("p2psignal: decode from %s: %v", remotePeer, err)
		return
	}

	_ = stream.SetWriteDeadline(time.Now().Add(util.DefaultFetchTimeout))
	if err := json.NewEncoder(stream).Encode(ack{Id: env.Id}); err != nil {
		log.Warnf("p2psignal: ack write to %s: %v", remotePeer, err)
	}

	t.mu.Lock()
	receiver := t.receiver
	t.mu.Unlock()
	if receiver == nil {
		return
	}

	// Remember this peer for the reply path (hangup/busy/answer all address
	// the same device the offer came from).
	t.dirSet(env.SenderUser, env.SenderDevice, remotePeer)
	receiver(context.Background(), env.SenderUser, env.SenderDevice, env.Msg)
}

// dirSet records the observed peer for a sender if dir supports it, so a
// StaticDirectory doesn't need a side-channel registration step for peers
// that reach us before we ever dial them.
func (t *Transport) dirSet(user model.UserId, device model.DeviceId, pid peer.ID) {
	if sd, ok := t.dir.(*StaticDirectory); ok {
		sd.Set(user, device, pid)
	}
}

// PublishRingIntention broadcasts a ring intention to every member of
// groupId via a per-group pubsub topic, grounded on internal/p2p/node.go's
// GossipSub presence-topic join/subscribe pattern.
func (t *Transport) PublishRingIntention(ctx context.Context, groupId model.GroupId, payload []byte) error {
	if t.ps == nil {
		return fmt.Errorf("p2psignal: no pubsub configured")
	}
	topic, err := t.groupTopic(groupId)
	if err != nil {
		return err
	}
	return topic.Publish(ctx, payload)
}

// SubscribeRingIntentions joins groupId's ring topic and delivers every
// message (other than our own) to onMessage until ctx is cancelled.
func (t *Transport) SubscribeRingIntentions(ctx context.Context, groupId model.GroupId, onMessage func(from peer.ID, payload []byte)) error {
	if t.ps == nil {
		return fmt.Errorf("p2psignal: no pubsub configured")
	}
	topic, err := t.groupTopic(groupId)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("p2psignal: subscribe ring topic: %w", err)
	}
	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == t.h.ID() {
				continue
			}
			onMessage(msg.ReceivedFrom, msg.Data)
		}
	}()
	return nil
}

func (t *Transport) groupTopic(groupId model.GroupId) (*pubsub.Topic, error) {
	t.topicsMu.Lock()
	defer t.topicsMu.Unlock()
	if topic, ok := t.topics[groupId]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(ringTopicPrefix + groupId.String())
	if err != nil {
		return nil, fmt.Errorf("p2psignal: join ring topic: %w", err)
	}
	t.topics[groupId] = topic
	return topic, nil
}
