// Package sfuclient is the reference groupcall.SfuClient: an HTTP join/peek
// client for the SFU a group call joins.
//
// Grounded on internal/rendezvous/client.go's request shape (trimmed base
// URL, context-scoped http.Client, 404-means-absent convention,
// status/100 != 2 error wrapping) and its SubscribeEvents backoff loop,
// generalized here into an optional push-invalidation stream over
// gorilla/websocket rather than SSE (the SFU protocol this targets speaks
// websockets for its membership-invalidation push, not SSE).
package sfuclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ringcore/callcore/internal/groupcall"
	"github.com/ringcore/callcore/internal/model"
	"github.com/ringcore/callcore/internal/util"
)

// Client is the HTTP-based groupcall.SfuClient.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (for custom timeouts or
// TLS configuration).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRequestRateLimit caps outbound join/peek requests per second, guarding
// against a misbehaving peek scheduler hammering the SFU (see
// internal/groupcall's own peek scheduler, which already rate-limits
// in-flight requests to one at a time per group — this is the client-wide
// cap across every group a process has joined).
func WithRequestRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst) }
}

// New constructs a Client targeting baseURL (e.g. "https://sfu.example.com").
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: util.DefaultFetchTimeout},
		limiter: rate.NewLimiter(rate.Limit(20), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type joinRequestBody struct {
	IceUfrag        string `json:"ice_ufrag"`
	ClientPublicKey []byte `json:"client_public_key"`
}

type joinResponseBody struct {
	DemuxId         model.DemuxId `json:"demux_id"`
	ServerPublicKey []byte        `json:"server_public_key"`
	ExtraInfo       []byte        `json:"extra_info,omitempty"`
}

// Join posts a join request for req.GroupId and returns the SFU's assigned
// demux id and ephemeral public key (spec.md §4.4's DHE-on-join handshake).
func (c *Client) Join(ctx context.Context, req groupcall.JoinRequest) (groupcall.JoinResponse, error) {
	if err := c.wait(ctx); err != nil {
		return groupcall.JoinResponse{}, err
	}

	body := joinRequestBody{
		IceUfrag:        req.IceUfrag,
		ClientPublicKey: req.ClientPublicKey[:],
	}
	b, err := json.Marshal(body)
	if err != nil {
		return groupcall.JoinResponse{}, fmt.Errorf("sfuclient: encode join request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/groups/%s/join", c.baseURL, req.GroupId)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return groupcall.JoinResponse{}, err
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return groupcall.JoinResponse{}, fmt.Errorf("sfuclient: join: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 {
		return groupcall.JoinResponse{}, fmt.Errorf("sfuclient: join status %s", resp.Status)
	}

	var out joinResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return groupcall.JoinResponse{}, fmt.Errorf("sfuclient: decode join response: %w", err)
	}
	var serverKey [32]byte
	copy(serverKey[:], out.ServerPublicKey)
	return groupcall.JoinResponse{
		DemuxId:         out.DemuxId,
		ServerPublicKey: serverKey,
		ExtraInfo:       out.ExtraInfo,
	}, nil
}

type peekResponseBody struct {
	Devices []struct {
		DemuxId model.DemuxId `json:"demux_id"`
		UserId  string        `json:"user_id"`
	} `json:"devices"`
	Creator     string  `json:"creator"`
	EraId       string  `json:"era_id"`
	MaxDevices  *uint32 `json:"max_devices,omitempty"`
	DeviceCount uint32  `json:"device_count"`
}

// Peek fetches the current membership snapshot for groupId without joining
// (spec.md §4.4's pre-join / background peek).
func (c *Client) Peek(ctx context.Context, groupId model.GroupId) (groupcall.PeekInfo, error) {
	if err := c.wait(ctx); err != nil {
		return groupcall.PeekInfo{}, err
	}

	url := fmt.Sprintf("%s/v1/groups/%s/peek", c.baseURL, groupId)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return groupcall.PeekInfo{}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return groupcall.PeekInfo{}, fmt.Errorf("sfuclient: peek: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return groupcall.PeekInfo{}, nil
	}
	if resp.StatusCode/100 != 2 {
		return groupcall.PeekInfo{}, fmt.Errorf("sfuclient: peek status %s", resp.Status)
	}

	var body peekResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return groupcall.PeekInfo{}, fmt.Errorf("sfuclient: decode peek response: %w", err)
	}

	info := groupcall.PeekInfo{
		EraId:       body.EraId,
		MaxDevices:  body.MaxDevices,
		DeviceCount: body.DeviceCount,
	}
	if creator, err := model.ParseUserId(body.Creator); err == nil {
		info.Creator = creator
	}
	for _, d := range body.Devices {
		userId, err := model.ParseUserId(d.UserId)
		if err != nil {
			continue
		}
		info.Devices = append(info.Devices, groupcall.PeekDevice{DemuxId: d.DemuxId, UserId: userId})
	}
	return info, nil
}

// Leave notifies the SFU this demux id is leaving groupId.
func (c *Client) Leave(ctx context.Context, groupId model.GroupId, demuxId model.DemuxId) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/groups/%s/devices/%d", c.baseURL, groupId, demuxId)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sfuclient: leave: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("sfuclient: leave status %s", resp.Status)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}

// SubscribeInvalidations connects to the SFU's membership-invalidation push
// stream and calls onInvalidate for every group id it reports changed. It
// reconnects with exponential backoff until ctx is cancelled, mirroring
// internal/rendezvous/client.go's SubscribeEvents loop.
func (c *Client) SubscribeInvalidations(ctx context.Context, onInvalidate func(model.GroupId)) {
	if c.baseURL == "" {
		return
	}
	backoff := 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.subscribeOnce(ctx, onInvalidate)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

type invalidationMessage struct {
	GroupId string `json:"group_id"`
}

func (c *Client) subscribeOnce(ctx context.Context, onInvalidate func(model.GroupId)) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/invalidations"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("sfuclient: dial invalidations: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg invalidationMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		groupId, err := model.ParseGroupId(msg.GroupId)
		if err != nil {
			continue
		}
		onInvalidate(groupId)
	}
}
