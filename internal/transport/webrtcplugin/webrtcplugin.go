// Package webrtcplugin implements the built-in "webrtc" transport.Plugin
// using pion/webrtc/v4's data channel API, for low-latency peer-to-peer
// sessions where a RemotePipeline node sits behind NAT and a direct gRPC
// or HTTP connection isn't reachable. No pack example exercises the
// pion API directly (only listed in another manifest's go.mod), so the
// PeerConnection/DataChannel wiring here follows pion/webrtc's
// documented public API shape rather than a retrieved example file.
package webrtcplugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/transport"
)

func init() {
	transport.Register(Plugin{})
}

// Plugin implements transport.Plugin over a WebRTC data channel. Dial
// uses extra_config.ice_servers as the ICE server URLs, or cfg.Endpoint
// as the single ICE server URL when that list is absent. Offer/answer
// exchange is out of scope for this plugin: a caller that already holds
// a signaled remote session description attaches it with WithSignaler.
type Plugin struct{}

func (Plugin) Name() string { return "webrtc" }

// extraConfig is the webrtc transport's extra_config subtree.
type extraConfig struct {
	ICEServers []string `json:"ice_servers"`
}

// ValidateConfig enforces spec's "WebRTC requires a non-empty list of
// ICE servers": cfg.ExtraConfig must decode to a non-empty ice_servers
// list. Pure decode-and-check, no I/O.
func (Plugin) ValidateConfig(cfg transport.ClientConfig) error {
	if len(cfg.ExtraConfig) == 0 {
		return fmt.Errorf("webrtc: extra_config with a non-empty ice_servers list is required")
	}
	var ec extraConfig
	if err := json.Unmarshal(cfg.ExtraConfig, &ec); err != nil {
		return fmt.Errorf("webrtc: invalid extra_config: %w", err)
	}
	if len(ec.ICEServers) == 0 {
		return fmt.Errorf("webrtc: extra_config.ice_servers must be non-empty")
	}
	return nil
}

// signalerKey is the context key under which WithSignaler stores a
// signaled remote SessionDescription; Dial type-asserts for it on the
// context to avoid baking a specific signaling transport into this
// plugin.
type signalerKey struct{}

// WithSignaler attaches a remote offer SDP to ctx for Dial to consume.
func WithSignaler(ctx context.Context, remoteOffer webrtc.SessionDescription) context.Context {
	return context.WithValue(ctx, signalerKey{}, remoteOffer)
}

func (Plugin) Dial(ctx context.Context, cfg transport.ClientConfig) (transport.PipelineClient, error) {
	urls := []string{cfg.Endpoint}
	var ec extraConfig
	if len(cfg.ExtraConfig) > 0 && json.Unmarshal(cfg.ExtraConfig, &ec) == nil && len(ec.ICEServers) > 0 {
		urls = ec.ICEServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	})
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "create webrtc peer connection")
	}

	dc, err := pc.CreateDataChannel("flowcore-envelopes", nil)
	if err != nil {
		pc.Close()
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "create webrtc data channel")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "create webrtc offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "set webrtc local description")
	}

	if remoteOffer, ok := ctx.Value(signalerKey{}).(webrtc.SessionDescription); ok {
		if err := pc.SetRemoteDescription(remoteOffer); err != nil {
			pc.Close()
			return nil, flowerr.Wrap(flowerr.KindTransport, err, "set webrtc remote description")
		}
	}

	c := &client{pc: pc, dc: dc, recvCh: make(chan *domain.Envelope, 64), errCh: make(chan error, 1)}
	dc.OnMessage(c.onMessage)
	return c, nil
}

type client struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu     sync.Mutex
	pending map[string]chan *domain.InvokeResponse

	recvCh chan *domain.Envelope
	errCh  chan error
}

type wireMessage struct {
	RequestID string                  `json:"request_id"`
	Envelope  *domain.Envelope        `json:"envelope,omitempty"`
	Response  *domain.InvokeResponse  `json:"response,omitempty"`
}

func (c *client) onMessage(msg webrtc.DataChannelMessage) {
	var wm wireMessage
	if err := json.Unmarshal(msg.Data, &wm); err != nil {
		select {
		case c.errCh <- err:
		default:
		}
		return
	}
	if wm.Response != nil {
		c.mu.Lock()
		ch, ok := c.pending[wm.Response.RequestID]
		if ok {
			delete(c.pending, wm.Response.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- wm.Response
		}
		return
	}
	if wm.Envelope != nil {
		c.recvCh <- wm.Envelope
	}
}

func (c *client) Invoke(ctx context.Context, nodeType string, in *domain.Envelope) (*domain.InvokeResponse, error) {
	reply := make(chan *domain.InvokeResponse, 1)
	reqID := nodeType + ":" + in.SessionID
	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(map[string]chan *domain.InvokeResponse)
	}
	c.pending[reqID] = reply
	c.mu.Unlock()

	data, err := json.Marshal(wireMessage{RequestID: reqID, Envelope: in})
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "marshal webrtc message")
	}
	if err := c.dc.Send(data); err != nil {
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "webrtc data channel send").WithRetryable(true)
	}

	select {
	case resp := <-reply:
		return resp, nil
	case err := <-c.errCh:
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "webrtc receive")
	case <-ctx.Done():
		return nil, flowerr.Wrap(flowerr.KindTimeout, ctx.Err(), "webrtc invoke "+nodeType).WithPeerNode(nodeType)
	}
}

func (c *client) OpenStream(ctx context.Context) (transport.StreamSession, error) {
	return &streamSession{client: c}, nil
}

type streamSession struct {
	client *client
}

func (s *streamSession) Send(ctx context.Context, env *domain.Envelope) error {
	data, err := json.Marshal(wireMessage{Envelope: env})
	if err != nil {
		return flowerr.Wrap(flowerr.KindTransport, err, "marshal webrtc stream envelope")
	}
	if err := s.client.dc.Send(data); err != nil {
		return flowerr.Wrap(flowerr.KindTransport, err, "webrtc stream send").WithRetryable(true)
	}
	return nil
}

func (s *streamSession) Recv(ctx context.Context) (*domain.Envelope, error) {
	select {
	case env := <-s.client.recvCh:
		return env, nil
	case err := <-s.client.errCh:
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "webrtc stream recv")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *streamSession) Close() error { return nil }

// HealthCheck reports the underlying PeerConnection's ICE/connection
// state without sending any application-level message: Connected is
// healthy, anything else (New, Connecting, Disconnected, Failed,
// Closed) is reported unhealthy with the state name as the reason.
func (c *client) HealthCheck(ctx context.Context) (transport.HealthStatus, error) {
	switch st := c.pc.ConnectionState(); st {
	case webrtc.PeerConnectionStateConnected:
		return transport.HealthStatus{Healthy: true}, nil
	default:
		return transport.HealthStatus{Healthy: false, Reason: st.String()}, nil
	}
}

func (c *client) Close() error {
	if c.dc != nil {
		c.dc.Close()
	}
	return c.pc.Close()
}
