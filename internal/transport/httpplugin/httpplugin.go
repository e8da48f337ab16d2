// Package httpplugin implements the built-in "http" transport.Plugin: a
// plain JSON-over-HTTP client for endpoints that don't speak gRPC,
// using the same transport.PipelineClient shape as grpcplugin but over
// net/http.
package httpplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/transport"
)

func init() {
	transport.Register(Plugin{})
}

// Plugin implements transport.Plugin over HTTP POST /invoke.
type Plugin struct{}

func (Plugin) Name() string { return "http" }

// ValidateConfig enforces spec's "HTTP timeouts are positive integers":
// a configured Timeout must not be negative. Zero means "no client
// timeout" and is allowed.
func (Plugin) ValidateConfig(cfg transport.ClientConfig) error {
	if cfg.Timeout < 0 {
		return fmt.Errorf("http: timeout must be a positive duration, got %s", cfg.Timeout)
	}
	return nil
}

func (Plugin) Dial(ctx context.Context, cfg transport.ClientConfig) (transport.PipelineClient, error) {
	hc := &http.Client{Timeout: cfg.Timeout}
	return &client{hc: hc, cfg: cfg}, nil
}

type client struct {
	hc  *http.Client
	cfg transport.ClientConfig
}

type wireRequest struct {
	NodeType string           `json:"node_type"`
	Envelope *domain.Envelope `json:"envelope"`
}

func (c *client) Invoke(ctx context.Context, nodeType string, in *domain.Envelope) (*domain.InvokeResponse, error) {
	body, err := json.Marshal(wireRequest{NodeType: nodeType, Envelope: in})
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "marshal http invoke request")
	}

	url := c.cfg.Endpoint + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "build http invoke request")
	}
	req.Header.Set("content-type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "http invoke "+nodeType).
			WithPeerNode(nodeType).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, flowerr.New(flowerr.KindTransport, fmt.Sprintf("http invoke %s: status %d", nodeType, resp.StatusCode)).
			WithPeerNode(nodeType).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		return nil, flowerr.New(flowerr.KindTransport, fmt.Sprintf("http invoke %s: status %d", nodeType, resp.StatusCode)).
			WithPeerNode(nodeType).WithRetryable(false)
	}

	var out domain.InvokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, flowerr.Wrap(flowerr.KindTransport, err, "decode http invoke response")
	}
	return &out, nil
}

// OpenStream is not supported over plain request/response HTTP; a node
// that needs a multi-envelope session should use the grpc or webrtc
// transport instead.
func (c *client) OpenStream(ctx context.Context) (transport.StreamSession, error) {
	return nil, flowerr.New(flowerr.KindTransport, "http transport does not support streaming sessions").WithRetryable(false)
}

// HealthCheck issues a GET against the peer's /health route, the
// counterpart to the route NewServer registers.
func (c *client) HealthCheck(ctx context.Context) (transport.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/health", nil)
	if err != nil {
		return transport.HealthStatus{}, flowerr.Wrap(flowerr.KindTransport, err, "build health check request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return transport.HealthStatus{Healthy: false, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return transport.HealthStatus{Healthy: false, Reason: fmt.Sprintf("status %d", resp.StatusCode)}, nil
	}
	return transport.HealthStatus{Healthy: true}, nil
}

func (c *client) Close() error { return nil }
