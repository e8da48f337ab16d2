package webrtcplugin

import (
	"context"
	"testing"
	"time"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/transport"
)

func TestPluginName(t *testing.T) {
	if (Plugin{}).Name() != "webrtc" {
		t.Fatalf("expected plugin name %q, got %q", "webrtc", (Plugin{}).Name())
	}
}

func TestDialCreatesPeerConnectionAndDataChannel(t *testing.T) {
	plugin := Plugin{}
	c, err := plugin.Dial(context.Background(), transport.ClientConfig{Endpoint: "stun:stun.l.google.com:19302"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.OpenStream(context.Background()); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
}

func TestValidateConfigRequiresNonEmptyICEServers(t *testing.T) {
	plugin := Plugin{}
	if err := plugin.ValidateConfig(transport.ClientConfig{}); err == nil {
		t.Fatal("expected an error for missing extra_config")
	}
	if err := plugin.ValidateConfig(transport.ClientConfig{ExtraConfig: []byte(`{"ice_servers":[]}`)}); err == nil {
		t.Fatal("expected an error for an empty ice_servers list")
	}
	if err := plugin.ValidateConfig(transport.ClientConfig{ExtraConfig: []byte(`{"ice_servers":["stun:stun.l.google.com:19302"]}`)}); err != nil {
		t.Fatalf("expected no error for a non-empty ice_servers list, got %v", err)
	}
}

func TestHealthCheckReportsUnhealthyBeforeConnection(t *testing.T) {
	plugin := Plugin{}
	c, err := plugin.Dial(context.Background(), transport.ClientConfig{Endpoint: "stun:stun.l.google.com:19302"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	status, err := c.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if status.Healthy {
		t.Fatal("expected unhealthy status before any ICE connection completes")
	}
	if status.Reason == "" {
		t.Fatal("expected a non-empty reason for an unhealthy report")
	}
}

// TestInvokeTimesOutWithoutAnEstablishedPeer checks that Invoke fails
// rather than hanging when no remote peer ever answers: the data
// channel never opens, so the send on it fails, and ctx bounds the
// wait in any case.
func TestInvokeTimesOutWithoutAnEstablishedPeer(t *testing.T) {
	plugin := Plugin{}
	c, err := plugin.Dial(context.Background(), transport.ClientConfig{Endpoint: "stun:stun.l.google.com:19302"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := c.Invoke(ctx, "Multiply", &domain.Envelope{SessionID: "sess-1"}); err == nil {
		t.Fatal("expected Invoke to fail without a connected peer")
	}
}
