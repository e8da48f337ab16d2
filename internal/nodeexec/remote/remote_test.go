package remote

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/flowcore/runtime/internal/circuitbreaker"
	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/transport"
)

// fakeClient lets a test script a fixed sequence of outcomes per
// endpoint: e.g. E1 fails twice then succeeds, E2 always succeeds.
type fakeClient struct {
	endpoint string
	calls    *atomic.Int32
	outcomes []error // per-call outcome, repeats the last entry once exhausted
}

func (c *fakeClient) Invoke(ctx context.Context, nodeType string, in *domain.Envelope) (*domain.InvokeResponse, error) {
	n := int(c.calls.Add(1)) - 1
	var err error
	if n < len(c.outcomes) {
		err = c.outcomes[n]
	} else {
		err = c.outcomes[len(c.outcomes)-1]
	}
	if err != nil {
		return nil, err
	}
	return &domain.InvokeResponse{Output: json.RawMessage(`"ok"`)}, nil
}

func (c *fakeClient) OpenStream(ctx context.Context) (transport.StreamSession, error) { return nil, nil }
func (c *fakeClient) HealthCheck(ctx context.Context) (transport.HealthStatus, error) {
	return transport.HealthStatus{Healthy: true}, nil
}
func (c *fakeClient) Close() error { return nil }

type fakePlugin struct {
	name    string
	clients map[string]*fakeClient
}

func (p *fakePlugin) Name() string                                      { return p.name }
func (p *fakePlugin) ValidateConfig(cfg transport.ClientConfig) error { return nil }
func (p *fakePlugin) Dial(ctx context.Context, cfg transport.ClientConfig) (transport.PipelineClient, error) {
	return p.clients[cfg.Endpoint], nil
}

func unavailable() error {
	return flowerr.New(flowerr.KindTransport, "unavailable").WithRetryable(true)
}

// TestFailoverAfterRetryBudgetExhausted: E1
// returns Unavailable twice then would succeed, but with MaxAttempts=1
// (no retry budget) Execute must fail over to E2 on the first failure
// and the overall call must still succeed.
func TestFailoverAfterRetryBudgetExhausted(t *testing.T) {
	e1Calls := &atomic.Int32{}
	e2Calls := &atomic.Int32{}
	plugin := &fakePlugin{
		name: "fake-remote-failover",
		clients: map[string]*fakeClient{
			"e1": {endpoint: "e1", calls: e1Calls, outcomes: []error{unavailable(), unavailable(), nil}},
			"e2": {endpoint: "e2", calls: e2Calls, outcomes: []error{nil}},
		},
	}
	transport.Register(plugin)

	params := `{
		"transport":"fake-remote-failover",
		"endpoints":["e1","e2"],
		"manifest_source":{"type":"name","name":"x"},
		"retry":{"max_attempts":1},
		"circuit_breaker":{"failure_threshold":5,"reset_timeout_ms":60000},
		"load_balance":"round_robin"
	}`

	exec := New("RemotePipeline", circuitbreaker.NewRegistry())
	if err := exec.Initialize(context.Background(), json.RawMessage(params)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	seq, err := exec.Execute(context.Background(), &domain.Envelope{Kind: domain.KindJSON})
	if err != nil {
		t.Fatalf("expected overall success via failover, got %v", err)
	}
	env, ok, err := seq.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected one output envelope, err=%v ok=%v", err, ok)
	}
	if env == nil {
		t.Fatal("expected non-nil envelope")
	}

	if e1Calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call to e1 before failover (no retry budget), got %d", e1Calls.Load())
	}
	if e2Calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call to e2, got %d", e2Calls.Load())
	}
}

// TestBreakerStaysClosedBelowThreshold: the breaker for an endpoint that
// failed fewer times than its threshold must remain usable (closed).
func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	e1Calls := &atomic.Int32{}
	plugin := &fakePlugin{
		name: "fake-remote-breaker",
		clients: map[string]*fakeClient{
			"e1": {endpoint: "e1", calls: e1Calls, outcomes: []error{unavailable()}},
		},
	}
	transport.Register(plugin)

	params := `{
		"transport":"fake-remote-breaker",
		"endpoints":["e1"],
		"manifest_source":{"type":"name","name":"x"},
		"retry":{"max_attempts":1},
		"circuit_breaker":{"failure_threshold":90,"reset_timeout_ms":60000}
	}`

	breakers := circuitbreaker.NewRegistry()
	exec := New("RemotePipeline", breakers)
	if err := exec.Initialize(context.Background(), json.RawMessage(params)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := exec.Execute(context.Background(), &domain.Envelope{}); err == nil {
		t.Fatal("expected AllEndpointsFailed with a single always-failing endpoint")
	}

	snap := breakers.Snapshot()
	if snap["e1"] != "closed" {
		t.Fatalf("expected breaker to remain closed below its failure threshold, got %q", snap["e1"])
	}
}

func TestAllEndpointsFailedReturnsTerminalError(t *testing.T) {
	e1Calls := &atomic.Int32{}
	e2Calls := &atomic.Int32{}
	plugin := &fakePlugin{
		name: "fake-remote-allfail",
		clients: map[string]*fakeClient{
			"e1": {endpoint: "e1", calls: e1Calls, outcomes: []error{unavailable()}},
			"e2": {endpoint: "e2", calls: e2Calls, outcomes: []error{unavailable()}},
		},
	}
	transport.Register(plugin)

	params := `{
		"transport":"fake-remote-allfail",
		"endpoints":["e1","e2"],
		"manifest_source":{"type":"name","name":"x"},
		"retry":{"max_attempts":1}
	}`

	exec := New("RemotePipeline", circuitbreaker.NewRegistry())
	if err := exec.Initialize(context.Background(), json.RawMessage(params)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := exec.Execute(context.Background(), &domain.Envelope{})
	if err == nil {
		t.Fatal("expected error when every endpoint fails")
	}
	kind, ok := flowerr.KindOf(err)
	if !ok || kind != flowerr.KindAllEndpointsFail {
		t.Fatalf("expected KindAllEndpointsFail, got %v (ok=%v)", kind, ok)
	}
}

func TestInitializeRejectsEmptyEndpoints(t *testing.T) {
	exec := New("RemotePipeline", circuitbreaker.NewRegistry())
	params := `{"transport":"grpc","endpoints":[],"manifest_source":{"type":"name","name":"x"}}`
	if err := exec.Initialize(context.Background(), json.RawMessage(params)); err == nil {
		t.Fatal("expected error for zero endpoints")
	}
}

func TestInitializeRejectsUnknownTransport(t *testing.T) {
	exec := New("RemotePipeline", circuitbreaker.NewRegistry())
	params := `{"transport":"no-such-transport","endpoints":["x"],"manifest_source":{"type":"name","name":"x"}}`
	if err := exec.Initialize(context.Background(), json.RawMessage(params)); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}
