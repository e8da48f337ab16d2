// Package remote implements the RemoteExecutor NodeExecutor variant:
// delegates node execution to a peer runtime over a
// pluggable internal/transport.Plugin, with retry, per-endpoint circuit
// breaking, round-robin/least-connections/random load balancing across
// RemoteParams.Endpoints, and a background health-check loop that feeds
// each endpoint's circuit breaker independently of call traffic.
package remote

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/flowcore/runtime/internal/circuitbreaker"
	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/logging"
	"github.com/flowcore/runtime/internal/nodeexec"
	"github.com/flowcore/runtime/internal/retry"
	"github.com/flowcore/runtime/internal/transport"
)

// Executor drives a transport.PipelineClient per endpoint behind a
// shared circuit breaker registry, failing over to the next endpoint
// until it raises an all-endpoints-failed terminal error.
type Executor struct {
	nodeType string
	params   *domain.RemoteParams
	breakers *circuitbreaker.Registry
	plugin   transport.Plugin

	mu        sync.Mutex
	clients   map[string]transport.PipelineClient
	rrCounter int
	conns     map[string]int // least-connections in-flight count per endpoint

	healthStop chan struct{}
	healthDone chan struct{}
}

// New constructs a remote Executor sharing breakers (one per endpoint,
// persisted across node instances so the trip state outlives any single
// node's lifecycle within a session).
func New(nodeType string, breakers *circuitbreaker.Registry) *Executor {
	return &Executor{nodeType: nodeType, breakers: breakers, clients: make(map[string]transport.PipelineClient), conns: make(map[string]int)}
}

func (e *Executor) Initialize(ctx context.Context, rawParams json.RawMessage) error {
	rp, err := domain.ParseRemoteParams(rawParams)
	if err != nil {
		return flowerr.Wrap(flowerr.KindNodeInit, err, "bad remote params").WithNode(e.nodeType)
	}
	if len(rp.Endpoints) == 0 {
		return flowerr.New(flowerr.KindNodeInit, "remote node requires at least one endpoint").WithNode(e.nodeType)
	}

	plugin, err := transport.Lookup(rp.Transport)
	if err != nil {
		return err
	}
	e.plugin = plugin
	e.params = rp

	for _, endpoint := range rp.Endpoints {
		cfg := transport.ClientConfig{
			Endpoint:    endpoint,
			Timeout:     time.Duration(rp.TimeoutMs) * time.Millisecond,
			AuthToken:   rp.AuthToken,
			ExtraConfig: rp.ExtraConfig,
		}
		if err := plugin.ValidateConfig(cfg); err != nil {
			return flowerr.Wrap(flowerr.KindConfig, err, "invalid config for endpoint "+endpoint).WithNode(e.nodeType)
		}
		client, err := plugin.Dial(ctx, cfg)
		if err != nil {
			return flowerr.Wrap(flowerr.KindTransport, err, "dial remote endpoint "+endpoint).WithNode(e.nodeType)
		}
		e.clients[endpoint] = client
	}

	if rp.HealthCheckIntervalSec > 0 {
		e.healthStop = make(chan struct{})
		e.healthDone = make(chan struct{})
		go e.runHealthChecks(time.Duration(rp.HealthCheckIntervalSec) * time.Second)
	}
	return nil
}

// runHealthChecks periodically calls HealthCheck on every endpoint's
// client and feeds the outcome into that endpoint's breaker, so a
// degraded endpoint is detected even if no pipeline traffic happens to
// route to it between calls. Stops when healthStop is closed by Cleanup.
func (e *Executor) runHealthChecks(interval time.Duration) {
	defer close(e.healthDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.healthStop:
			return
		case <-ticker.C:
			e.checkEndpointHealth()
		}
	}
}

func (e *Executor) checkEndpointHealth() {
	cfg := e.breakerConfig()
	for endpoint, client := range e.clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		status, err := client.HealthCheck(ctx)
		cancel()

		breaker := e.breakers.Get(endpoint, cfg)
		if err != nil || !status.Healthy {
			logging.Op().Warn("remote endpoint health check failed", "node_id", e.nodeType, "endpoint", endpoint, "reason", status.Reason, "error", err)
			if breaker != nil {
				breaker.RecordFailure()
			}
			continue
		}
		if breaker != nil {
			breaker.RecordSuccess()
		}
	}
}

// breakerConfig translates the manifest's count-based
// CircuitBreakerParams.FailureThreshold ("after N consecutive failures
// the breaker opens") into the sliding-window breaker's
// percentage model: ErrorPct pinned at 100 (trip only once every sample
// in the window is a failure) gated by MinSamples=FailureThreshold, so
// the breaker never opens on fewer than N observed failures.
func (e *Executor) breakerConfig() circuitbreaker.Config {
	if e.params.CircuitBreaker == nil {
		return circuitbreaker.Config{}
	}
	cb := e.params.CircuitBreaker
	return circuitbreaker.Config{
		ErrorPct:       100,
		MinSamples:     cb.FailureThreshold,
		WindowDuration: 30 * time.Second,
		OpenDuration:   time.Duration(cb.ResetTimeoutMs) * time.Millisecond,
		HalfOpenProbes: 1,
	}
}

func (e *Executor) retryPolicy() retry.Policy {
	if e.params.Retry == nil {
		return retry.Policy{MaxAttempts: 1}
	}
	r := e.params.Retry
	return retry.Policy{
		MaxAttempts: max(r.MaxAttempts, 1),
		InitialWait: time.Duration(r.InitialBackoffMs) * time.Millisecond,
		MaxWait:     time.Duration(r.MaxBackoffMs) * time.Millisecond,
		Multiplier:  orDefault(r.Multiplier, 2.0),
		Jitter:      0.2,
	}
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// Execute selects an endpoint by the configured load-balance policy,
// skipping endpoints whose breaker is open, retries per-endpoint per the
// node's retry policy, and fails over to the next endpoint when an
// endpoint's attempts are exhausted. Returns KindAllEndpointsFail if
// every endpoint fails.
func (e *Executor) Execute(ctx context.Context, in *domain.Envelope) (nodeexec.Sequence, error) {
	order := e.endpointOrder()
	cfg := e.breakerConfig()
	pol := e.retryPolicy()

	var lastErr error
	for _, endpoint := range order {
		breaker := e.breakers.Get(endpoint, cfg)
		if breaker != nil && !breaker.Allow() {
			lastErr = flowerr.New(flowerr.KindCircuitOpen, "circuit open for "+endpoint).WithPeerNode(e.nodeType)
			continue
		}

		e.trackStart(endpoint)
		var resp *domain.InvokeResponse
		err := retry.Do(ctx, pol, func(ctx context.Context) error {
			var callErr error
			resp, callErr = e.clients[endpoint].Invoke(ctx, e.nodeType, in)
			return callErr
		})
		e.trackEnd(endpoint)

		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nodeexec.NewSliceSequence(responseToEnvelope(in, resp)), nil
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		lastErr = err
	}

	return nil, flowerr.Wrap(flowerr.KindAllEndpointsFail, lastErr, "all remote endpoints failed").WithNode(e.nodeType)
}

func responseToEnvelope(template *domain.Envelope, resp *domain.InvokeResponse) *domain.Envelope {
	out := template.Clone()
	if resp != nil && resp.Output != nil {
		out.Payload = resp.Output
	}
	return out
}

func (e *Executor) trackStart(endpoint string) {
	e.mu.Lock()
	e.conns[endpoint]++
	e.mu.Unlock()
}

func (e *Executor) trackEnd(endpoint string) {
	e.mu.Lock()
	e.conns[endpoint]--
	e.mu.Unlock()
}

// endpointOrder returns the endpoints in the order Execute should try
// them, per the node's LoadBalancePolicy.
func (e *Executor) endpointOrder() []string {
	endpoints := e.params.Endpoints
	ordered := make([]string, len(endpoints))
	copy(ordered, endpoints)

	switch e.params.LoadBalance {
	case domain.LBRandom:
		rand.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	case domain.LBLeastConnections:
		e.mu.Lock()
		conns := make(map[string]int, len(e.conns))
		for k, v := range e.conns {
			conns[k] = v
		}
		e.mu.Unlock()
		sortByConnCount(ordered, conns)
	default: // LBRoundRobin
		e.mu.Lock()
		start := e.rrCounter % len(ordered)
		e.rrCounter++
		e.mu.Unlock()
		ordered = append(ordered[start:], ordered[:start]...)
	}
	return ordered
}

func sortByConnCount(endpoints []string, conns map[string]int) {
	for i := 1; i < len(endpoints); i++ {
		for j := i; j > 0 && conns[endpoints[j]] < conns[endpoints[j-1]]; j-- {
			endpoints[j], endpoints[j-1] = endpoints[j-1], endpoints[j]
		}
	}
}

func (e *Executor) Cleanup(ctx context.Context) error {
	if e.healthStop != nil {
		close(e.healthStop)
		<-e.healthDone
	}

	var firstErr error
	for _, c := range e.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Executor) Metadata() nodeexec.Metadata {
	return nodeexec.Metadata{Type: e.nodeType, Version: "1", Capabilities: []string{"remote", e.params.Transport}}
}
