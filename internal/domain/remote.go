package domain

import "encoding/json"

// LoadBalancePolicy selects among a RemotePipeline node's endpoints.
type LoadBalancePolicy string

const (
	LBRoundRobin       LoadBalancePolicy = "round_robin"
	LBLeastConnections LoadBalancePolicy = "least_connections"
	LBRandom           LoadBalancePolicy = "random"
)

// ManifestSourceType discriminates RemoteParams.ManifestSource.
type ManifestSourceType string

const (
	ManifestSourceInline ManifestSourceType = "inline"
	ManifestSourceURL    ManifestSourceType = "url"
	ManifestSourceName   ManifestSourceType = "name"
)

// ManifestSource is the tagged union describing where a remote node's
// sub-pipeline manifest comes from.
type ManifestSource struct {
	Type     ManifestSourceType `json:"type"`
	Manifest string             `json:"manifest,omitempty"`   // inline
	URL      string             `json:"url,omitempty"`        // url
	AuthHdr  string             `json:"auth_header,omitempty"`// url
	Name     string             `json:"name,omitempty"`       // name
}

// RetryParams is the per-node retry policy override.
type RetryParams struct {
	MaxAttempts      int     `json:"max_attempts,omitempty"`
	InitialBackoffMs int     `json:"initial_backoff_ms,omitempty"`
	MaxBackoffMs     int     `json:"max_backoff_ms,omitempty"`
	Multiplier       float64 `json:"multiplier,omitempty"`
}

// CircuitBreakerParams is the per-node circuit breaker policy override.
type CircuitBreakerParams struct {
	FailureThreshold int `json:"failure_threshold,omitempty"`
	ResetTimeoutMs   int `json:"reset_timeout_ms,omitempty"`
}

// RemoteParams is the params schema for a node_type == "RemotePipeline".
type RemoteParams struct {
	Transport              string                `json:"transport"`
	Endpoints              []string              `json:"endpoints"`
	ManifestSource         ManifestSource        `json:"manifest_source"`
	TimeoutMs              int                   `json:"timeout_ms,omitempty"`
	Retry                  *RetryParams          `json:"retry,omitempty"`
	CircuitBreaker         *CircuitBreakerParams `json:"circuit_breaker,omitempty"`
	LoadBalance            LoadBalancePolicy     `json:"load_balance,omitempty"`
	HealthCheckIntervalSec int                   `json:"health_check_interval_secs,omitempty"`
	AuthToken              string                `json:"auth_token,omitempty"`
	ExtraConfig            json.RawMessage       `json:"extra_config,omitempty"`
}

// ParseRemoteParams decodes a NodeDefinition's opaque Params into
// RemoteParams, applying the documented defaults.
func ParseRemoteParams(raw json.RawMessage) (*RemoteParams, error) {
	var rp RemoteParams
	if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, err
	}
	if rp.TimeoutMs == 0 {
		rp.TimeoutMs = 30000
	}
	if rp.LoadBalance == "" {
		rp.LoadBalance = LBRoundRobin
	}
	return &rp, nil
}

// InvokeResponse is the result of a node or sub-pipeline invocation
// surfaced back to the caller.
type InvokeResponse struct {
	RequestID  string          `json:"request_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}
