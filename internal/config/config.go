// Package config defines the runtime's configuration surface: plain
// structs with json tags and environment-variable overrides. Loading
// these structs from a config *file* is left to the embedding
// application — this package only defines and defaults them.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// WorkerConfig holds out-of-process script-worker session settings
// (internal/worker.SessionConfig plus the shared-memory channel sizing
// every scriptworker.Executor.Initialize needs).
type WorkerConfig struct {
	InitTimeout   time.Duration `json:"init_timeout"`    // max wait for all workers to report Ready (default: 10s)
	StopGrace     time.Duration `json:"stop_grace"`      // SIGTERM-to-SIGKILL grace period (default: 5s)
	MaxWorkers    int           `json:"max_workers"`     // 0 = unlimited
	ChannelSlots  int           `json:"channel_slots"`   // shm ring slot count per channel (default: 16)
	SlotPayloadKB int           `json:"slot_payload_kb"` // shm slot payload size in KB (default: 256)
}

// SchedulerConfig holds pipeline-graph scheduling settings.
type SchedulerConfig struct {
	BufferSize         int `json:"buffer_size"`          // per-edge channel capacity (default: 4)
	MaxConcurrentNodes int `json:"max_concurrent_nodes"` // 0 = one goroutine slot per node
}

// RetryConfig holds the exponential-backoff retry settings applied to
// node execution and remote transport calls.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"` // default: 3
	InitialWait time.Duration `json:"initial_wait"` // default: 100ms
	MaxWait     time.Duration `json:"max_wait"`     // default: 5s
	Multiplier  float64       `json:"multiplier"`   // default: 2.0
	Jitter      float64       `json:"jitter"`       // default: 0.2
}

// CircuitBreakerConfig holds per-remote-endpoint circuit breaker settings.
type CircuitBreakerConfig struct {
	ErrorPct       float64       `json:"error_pct"`        // trip threshold, 0-100 (default: 50)
	WindowDuration time.Duration `json:"window_duration"`  // sliding error-rate window (default: 30s)
	OpenDuration   time.Duration `json:"open_duration"`    // time spent open before half-open (default: 15s)
	HalfOpenProbes int           `json:"half_open_probes"` // probes allowed in half-open (default: 1)
}

// TransportConfig holds settings for the remote-node transport plugins.
type TransportConfig struct {
	DefaultPlugin string        `json:"default_plugin"` // grpc, http, webrtc
	DialTimeout   time.Duration `json:"dial_timeout"`   // default: 5s
	CallTimeout   time.Duration `json:"call_timeout"`   // default: 30s
	Insecure      bool          `json:"insecure"`       // skip TLS verification (dev only)
	AuthToken     string        `json:"auth_token" sensitive:"true"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr"`
	LogLevel string `json:"log_level"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`      // Default: false
	Exporter    string  `json:"exporter"`     // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // flowcore
	SampleRate  float64 `json:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`           // Default: true
	Namespace        string    `json:"namespace"`         // flowcore
	HistogramBuckets []float64 `json:"histogram_buckets"` // Latency buckets in ms
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level"`            // debug, info, warn, error
	Format         string `json:"format"`           // text, json
	IncludeTraceID bool   `json:"include_trace_id"` // Correlate with traces
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// ManifestConfig holds manifest parsing/validation settings.
type ManifestConfig struct {
	EnvSubstitution bool `json:"env_substitution"` // Default: true, enables ${VAR} expansion
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Worker         WorkerConfig         `json:"worker"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Transport      TransportConfig      `json:"transport"`
	Daemon         DaemonConfig         `json:"daemon"`
	Observability  ObservabilityConfig  `json:"observability"`
	Manifest       ManifestConfig       `json:"manifest"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			InitTimeout:   10 * time.Second,
			StopGrace:     5 * time.Second,
			MaxWorkers:    0,
			ChannelSlots:  16,
			SlotPayloadKB: 256,
		},
		Scheduler: SchedulerConfig{
			BufferSize:         4,
			MaxConcurrentNodes: 0,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			InitialWait: 100 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
		},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorPct:       50,
			WindowDuration: 30 * time.Second,
			OpenDuration:   15 * time.Second,
			HalfOpenProbes: 1,
		},
		Transport: TransportConfig{
			DefaultPlugin: "grpc",
			DialTimeout:   5 * time.Second,
			CallTimeout:   30 * time.Second,
		},
		Daemon: DaemonConfig{
			HTTPAddr: "",
			LogLevel: "info",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "flowcore",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "flowcore",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
		Manifest: ManifestConfig{
			EnvSubstitution: true,
		},
	}
}

// LoadFromFile loads configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FLOWCORE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("FLOWCORE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	// Worker overrides
	if v := os.Getenv("FLOWCORE_WORKER_INIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.InitTimeout = d
		}
	}
	if v := os.Getenv("FLOWCORE_WORKER_STOP_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.StopGrace = d
		}
	}
	if v := os.Getenv("FLOWCORE_WORKER_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxWorkers = n
		}
	}
	if v := os.Getenv("FLOWCORE_WORKER_CHANNEL_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.ChannelSlots = n
		}
	}
	if v := os.Getenv("FLOWCORE_WORKER_SLOT_PAYLOAD_KB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.SlotPayloadKB = n
		}
	}

	// Scheduler overrides
	if v := os.Getenv("FLOWCORE_SCHEDULER_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.BufferSize = n
		}
	}
	if v := os.Getenv("FLOWCORE_SCHEDULER_MAX_CONCURRENT_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxConcurrentNodes = n
		}
	}

	// Retry overrides
	if v := os.Getenv("FLOWCORE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("FLOWCORE_RETRY_INITIAL_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.InitialWait = d
		}
	}
	if v := os.Getenv("FLOWCORE_RETRY_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MaxWait = d
		}
	}
	if v := os.Getenv("FLOWCORE_RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retry.Multiplier = f
		}
	}
	if v := os.Getenv("FLOWCORE_RETRY_JITTER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retry.Jitter = f
		}
	}

	// Circuit breaker overrides
	if v := os.Getenv("FLOWCORE_BREAKER_ERROR_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CircuitBreaker.ErrorPct = f
		}
	}
	if v := os.Getenv("FLOWCORE_BREAKER_WINDOW_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CircuitBreaker.WindowDuration = d
		}
	}
	if v := os.Getenv("FLOWCORE_BREAKER_OPEN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CircuitBreaker.OpenDuration = d
		}
	}
	if v := os.Getenv("FLOWCORE_BREAKER_HALF_OPEN_PROBES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreaker.HalfOpenProbes = n
		}
	}

	// Transport overrides
	if v := os.Getenv("FLOWCORE_TRANSPORT_DEFAULT_PLUGIN"); v != "" {
		cfg.Transport.DefaultPlugin = v
	}
	if v := os.Getenv("FLOWCORE_TRANSPORT_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.DialTimeout = d
		}
	}
	if v := os.Getenv("FLOWCORE_TRANSPORT_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.CallTimeout = d
		}
	}
	if v := os.Getenv("FLOWCORE_TRANSPORT_INSECURE"); v != "" {
		cfg.Transport.Insecure = parseBool(v)
	}
	if v := os.Getenv("FLOWCORE_TRANSPORT_AUTH_TOKEN"); v != "" {
		cfg.Transport.AuthToken = v
	}

	// Observability overrides
	if v := os.Getenv("FLOWCORE_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLOWCORE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("FLOWCORE_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("FLOWCORE_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("FLOWCORE_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("FLOWCORE_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLOWCORE_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("FLOWCORE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("FLOWCORE_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}

	// Manifest overrides
	if v := os.Getenv("FLOWCORE_MANIFEST_ENV_SUBSTITUTION"); v != "" {
		cfg.Manifest.EnvSubstitution = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
