package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsInternallyConsistent(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Worker.InitTimeout != 10*time.Second {
		t.Fatalf("expected default worker init timeout 10s, got %v", cfg.Worker.InitTimeout)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default retry max attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.CircuitBreaker.ErrorPct != 50 {
		t.Fatalf("expected default breaker error pct 50, got %v", cfg.CircuitBreaker.ErrorPct)
	}
	if !cfg.Observability.Metrics.Enabled {
		t.Fatal("expected metrics enabled by default")
	}
	if !cfg.Manifest.EnvSubstitution {
		t.Fatal("expected env substitution enabled by default")
	}
}

func TestLoadFromFileOverridesOnlyProvidedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	partial := `{"daemon":{"http_addr":":9090"},"retry":{"max_attempts":7}}`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Daemon.HTTPAddr != ":9090" {
		t.Fatalf("expected overridden http addr, got %q", cfg.Daemon.HTTPAddr)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Fatalf("expected overridden max attempts 7, got %d", cfg.Retry.MaxAttempts)
	}
	// Fields absent from the file must retain DefaultConfig's values.
	if cfg.Worker.InitTimeout != 10*time.Second {
		t.Fatalf("expected untouched default worker init timeout, got %v", cfg.Worker.InitTimeout)
	}
	if cfg.CircuitBreaker.ErrorPct != 50 {
		t.Fatalf("expected untouched default breaker error pct, got %v", cfg.CircuitBreaker.ErrorPct)
	}
}

func TestLoadFromFileMissingPathFails(t *testing.T) {
	if _, err := LoadFromFile("/no/such/config.json"); err == nil {
		t.Fatal("expected error for a nonexistent config file")
	}
}

func TestLoadFromFileRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for malformed config JSON")
	}
}

func TestLoadFromEnvOverridesWorkerAndRetry(t *testing.T) {
	t.Setenv("FLOWCORE_WORKER_INIT_TIMEOUT", "20s")
	t.Setenv("FLOWCORE_WORKER_MAX_WORKERS", "4")
	t.Setenv("FLOWCORE_RETRY_MAX_ATTEMPTS", "9")
	t.Setenv("FLOWCORE_RETRY_MULTIPLIER", "1.5")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Worker.InitTimeout != 20*time.Second {
		t.Fatalf("expected init timeout overridden to 20s, got %v", cfg.Worker.InitTimeout)
	}
	if cfg.Worker.MaxWorkers != 4 {
		t.Fatalf("expected max workers overridden to 4, got %d", cfg.Worker.MaxWorkers)
	}
	if cfg.Retry.MaxAttempts != 9 {
		t.Fatalf("expected max attempts overridden to 9, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Multiplier != 1.5 {
		t.Fatalf("expected multiplier overridden to 1.5, got %v", cfg.Retry.Multiplier)
	}
	// An env var that was never set must leave the default untouched.
	if cfg.Retry.Jitter != 0.2 {
		t.Fatalf("expected jitter left at default, got %v", cfg.Retry.Jitter)
	}
}

func TestLoadFromEnvIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("FLOWCORE_RETRY_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("FLOWCORE_WORKER_INIT_TIMEOUT", "not-a-duration")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default retained for unparseable int override, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Worker.InitTimeout != 10*time.Second {
		t.Fatalf("expected default retained for unparseable duration override, got %v", cfg.Worker.InitTimeout)
	}
}

func TestLoadFromEnvParsesBooleanVariants(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"true", true}, {"TRUE", true}, {"1", true}, {"yes", true},
		{"false", false}, {"0", false}, {"no", false}, {"", false},
	}
	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			if tc.value == "" {
				cfg := DefaultConfig()
				cfg.Transport.Insecure = true
				t.Setenv("FLOWCORE_TRANSPORT_INSECURE", "")
				LoadFromEnv(cfg)
				if !cfg.Transport.Insecure {
					t.Fatal("an unset env var must not clear an existing value")
				}
				return
			}
			t.Setenv("FLOWCORE_TRANSPORT_INSECURE", tc.value)
			cfg := DefaultConfig()
			LoadFromEnv(cfg)
			if cfg.Transport.Insecure != tc.want {
				t.Fatalf("parseBool(%q): expected %v, got %v", tc.value, tc.want, cfg.Transport.Insecure)
			}
		})
	}
}

func TestLoadFromEnvAuthTokenOverride(t *testing.T) {
	t.Setenv("FLOWCORE_TRANSPORT_AUTH_TOKEN", "secret-token")
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Transport.AuthToken != "secret-token" {
		t.Fatalf("expected auth token overridden, got %q", cfg.Transport.AuthToken)
	}

	// sanity: AuthToken round-trips through JSON with its tag but
	// redaction for logs is transport.ClientConfig's concern, not config's.
	b, err := json.Marshal(cfg.Transport)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) == "" {
		t.Fatal("expected non-empty marshaled transport config")
	}
}
