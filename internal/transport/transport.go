// Package transport defines the pluggable transport contract a
// RemoteExecutor node uses to reach another runtime's endpoint(s),
// plus the process-wide registry of built-in and user-registered
// transport plugins: an object-safe plugin contract so gRPC, HTTP, and
// WebRTC are interchangeable.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
)

// HealthStatus is the result of a PipelineClient.HealthCheck call.
type HealthStatus struct {
	Healthy bool
	Reason  string // empty when Healthy
}

// PipelineClient is a live connection to one remote endpoint, capable of
// invoking a single node or a whole sub-pipeline and opening a
// bidirectional streaming session for nodes that need one (e.g. a
// continuous audio/video sub-pipeline).
type PipelineClient interface {
	Invoke(ctx context.Context, nodeType string, in *domain.Envelope) (*domain.InvokeResponse, error)
	OpenStream(ctx context.Context) (StreamSession, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
	Close() error
}

// StreamSession is a bidirectional envelope stream opened against a
// remote endpoint, used for RemotePipeline nodes processing more than
// one envelope per invocation.
type StreamSession interface {
	Send(ctx context.Context, env *domain.Envelope) error
	Recv(ctx context.Context) (*domain.Envelope, error)
	Close() error
}

// ClientConfig carries everything a Plugin needs to dial one endpoint.
// Fields tagged `sensitive:"true"` are redacted by Redact before the
// config is ever logged.
type ClientConfig struct {
	Endpoint    string          `json:"endpoint"`
	Timeout     time.Duration   `json:"timeout"`
	AuthToken   string          `json:"auth_token" sensitive:"true"`
	Insecure    bool            `json:"insecure,omitempty"`
	ExtraConfig json.RawMessage `json:"extra_config,omitempty"`
}

// ServerConfig carries the settings cmd/flowcore uses to host a plugin's
// server side for inbound RemotePipeline calls.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
	AuthToken  string `json:"auth_token" sensitive:"true"`
}

// Redact returns a copy of cfg with every field tagged sensitive:"true"
// replaced by a fixed placeholder, safe to pass to structured logging.
// Reflection-based so new config fields are redacted automatically
// without touching this function.
func Redact(cfg any) any {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return cfg
	}
	out := reflect.New(v.Type()).Elem()
	out.Set(v)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("sensitive") == "true" && out.Field(i).Kind() == reflect.String {
			out.Field(i).SetString("[redacted]")
		}
	}
	return out.Interface()
}

// Plugin is the object-safe contract a transport implementation (gRPC,
// HTTP, WebRTC, ...) satisfies to be usable by a RemoteExecutor node.
type Plugin interface {
	Name() string
	// ValidateConfig checks cfg (in particular its transport-specific
	// ExtraConfig subtree) without performing any I/O. Called once per
	// endpoint before Dial so a malformed manifest fails before any
	// connection is attempted.
	ValidateConfig(cfg ClientConfig) error
	Dial(ctx context.Context, cfg ClientConfig) (PipelineClient, error)
}

// Registry is the process-wide name -> Plugin lookup, read on every
// RemoteExecutor.Initialize and written once per plugin at startup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

var global = &Registry{plugins: make(map[string]Plugin)}

// Register adds a plugin to the global registry under its own Name().
// Called from each plugin package's init() or from cmd/flowcore's
// wiring. Registering the same name twice panics, the same convention
// database/sql.Register uses for a process-wide, init()-populated
// registry: a duplicate name is a programming error, not a runtime
// condition a caller should need to check for.
func Register(p Plugin) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if _, exists := global.plugins[p.Name()]; exists {
		panic(fmt.Sprintf("transport: plugin %q already registered", p.Name()))
	}
	global.plugins[p.Name()] = p
}

// Lookup resolves a transport name (the manifest's RemoteParams.Transport
// field) to a registered Plugin.
func Lookup(name string) (Plugin, error) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	p, ok := global.plugins[name]
	if !ok {
		return nil, flowerr.New(flowerr.KindTransport, fmt.Sprintf("unknown transport %q", name))
	}
	return p, nil
}

// Known returns the registered transport names, used by
// internal/manifest's validation to reject unknown-transport manifests.
func Known() []string {
	global.mu.RLock()
	defer global.mu.RUnlock()
	out := make([]string, 0, len(global.plugins))
	for name := range global.plugins {
		out = append(out, name)
	}
	return out
}
