package manifest

import (
	"strings"
	"testing"

	"github.com/flowcore/runtime/internal/flowerr"
)

const linearManifest = `{
  "version": "v1",
  "nodes": [
    {"id": "A", "node_type": "Multiply"},
    {"id": "B", "node_type": "Add"}
  ],
  "connections": [
    {"from": "A", "to": "B"}
  ]
}`

func TestParseValidManifest(t *testing.T) {
	m, err := Parse([]byte(linearManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Nodes) != 2 || len(m.Connections) != 1 {
		t.Fatalf("unexpected shape: %+v", m)
	}
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	_, err := Parse([]byte(`{"version":"v2","nodes":[],"connections":[]}`))
	assertKind(t, err, flowerr.KindManifest)
}

func TestParseRejectsDuplicateNodeID(t *testing.T) {
	doc := `{"version":"v1","nodes":[{"id":"A","node_type":"X"},{"id":"A","node_type":"Y"}],"connections":[]}`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "duplicate node id") {
		t.Fatalf("expected duplicate node id error, got %v", err)
	}
}

func TestParseRejectsUnknownEndpoint(t *testing.T) {
	doc := `{"version":"v1","nodes":[{"id":"A","node_type":"X"}],"connections":[{"from":"A","to":"ghost"}]}`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "unknown node") {
		t.Fatalf("expected unknown endpoint error, got %v", err)
	}
}

func TestParseRejectsCycle(t *testing.T) {
	doc := `{"version":"v1","nodes":[{"id":"A","node_type":"X"},{"id":"B","node_type":"Y"}],
	"connections":[{"from":"A","to":"B"},{"from":"B","to":"A"}]}`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "cycle detected") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestParseRejectsInvalidRuntimeHint(t *testing.T) {
	doc := `{"version":"v1","nodes":[{"id":"A","node_type":"X","runtime_hint":"bogus"}],"connections":[]}`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "invalid runtime_hint") {
		t.Fatalf("expected invalid runtime_hint error, got %v", err)
	}
}

func TestParseRejectsDuplicateEdge(t *testing.T) {
	doc := `{"version":"v1","nodes":[{"id":"A","node_type":"X"},{"id":"B","node_type":"Y"}],
	"connections":[{"from":"A","to":"B"},{"from":"A","to":"B"}]}`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "duplicate edge") {
		t.Fatalf("expected duplicate edge error, got %v", err)
	}
}

func TestEnvVarSubstitution(t *testing.T) {
	doc := `{"version":"v1","nodes":[{"id":"A","node_type":"RemotePipeline",
	"params":{"transport":"grpc","endpoints":["${ENDPOINT}"],"manifest_source":{"type":"name","name":"x"}}}],
	"connections":[]}`
	lookup := func(name string) (string, bool) {
		if name == "ENDPOINT" {
			return "10.0.0.1:9000", true
		}
		return "", false
	}
	m, err := Parse([]byte(doc), WithEnvLookup(lookup), KnownTransports([]string{"grpc"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(m.Nodes[0].Params), "10.0.0.1:9000") {
		t.Fatalf("expected substituted endpoint, got %s", m.Nodes[0].Params)
	}
}

func TestEnvVarNotFound(t *testing.T) {
	doc := `{"version":"v1","nodes":[{"id":"A","node_type":"X","params":{"token":"${MISSING}"}}],"connections":[]}`
	lookup := func(name string) (string, bool) { return "", false }
	_, err := Parse([]byte(doc), WithEnvLookup(lookup))
	if err == nil || !strings.Contains(err.Error(), "env var not found") {
		t.Fatalf("expected EnvVarNotFound, got %v", err)
	}
}

func TestParseRejectsUnknownTransport(t *testing.T) {
	doc := `{"version":"v1","nodes":[{"id":"A","node_type":"RemotePipeline",
	"params":{"transport":"carrier-pigeon","endpoints":["x"],"manifest_source":{"type":"name","name":"x"}}}],
	"connections":[]}`
	_, err := Parse([]byte(doc), KnownTransports([]string{"grpc", "http"}))
	if err == nil || !strings.Contains(err.Error(), "unknown transport") {
		t.Fatalf("expected unknown transport error, got %v", err)
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	assertKind(t, err, flowerr.KindManifest)
}

func assertKind(t *testing.T, err error, want flowerr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %s, got nil", want)
	}
	got, ok := flowerr.KindOf(err)
	if !ok || got != want {
		t.Fatalf("expected kind %s, got %s (ok=%v)", want, got, ok)
	}
}
