package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// StartNodeSpan starts the per-node-execute span, tagging the node
// id/type up front so a slow or failing node is identifiable in a
// trace without inspecting logs.
func StartNodeSpan(ctx context.Context, nodeID, nodeType string) (context.Context, trace.Span) {
	return StartSpan(ctx, "node.execute", AttrNodeID.String(nodeID), AttrNodeType.String(nodeType))
}

// StartPipelineSpan starts the per-pipeline-run span, the parent of
// every node span for that session.
func StartPipelineSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "pipeline.run", AttrSessionID.String(sessionID))
}
