package domain

import (
	"context"
	"time"
)

// ExecutionContext carries per-invocation metadata passed to every node
// call. It is distinct from context.Context (which carries cancellation
// and deadline) so that node implementations see a stable, serializable
// view of the call's identity without depending on the stdlib context
// type directly.
type ExecutionContext struct {
	SessionID     string
	Deadline      time.Time
	AuthToken     string // opaque; never logged
	CorrelationID string
}

type execCtxKey struct{}

// WithExecutionContext attaches an ExecutionContext to a context.Context.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, execCtxKey{}, ec)
}

// ExecutionContextFrom retrieves the ExecutionContext attached by
// WithExecutionContext, if any.
func ExecutionContextFrom(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(execCtxKey{}).(*ExecutionContext)
	return ec, ok
}
