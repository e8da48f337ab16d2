// Package flowerr defines the runtime's uniform error taxonomy: a fixed
// set of Kinds, a structured Error carrying node/peer identity and a
// cause chain, and the retryability rule the scheduler's retry policy
// consults before attempting another attempt.
package flowerr

import "fmt"

// Kind is one of the error taxonomy members from the pipeline spec.
type Kind string

const (
	KindManifest        Kind = "manifest"
	KindGraph            Kind = "graph"
	KindNodeInit         Kind = "node_init"
	KindNodeExec         Kind = "node_exec"
	KindTimeout          Kind = "timeout"
	KindProcess          Kind = "process"
	KindIPC              Kind = "ipc"
	KindTransport        Kind = "transport"
	KindAuth             Kind = "auth"
	KindCircuitOpen      Kind = "circuit_open"
	KindAllEndpointsFail Kind = "all_endpoints_failed"
	KindConfig           Kind = "config"
)

// defaultRetryable tells whether a Kind is retryable absent an explicit
// override via WithRetryable.
var defaultRetryable = map[Kind]bool{
	KindTimeout:          true,
	KindTransport:        true,
	KindProcess:          false,
	KindCircuitOpen:      false,
	KindAllEndpointsFail: false,
}

// Error is the stable shape surfaced to callers: { kind, message,
// node_id?, peer_node_id?, cause?, retryable }.
type Error struct {
	Kind         Kind
	Message      string
	NodeID       string
	PeerNodeID   string
	Cause        error
	retryable    bool
	retryableSet bool
}

// New creates an Error of the given kind, defaulting retryability from
// the kind's table entry.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, retryable: defaultRetryable[kind]}
}

// Wrap creates an Error of the given kind wrapping cause, preserving the
// cause's message as context.
func Wrap(kind Kind, cause error, message string) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// WithNode attaches the failing node's id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithPeerNode attaches the id of a node on a remote peer, for transport
// errors where the peer's failing node is known.
func (e *Error) WithPeerNode(peerNodeID string) *Error {
	e.PeerNodeID = peerNodeID
	return e
}

// WithRetryable overrides the default retryability for this instance,
// e.g. to tag a specific remote Unavailable/OOM/rate-limit response as
// retryable even though its Kind is not retryable by default.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.retryable = retryable
	e.retryableSet = true
	return e
}

// Retryable reports whether the scheduler's retry policy may reattempt
// the call that produced this error.
func (e *Error) Retryable() bool {
	return e.retryable
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err (or a *flowerr.Error in its wrap
// chain) is retryable. Plain errors with no *Error in the chain are
// treated as non-retryable.
func IsRetryable(err error) bool {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if fe == nil {
		return false
	}
	return fe.Retryable()
}

// KindOf returns the Kind of err if it (or something in its wrap chain)
// is a *flowerr.Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}
