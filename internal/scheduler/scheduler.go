// Package scheduler is the pipeline's core orchestrator: it drives
// every node's NodeExecutor across a graph.Graph,
// wiring one buffered channel per upstream edge, replicating an
// envelope by copy across a fan-out edge, retrying around each node
// invocation, and finalizing per-node and per-pipeline
// metrics. A linear graph (every node in/out-degree <= 1) runs through
// the same engine as a general DAG — its nodes never have more than one
// upstream edge to drain, so it gets the buffered engine's fast path for
// free without a separate code path to maintain. A merge node drains its
// upstream edges one at a time, in manifest edge-declaration order, so
// concatenation order never depends on branch scheduling.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowcore/runtime/internal/circuitbreaker"
	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/graph"
	"github.com/flowcore/runtime/internal/logging"
	"github.com/flowcore/runtime/internal/metrics"
	"github.com/flowcore/runtime/internal/nodeexec"
	"github.com/flowcore/runtime/internal/observability"
	"github.com/flowcore/runtime/internal/retry"
)

// Config tunes the scheduler's concurrency and buffering.
type Config struct {
	BufferSize        int           // per-edge channel capacity
	MaxConcurrentNodes int          // semaphore bound across all node goroutines; 0 = one slot per node
	RetryPolicy       retry.Policy
}

// DefaultConfig returns the scheduler's defaults absent manifest overrides.
func DefaultConfig() Config {
	return Config{
		BufferSize:         4,
		MaxConcurrentNodes: 0,
		RetryPolicy:        retry.DefaultPolicy(),
	}
}

// Scheduler executes one graph.Graph's nodes against a supplied executor
// set. One Scheduler instance is built per pipeline run.
type Scheduler struct {
	g         *graph.Graph
	executors map[string]nodeexec.Executor
	breakers  *circuitbreaker.Registry
	cfg       Config
}

// New constructs a Scheduler. executors must have one entry per node id
// in g, already Initialize'd by the caller.
func New(g *graph.Graph, executors map[string]nodeexec.Executor, breakers *circuitbreaker.Registry, cfg Config) *Scheduler {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4
	}
	return &Scheduler{g: g, executors: executors, breakers: breakers, cfg: cfg}
}

type nodeRunner struct {
	id     string
	node   domain.NodeDefinition
	exec   nodeexec.Executor
	ins    []*inEdge // one buffered channel per upstream edge, in edge-declaration order
	out    []outEdge
	sinkCh chan<- *domain.Envelope // set only for sink nodes the caller wants output from
}

// inEdge is one upstream edge's dedicated inbound channel. Each channel
// has exactly one writer — the producing node's goroutine, or (for a
// source node) the caller-supplied source pump — so it is closed by its
// sole writer with no shared producer count to track.
type inEdge struct {
	edge domain.Edge
	ch   chan *domain.Envelope
}

type outEdge struct {
	edge   domain.Edge
	target *nodeRunner
	inIdx  int // index into target.ins this edge writes to
}

// edgeIndex returns the position of e within ins by edge identity, or -1
// if not found. Manifest validation forbids duplicate edges between the
// same (node, port) pair, so the match is always unique.
func edgeIndex(ins []*inEdge, e domain.Edge) int {
	for i, ie := range ins {
		if ie.edge.EdgeKey() == e.EdgeKey() {
			return i
		}
	}
	return -1
}

// Run drives every node in the graph to completion: sources pull from
// the caller-supplied sources channels, sinks push to the caller-
// supplied sinks channels (any sink id absent from sinks has its output
// discarded after being counted in metrics), and internal edges are
// buffered channels sized by Config.BufferSize. Run returns once every
// node's goroutine has exited — normally when every source channel is
// closed and the resulting close cascades through the graph, or early
// on the first unretryable/exhausted-retry node error, which cancels
// ctx for every other node goroutine (the cooperative cancellation
// token every Execute honors via ctx.Done()).
func (s *Scheduler) Run(ctx context.Context, sessionID string, sources map[string]<-chan *domain.Envelope, sinks map[string]chan<- *domain.Envelope) (*domain.PipelineMetrics, error) {
	ctx, span := observability.StartPipelineSpan(ctx, sessionID)
	defer span.End()

	pm := domain.NewPipelineMetrics(sessionID)
	start := time.Now()
	var pmMu sync.Mutex

	runners := make(map[string]*nodeRunner, len(s.g.Nodes))
	for id, node := range s.g.Nodes {
		ins := make([]*inEdge, len(s.g.In[id]))
		for i, e := range s.g.In[id] {
			ins[i] = &inEdge{edge: e, ch: make(chan *domain.Envelope, s.cfg.BufferSize)}
		}
		if len(ins) == 0 {
			// Source node: one synthetic inbound edge fed by the
			// caller-supplied source channel (or closed immediately).
			ins = []*inEdge{{ch: make(chan *domain.Envelope, s.cfg.BufferSize)}}
		}
		runners[id] = &nodeRunner{id: id, node: node, exec: s.executors[id], ins: ins}
		if ch, ok := sinks[id]; ok {
			runners[id].sinkCh = ch
		}
	}
	for from, edges := range s.g.Out {
		for _, e := range edges {
			target := runners[e.To]
			idx := edgeIndex(target.ins, e)
			runners[from].out = append(runners[from].out, outEdge{edge: e, target: target, inIdx: idx})
		}
	}

	eg, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.concurrencyLimit())

	for _, id := range s.g.Order {
		r := runners[id]
		eg.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			return s.runNode(gctx, r, &pmMu, pm)
		})
	}

	for _, id := range s.g.Sources() {
		r := runners[id]
		src, ok := sources[id]
		if !ok {
			close(r.ins[0].ch)
			continue
		}
		eg.Go(func() error {
			return pumpSource(gctx, src, r.ins[0].ch)
		})
	}

	err := eg.Wait()
	pmMu.Lock()
	pm.TotalWall = time.Since(start)
	pmMu.Unlock()

	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	return pm, err
}

func (s *Scheduler) concurrencyLimit() int {
	if s.cfg.MaxConcurrentNodes > 0 {
		return s.cfg.MaxConcurrentNodes
	}
	return max(len(s.g.Nodes), 1)
}

// pumpSource relays envelopes from an external source channel into a
// node's inbound channel until the source closes or ctx is cancelled.
func pumpSource(ctx context.Context, src <-chan *domain.Envelope, dst chan<- *domain.Envelope) error {
	defer close(dst)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-src:
			if !ok {
				return nil
			}
			select {
			case dst <- env:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// runNode drains r.ins one edge at a time, in edge-declaration order:
// every envelope buffered on ins[0] is passed to the node's executor
// before ins[1] is even looked at. This is the "merge by edge —
// concatenation in edge order" rule for a node with more than one
// upstream edge; a node with a single upstream edge (the common case)
// just drains it. Each result is fanned out to downstream edges or the
// sink channel, and channel-close cascades to every downstream node once
// this node's own upstream edges are fully drained.
func (s *Scheduler) runNode(ctx context.Context, r *nodeRunner, pmMu *sync.Mutex, pm *domain.PipelineMetrics) error {
	defer s.closeDownstream(r)

	for _, ie := range r.ins {
	drainEdge:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case env, ok := <-ie.ch:
				if !ok {
					break drainEdge
				}
				if err := s.invoke(ctx, r, env, pmMu, pm); err != nil {
					logging.Op().Error("node execution failed", "node_id", r.id, "error", err)
					return err
				}
			}
		}
	}
	return nil
}

func (s *Scheduler) invoke(ctx context.Context, r *nodeRunner, env *domain.Envelope, pmMu *sync.Mutex, pm *domain.PipelineMetrics) error {
	ctx, span := observability.StartNodeSpan(ctx, r.id, r.node.Type)
	defer span.End()

	nm := &domain.NodeMetrics{NodeID: r.id, NodeType: r.node.Type}
	invokeStart := time.Now()

	var outs []*domain.Envelope
	retries := 0
	err := retry.Do(ctx, s.cfg.RetryPolicy, func(ctx context.Context) error {
		if retries > 0 {
			metrics.RecordNodeRetry(r.id, r.node.Type)
		}
		retries++
		seq, execErr := r.exec.Execute(ctx, env)
		if execErr != nil {
			return execErr
		}
		drained, drainErr := nodeexec.Drain(ctx, seq)
		if drainErr != nil {
			return drainErr
		}
		outs = drained
		return nil
	})

	nm.WallTime = time.Since(invokeStart)
	nm.RetryCount = retries - 1

	if err != nil {
		nm.Status = domain.NodeStatusFailed
		s.record(pmMu, pm, nm)
		metrics.RecordNodeExecution(r.id, r.node.Type, string(domain.NodeStatusFailed), nm.WallTime)
		wrapped := flowerr.Wrap(flowerr.KindNodeExec, err, "node execution failed").WithNode(r.id)
		observability.SetSpanError(span, wrapped)
		return wrapped
	}

	nm.Status = domain.NodeStatusSuccess
	nm.OutputCount = len(outs)
	for _, o := range outs {
		nm.OutputBytes += int64(len(o.Payload))
	}
	s.record(pmMu, pm, nm)
	metrics.RecordNodeExecution(r.id, r.node.Type, string(domain.NodeStatusSuccess), nm.WallTime)
	observability.SetSpanOK(span)

	return s.dispatch(ctx, r, outs, pmMu, pm)
}

func (s *Scheduler) record(pmMu *sync.Mutex, pm *domain.PipelineMetrics, nm *domain.NodeMetrics) {
	pmMu.Lock()
	pm.Record(nm)
	pmMu.Unlock()
}

// dispatch sends every output envelope to each downstream edge, cloning
// for every edge beyond the first so concurrent downstream consumers
// never share one envelope's backing buffer, and to the sink channel if
// this is a sink the caller is collecting output from.
func (s *Scheduler) dispatch(ctx context.Context, r *nodeRunner, outs []*domain.Envelope, pmMu *sync.Mutex, pm *domain.PipelineMetrics) error {
	for _, env := range outs {
		if r.sinkCh != nil {
			select {
			case r.sinkCh <- env:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for i, oe := range r.out {
			out := env
			if i < len(r.out)-1 {
				out = env.Clone()
			}
			key := oe.edge.From + "->" + oe.edge.To
			pmMu.Lock()
			pm.EdgeBytes[key] += int64(len(out.Payload))
			pmMu.Unlock()

			select {
			case oe.target.ins[oe.inIdx].ch <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// closeDownstream closes this node's own outgoing-edge channel on every
// downstream target. Each edge has exactly one writer (this node), so
// there is no shared producer count to race on: closing is unconditional
// and happens exactly once per edge, when this node's goroutine returns.
func (s *Scheduler) closeDownstream(r *nodeRunner) {
	for _, oe := range r.out {
		close(oe.target.ins[oe.inIdx].ch)
	}
}
