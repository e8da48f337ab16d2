// Package pipeline is the assembly layer that turns a validated
// domain.Manifest into a runnable internal/scheduler.Scheduler: for
// every node it picks a NodeExecutor variant via internal/runtimeselect,
// constructs and Initializes the concrete executor (native,
// script_inproc, script_worker, or remote), and wires the result into a
// graph.Graph-shaped Scheduler. It owns the worker.Session backing any
// script_worker nodes for the run, so a single Teardown call cleans up
// every out-of-process worker this pipeline spawned.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowcore/runtime/internal/circuitbreaker"
	"github.com/flowcore/runtime/internal/config"
	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/graph"
	"github.com/flowcore/runtime/internal/manifest"
	"github.com/flowcore/runtime/internal/nodeexec"
	"github.com/flowcore/runtime/internal/nodeexec/native"
	"github.com/flowcore/runtime/internal/nodeexec/remote"
	"github.com/flowcore/runtime/internal/nodeexec/scriptinproc"
	"github.com/flowcore/runtime/internal/nodeexec/scriptworker"
	"github.com/flowcore/runtime/internal/retry"
	"github.com/flowcore/runtime/internal/runtimeselect"
	"github.com/flowcore/runtime/internal/scheduler"
	"github.com/flowcore/runtime/internal/worker"
)

// Run is one assembled, ready-to-drive pipeline instance: a Scheduler
// plus the resources (script-worker session, executors) that must be
// torn down after the run finishes or fails.
type Run struct {
	SessionID string
	Graph     *graph.Graph
	Scheduler *scheduler.Scheduler

	workerSession *worker.Session
	executors     []nodeexec.Executor
}

// Build parses and validates a manifest, classifies every node's
// runtime variant, constructs and initializes that variant's executor,
// and assembles the scheduler. Any failure during executor
// initialization tears down every executor already brought up before
// returning, so a failed Build never leaks a spawned script-worker
// process.
func Build(ctx context.Context, manifestJSON []byte, cfg *config.Config, breakers *circuitbreaker.Registry) (*Run, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry()
	}

	m, err := manifest.Parse(manifestJSON)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(m)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	workerSession := worker.NewSession(sessionID, worker.SessionConfig{
		InitTimeout: cfg.Worker.InitTimeout,
		StopGrace:   cfg.Worker.StopGrace,
		MaxWorkers:  cfg.Worker.MaxWorkers,
	})

	run := &Run{SessionID: sessionID, Graph: g, workerSession: workerSession}

	executors := make(map[string]nodeexec.Executor, len(g.Nodes))
	for _, id := range g.Order {
		node := g.Nodes[id]
		exec, err := newExecutor(&node, cfg, breakers, workerSession)
		if err != nil {
			run.teardownExecutors(ctx)
			workerSession.Teardown()
			return nil, flowerr.Wrap(flowerr.KindNodeInit, err, "executor construction failed").WithNode(id)
		}
		if err := exec.Initialize(ctx, node.Params); err != nil {
			run.teardownExecutors(ctx)
			workerSession.Teardown()
			return nil, err
		}
		executors[id] = exec
		run.executors = append(run.executors, exec)
	}

	schedCfg := scheduler.Config{
		BufferSize:         cfg.Scheduler.BufferSize,
		MaxConcurrentNodes: cfg.Scheduler.MaxConcurrentNodes,
		RetryPolicy:        retryPolicyFrom(cfg.Retry),
	}
	run.Scheduler = scheduler.New(g, executors, breakers, schedCfg)
	return run, nil
}

// newExecutor constructs (but does not Initialize) the NodeExecutor
// variant runtimeselect.Select picks for node.
func newExecutor(node *domain.NodeDefinition, cfg *config.Config, breakers *circuitbreaker.Registry, session *worker.Session) (nodeexec.Executor, error) {
	switch runtimeselect.Select(node) {
	case runtimeselect.VariantNative:
		return native.New(node.Type)
	case runtimeselect.VariantScriptInProc:
		return scriptinproc.New(node.Type), nil
	case runtimeselect.VariantScriptWorker:
		return scriptworker.New(node.Type, session), nil
	case runtimeselect.VariantRemote:
		return remote.New(node.Type, breakers), nil
	default:
		return nil, fmt.Errorf("unrecognized runtime variant for node %q", node.ID)
	}
}

// Execute drives the assembled scheduler to completion and always tears
// down the run's executors and worker session afterward, regardless of
// outcome.
func (r *Run) Execute(ctx context.Context, sources map[string]<-chan *domain.Envelope, sinks map[string]chan<- *domain.Envelope) (*domain.PipelineMetrics, error) {
	defer r.Teardown(ctx)
	return r.Scheduler.Run(ctx, r.SessionID, sources, sinks)
}

// Teardown cleans up every executor and, if this run spawned any
// script-worker processes, tears down the worker session (which itself
// stops every worker and destroys every shared-memory channel).
func (r *Run) Teardown(ctx context.Context) {
	r.teardownExecutors(ctx)
	r.workerSession.Teardown()
}

func (r *Run) teardownExecutors(ctx context.Context) {
	for _, e := range r.executors {
		_ = e.Cleanup(ctx)
	}
}

// retryPolicyFrom translates the config surface's RetryConfig into the
// internal/retry package's Policy type.
func retryPolicyFrom(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		InitialWait: rc.InitialWait,
		MaxWait:     rc.MaxWait,
		Multiplier:  rc.Multiplier,
		Jitter:      rc.Jitter,
	}
}
