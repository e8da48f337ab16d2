package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowcore/runtime/internal/circuitbreaker"
	"github.com/flowcore/runtime/internal/config"
	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/logging"
	"github.com/flowcore/runtime/internal/observability"
	"github.com/flowcore/runtime/internal/pipeline"
)

func runCmd() *cobra.Command {
	var (
		logLevel string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <manifest.json>",
		Short: "Run a pipeline manifest to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevelFromString(logLevel)
			logging.InitStructured("text", logLevel)

			cfg := config.DefaultConfig()
			config.LoadFromEnv(cfg)

			if cfg.Observability.Tracing.Enabled {
				if err := observability.Init(cmd.Context(), observability.Config{
					Enabled:     true,
					Exporter:    cfg.Observability.Tracing.Exporter,
					Endpoint:    cfg.Observability.Tracing.Endpoint,
					ServiceName: cfg.Observability.Tracing.ServiceName,
					SampleRate:  cfg.Observability.Tracing.SampleRate,
				}); err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				defer observability.Shutdown(context.Background())
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			breakers := circuitbreaker.NewRegistry()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			run, err := pipeline.Build(ctx, data, cfg, breakers)
			if err != nil {
				return fmt.Errorf("build pipeline: %w", err)
			}

			sources := make(map[string]<-chan *domain.Envelope)
			sinks := make(map[string]chan<- *domain.Envelope)
			collected := make(map[string]chan *domain.Envelope)
			for _, id := range run.Graph.Sinks() {
				ch := make(chan *domain.Envelope, 16)
				collected[id] = ch
				sinks[id] = ch
			}

			var drainWG sync.WaitGroup
			for id, ch := range collected {
				drainWG.Add(1)
				go func(id string, ch chan *domain.Envelope) {
					defer drainWG.Done()
					for range ch {
						logging.Op().Debug("sink output", "node_id", id)
					}
				}(id, ch)
			}

			pm, err := run.Execute(ctx, sources, sinks)
			for _, ch := range collected {
				close(ch)
			}
			drainWG.Wait()
			if err != nil {
				return fmt.Errorf("pipeline run failed: %w", err)
			}

			fmt.Printf("pipeline %s completed in %s: %d nodes executed\n", pm.SessionID, pm.TotalWall, len(pm.Nodes))
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall pipeline run timeout")

	return cmd
}
