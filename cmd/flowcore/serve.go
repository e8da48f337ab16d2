package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowcore/runtime/internal/config"
	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/logging"
	"github.com/flowcore/runtime/internal/metrics"
	"github.com/flowcore/runtime/internal/nodeexec"
	"github.com/flowcore/runtime/internal/nodeexec/native"
	"github.com/flowcore/runtime/internal/observability"
	"github.com/flowcore/runtime/internal/transport/httpplugin"
)

// nativeInvoker adapts the native NodeExecutor registry to
// httpplugin.Invoker, so "flowcore serve --host-node-type" can host a
// RemotePipeline endpoint backed by an in-process native node body.
type nativeInvoker struct{}

func (nativeInvoker) Invoke(nodeType string, in *domain.Envelope) ([]*domain.Envelope, error) {
	exec, err := native.New(nodeType)
	if err != nil {
		return nil, err
	}
	if err := exec.Initialize(context.Background(), nil); err != nil {
		return nil, err
	}
	defer exec.Cleanup(context.Background())

	seq, err := exec.Execute(context.Background(), in)
	if err != nil {
		return nil, err
	}
	return nodeexec.Drain(context.Background(), seq)
}

func serveCmd() *cobra.Command {
	var (
		listenAddr   string
		hostNodeType string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the metrics and health HTTP surface",
		Long:  "Run the runtime's metrics/health endpoints for a long-lived process hosting remote pipeline nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("listen") {
				cfg.Daemon.HTTPAddr = listenAddr
			}
			if cfg.Daemon.HTTPAddr == "" {
				cfg.Daemon.HTTPAddr = ":8090"
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			mux.Handle("/metrics", metrics.PrometheusHandler())
			mux.Handle("/metrics.json", metrics.Global().JSONHandler())
			mux.Handle("/metrics/timeseries", metrics.Global().TimeSeriesHandler())

			if hostNodeType != "" {
				if _, ok := native.Lookup(hostNodeType); !ok {
					return fmt.Errorf("no native factory registered for node type %q", hostNodeType)
				}
				mux.Handle("/remote/", http.StripPrefix("/remote", httpplugin.NewServer(nativeInvoker{})))
				logging.Op().Info("hosting remote node endpoint", "node_type", hostNodeType, "path", "/remote/invoke")
			}

			httpServer := &http.Server{
				Addr:    cfg.Daemon.HTTPAddr,
				Handler: observability.HTTPMiddleware(mux),
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("flowcore server started", "addr", cfg.Daemon.HTTPAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(ctx); err != nil {
					return fmt.Errorf("shutdown flowcore server: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("flowcore server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8090", "HTTP listen address for metrics/health")
	cmd.Flags().StringVar(&hostNodeType, "host-node-type", "", "Node type to host as a RemotePipeline endpoint under /remote/invoke (must have a registered native factory)")

	return cmd
}
