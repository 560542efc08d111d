package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	billingprometheus "github.com/goliatone/go-billing/adapters/prometheus"
	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/onchain"
	"github.com/goliatone/go-billing/runner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	metricsAddr string
	migrate     bool
}

func serveCmd(flags *globalFlags) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sweeper, timer poller and queue workers",
		Long: `Run the billing runtime until interrupted.

Charges go through the sandbox onchain provider, which approves every charge.

Examples:
  billingd serve --config billing.json
  BILLING_QUEUE__BACKEND=redis billingd serve --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, opts)
		},
	}
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "address for /metrics when metrics are enabled")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "apply migrations before starting")
	return cmd
}

func runServe(parent context.Context, flags *globalFlags, opts *serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := newEnvironment(ctx, flags)
	if err != nil {
		return err
	}
	defer env.Close()

	if opts.migrate {
		if err := runMigrations(ctx, env); err != nil {
			return err
		}
	}

	var metrics core.MetricsRecorder = core.NopMetricsRecorder{}
	var metricsServer *http.Server
	if env.config.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = billingprometheus.NewRecorder(registry, env.config.Metrics.Namespace)

		mux := http.NewServeMux()
		mux.Handle("/metrics", billingprometheus.Handler(registry))
		metricsServer = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	rt, err := runner.New(env.stores, runner.Options{
		Config:         env.config,
		Onchain:        onchain.NewSandbox(),
		Logger:         env.logger,
		LoggerProvider: env.provider,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	env.logger.Info("billingd starting",
		"version", Version,
		"queue_backend", env.config.Queue.Backend,
		"retry_mode", env.config.RetryMode,
		"worker_id", env.config.WorkerID,
	)
	runErr := rt.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return runErr
}
