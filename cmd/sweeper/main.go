// Command sweeper clears pending commissions whose hold window has passed.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/config"
	"github.com/operatorkit/backend/internal/database"
	"github.com/operatorkit/backend/internal/jobs"
	"github.com/operatorkit/backend/internal/logger"
	"github.com/operatorkit/backend/internal/metrics"
	"github.com/operatorkit/backend/internal/repository"
)

type options struct {
	once        bool
	metricsAddr string
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Clear pending commissions past their hold window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	rootCmd.Flags().BoolVar(&opts.once, "once", false, "Run a single clearing pass and exit")
	rootCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics on this address while scheduled (e.g. :9102)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	zlog, err := logger.New(logger.Options{Level: cfg.LogLevel, Environment: cfg.Environment, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = zlog.Sync() }()
	zlog = zlog.Named("sweeper")

	db, err := database.InitDB(cfg.Database, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() { _ = database.Close(db) }()

	store := repository.NewGormStore(db, repository.WithIsolation(sql.LevelRepeatableRead))
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.once {
		job := jobs.NewClearingSweepJob(store, zlog, m, cfg.Sweep.BatchSize)
		cleared, err := job.Run(ctx, time.Now())
		if err != nil {
			zlog.Error("Clearing sweep failed", zap.Int("cleared", cleared), zap.Error(err))
			return err
		}
		return nil
	}

	schedulers, err := jobs.ScheduleRecurringJobs(store, zlog, m, cfg.Sweep.Interval, cfg.Sweep.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to schedule clearing sweep: %w", err)
	}
	defer jobs.StopAll(schedulers)
	zlog.Info("Clearing sweep scheduled", zap.Duration("interval", cfg.Sweep.Interval))

	if opts.metricsAddr != "" {
		srv := metricsServer(opts.metricsAddr, registry)
		go func() {
			zlog.Info("Serving sweeper metrics", zap.String("addr", opts.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Error("Metrics listener failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	zlog.Info("Stopping sweeper")
	return nil
}

func metricsServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
