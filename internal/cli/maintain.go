package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
)

type maintainOptions struct {
	schedule    string
	metricsAddr string
}

func newMaintainCmd(root *rootOptions) *cobra.Command {
	opts := &maintainOptions{}

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run session store maintenance once or on a schedule",
		Long: `Run prune, cap and rotate against the configured session store.

With --schedule the command keeps running and repeats maintenance on a cron
expression such as "0 */6 * * *" or "@every 1h". The config file is watched
and a changed store path is picked up on the next run. --metrics-addr serves
Prometheus metrics at /metrics while running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.schedule == "" {
				return runMaintainOnce(cmd, root)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runMaintainScheduled(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.schedule, "schedule", "", "cron expression; run continuously on this schedule")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "address for the /metrics endpoint (default from telemetry.metrics_addr)")

	return cmd
}

func runMaintainOnce(cmd *cobra.Command, root *rootOptions) error {
	a, closeApp, err := root.newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp()

	report, err := a.store.Maintain(cmd.Context(), a.storePath())
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), root.output, report)
}

func parseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

func runMaintainScheduled(ctx context.Context, root *rootOptions, opts *maintainOptions) error {
	sched, err := parseSchedule(opts.schedule)
	if err != nil {
		return err
	}

	a, closeApp, err := root.newApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp()

	watcher, err := config.NewWatcher(config.NewLoader(root.configPath), log.Logger, func(cfg *config.Config) {
		a.resolver.SetConfig(cfg.RoutingConfig())
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	metricsAddr := opts.metricsAddr
	if metricsAddr == "" {
		metricsAddr = a.cfg.Telemetry.MetricsAddr
	}
	var server *http.Server
	if metricsAddr != "" {
		server = startMetricsServer(metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	runner := cron.New(cron.WithLogger(cron.DiscardLogger))
	runner.Schedule(sched, cron.FuncJob(func() {
		path := watcher.Current().Session.Store.Path
		jobCtx := tracing.WithStorePath(tracing.WithTraceID(ctx, tracing.NewTraceID()), path)
		report, err := a.store.Maintain(jobCtx, path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Scheduled maintenance failed")
			return
		}
		log.Info().
			Str("path", path).
			Int("pruned", report.Pruned).
			Int("capped", report.Capped).
			Bool("rotated", report.Rotated).
			Int("remaining", report.Remaining).
			Msg("Scheduled maintenance completed")
	}))

	log.Info().
		Str("schedule", opts.schedule).
		Time("next_run", sched.Next(time.Now())).
		Msg("Maintenance scheduler started")

	runner.Start()
	<-ctx.Done()
	<-runner.Stop().Done()

	log.Info().Msg("Maintenance scheduler stopped")
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Starting metrics server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()

	return server
}
