package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/inbound"
	"github.com/harun/switchboard/pkg/routing"
	"github.com/harun/switchboard/pkg/session"
)

// app is the set of components a command works with, built from config.
type app struct {
	cfg      *config.Config
	resolver *routing.Resolver
	store    *session.Manager
	recorder *inbound.Recorder
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newApp loads config and wires the resolver, store and recorder. The
// returned close func flushes telemetry and closes the audit file.
func (o *rootOptions) newApp(ctx context.Context) (*app, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	if err := tracing.InitOpenTelemetry(ctx, tracing.Options{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}

	var audit *observability.AuditLogger
	if cfg.Telemetry.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Telemetry.AuditFile); err != nil {
			return nil, nil, err
		}
		audit = observability.GetAuditLogger()
	}

	opts := cfg.SessionManagerOptions()
	if audit != nil {
		opts = append(opts, session.WithAuditLogger(audit))
	}
	store := session.NewManager(opts...)
	resolver := routing.NewResolver(cfg.RoutingConfig())

	a := &app{
		cfg:      cfg,
		resolver: resolver,
		store:    store,
		recorder: inbound.NewRecorder(resolver, store, cfg.Session.Store.Path, cfg.ResetPolicy()),
	}

	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
		if audit != nil {
			_ = audit.Close()
		}
	}
	return a, closeFn, nil
}

func (a *app) storePath() string {
	return a.cfg.Session.Store.Path
}
