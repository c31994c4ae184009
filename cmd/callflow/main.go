// Command callflow runs the call-to-lead orchestrator.
//
// It loads a YAML configuration (overridable through CALLFLOW_* environment
// variables), opens the configured store and bus, and runs the engine, the
// optional ingestion poller and the optional admin API until interrupted.
//
//	callflow -config callflow.yaml
//	callflow -config callflow.yaml -migrate
//	callflow watch -url ws://localhost:8080/v1/watch -topics stage:FAILED,alerts
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inimical023/callflow/admin"
	audithook "github.com/inimical023/callflow/audit_hook"
	"github.com/inimical023/callflow/callsource"
	"github.com/inimical023/callflow/config"
	"github.com/inimical023/callflow/crm"
	"github.com/inimical023/callflow/engine"
	"github.com/inimical023/callflow/ingest"
	"github.com/inimical023/callflow/notify"
	"github.com/inimical023/callflow/observability"
	"github.com/inimical023/callflow/recording"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		if err := runWatch(ctx, os.Args[2:], os.Stdout, logger); err != nil {
			logger.Error("watch failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", os.Getenv("CALLFLOW_CONFIG"), "path to the YAML configuration file")
	migrateOnly := flag.Bool("migrate", false, "run store migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callflow: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *migrateOnly); err != nil {
		logger.Error("callflow exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, migrateOnly bool) (err error) {
	var cleanup closers
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, cleanup.close(shutdownCtx))
	}()

	if cfg.Telemetry.Endpoint != "" {
		provider, err := observability.Setup(ctx, observability.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRate:     cfg.Telemetry.SampleRate,
			ExportInterval: cfg.Telemetry.ExportInterval,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		cleanup.add("telemetry", provider.Shutdown)
	}

	st, err := openStore(ctx, cfg.Store, logger, &cleanup)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if migrateOnly {
		logger.Info("migrations applied", slog.String("driver", cfg.Store.Driver))
		return nil
	}

	b, err := openBus(ctx, cfg, logger, &cleanup)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	recordings, err := recording.Open(ctx, cfg.Recordings)
	if err != nil {
		return fmt.Errorf("recordings: %w", err)
	}

	leadership, err := openLeadership(cfg.Cluster, logger)
	if err != nil {
		return fmt.Errorf("cluster: %w", err)
	}

	// The CRM and phone-system adapters are provided by deployments;
	// the binary ships with the in-memory ones.
	logger.Warn("using in-memory CRM and call source")
	deps := engine.Deps{
		Store:      st,
		Bus:        b,
		CRM:        crm.NewMemory(crm.Owner{ID: "default", Name: "Default Owner"}),
		Source:     callsource.NewMemory(),
		Recordings: recordings,
		Leadership: leadership,
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithLeadership(cfg.Cluster.Holder, cfg.Cluster.LeaseTTL),
	}
	if cfg.Log.Audit {
		opts = append(opts, engine.WithExtension(audithook.New(audithook.SlogRecorder(logger.WithGroup("audit")))))
	}
	if cfg.CRM.RateLimit > 0 {
		opts = append(opts, engine.WithCRMRateLimit(cfg.CRM.RateLimit, cfg.CRM.Burst))
	}
	if cfg.Notify.Enabled {
		var sender notify.Sender = notify.NewLogSender(logger)
		if cfg.Notify.Sender == "smtp" {
			sender = notify.NewSMTPSender(cfg.Notify.SMTP)
		}
		nopts := []notify.Option{notify.WithRecipients(cfg.Notify.Recipients...)}
		if len(cfg.Notify.Templates) > 0 {
			nopts = append(nopts, notify.WithTemplates(cfg.Notify.Templates))
		}
		opts = append(opts, engine.WithNotifier(sender, nopts...))
	}
	if cfg.Ingest.Enabled {
		filter, err := ingest.NewFilter(cfg.Ingest.Filter)
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		opts = append(opts, engine.WithIngest(
			ingest.WithExtensions(cfg.Ingest.Extensions...),
			ingest.WithSchedule(cfg.Ingest.Schedule),
			ingest.WithLookback(cfg.Ingest.Lookback),
			ingest.WithConcurrency(cfg.Ingest.Concurrency),
			ingest.WithFilter(filter),
		))
	}

	eng, err := engine.Build(cfg.Engine, deps, opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	cleanup.add("engine", eng.Stop)

	if cfg.Admin.Enabled {
		srv, err := newAdminServer(cfg.Admin, eng, logger)
		if err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		cleanup.add("admin", srv.Stop)
	}

	logger.Info("callflow running", slog.String("version", version))
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newAdminServer(cfg config.AdminConfig, eng *engine.Engine, logger *slog.Logger) (*admin.Server, error) {
	var auth admin.Authenticator = admin.NoopAuthenticator{}
	if cfg.JWTSecret != "" {
		jwtAuth, err := admin.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		auth = jwtAuth
	} else {
		logger.Warn("admin API running without authentication")
	}
	svc := admin.NewService(eng.Store(), eng.DLQ(), eng.Bus(), logger)
	return admin.NewServer(svc, eng.Broker(),
		admin.WithAuthenticator(auth),
		admin.WithAddr(cfg.Addr),
		admin.WithLogger(logger),
	), nil
}

// closers releases resources in reverse order of acquisition.
type closers struct {
	names []string
	fns   []func(context.Context) error
}

func (c *closers) add(name string, fn func(context.Context) error) {
	c.names = append(c.names, name)
	c.fns = append(c.fns, fn)
}

func (c *closers) close(ctx context.Context) error {
	var errs []error
	for i := len(c.fns) - 1; i >= 0; i-- {
		start := time.Now()
		if err := c.fns[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.names[i], err))
			continue
		}
		slog.Debug("closed", slog.String("component", c.names[i]), slog.Duration("took", time.Since(start)))
	}
	return errors.Join(errs...)
}
