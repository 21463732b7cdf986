// Package cli implements crashctl, the command line front end of the crash report facade.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"

	"cortex-telemetry/backend/internal/config"
	"cortex-telemetry/backend/internal/db"
	"cortex-telemetry/backend/internal/db/migrate"
	"cortex-telemetry/backend/internal/logging"
	"cortex-telemetry/backend/internal/requestctx"
	"cortex-telemetry/backend/internal/telemetry/domain"
	"cortex-telemetry/backend/internal/telemetry/exporter"
	"cortex-telemetry/backend/internal/telemetry/otel"
	"cortex-telemetry/backend/internal/telemetry/repository"
	"cortex-telemetry/backend/internal/telemetry/service"
	"cortex-telemetry/backend/internal/version"
)

// App is the wired crash report stack used by one command invocation.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Repo    *repository.TelemetryRepository
	Service *service.CrashReportService

	conn      *sql.DB
	providers *otel.Providers
}

// NewApp wires config into a ready CrashReportService. SQLite stores are migrated on open.
func NewApp(ctx context.Context, cfg *config.Config, source domain.Source) (*App, error) {
	providers, err := otel.NewProviders(ctx, otel.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    cfg.ServiceNameOr(string(source)),
		ServiceVersion: version.Version,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	app := &App{Config: cfg, providers: providers}

	var lp otellog.LoggerProvider
	if cfg.OTLPEndpoint != "" {
		lp = providers.LoggerProvider
	}
	app.Logger, err = logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Name: "crashctl"}, lp)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	dialect, err := db.DialectOf(cfg.DatabaseURL)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	if dialect == db.SQLite {
		if err := migrate.Up(cfg.DatabaseURL); err != nil {
			_ = app.Close(ctx)
			return nil, fmt.Errorf("migrate local store: %w", err)
		}
	}
	app.conn, err = db.Open(cfg.DatabaseURL)
	if err != nil {
		_ = app.Close(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}

	timeout := cfg.SendTimeoutDuration()
	var server repository.Exporter
	if cfg.TelemetryServerURL != "" {
		client, err := exporter.New(cfg.TelemetryServerURL, cfg.TelemetryServerProtocol, exporter.WithTimeout(timeout))
		if err != nil {
			_ = app.Close(ctx)
			return nil, fmt.Errorf("telemetry server: %w", err)
		}
		server = client
	}
	newCollector := func(endpoint string) (repository.Exporter, error) {
		return exporter.New(endpoint, cfg.CollectorProtocol, exporter.WithTimeout(timeout))
	}

	app.Repo = repository.NewTelemetryRepository(
		repository.NewSQLStore(app.conn, dialect),
		server,
		newCollector,
		repository.WithResource(repository.HostResource(version.Version)),
	)
	app.Service = service.NewCrashReportService(
		app.Repo,
		requestctx.Service{},
		service.Settings{CrashReport: cfg.CrashReport, CollectorEndpoint: cfg.CollectorEndpoint},
		app.Logger,
		service.WithTracerProvider(providers.TracerProvider),
		service.WithMeterProvider(providers.MeterProvider),
	)
	return app, nil
}

// Close releases exporters, the store and the OTel providers.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	if a.providers != nil {
		errs = append(errs, a.providers.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
