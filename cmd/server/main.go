// Server is the cortex telemetry server. It receives crash reports as OTLP logs over gRPC (GRPC_ADDR) and HTTP
// (HTTP_ADDR), stores them in DATABASE_URL and forwards new ones to Kafka (KAFKA_BROKERS) and OTel logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"cortex-telemetry/backend/internal/config"
	"cortex-telemetry/backend/internal/db"
	"cortex-telemetry/backend/internal/db/migrate"
	healthhandler "cortex-telemetry/backend/internal/health/handler"
	"cortex-telemetry/backend/internal/logging"
	"cortex-telemetry/backend/internal/requestctx"
	"cortex-telemetry/backend/internal/server"
	"cortex-telemetry/backend/internal/server/interceptors"
	"cortex-telemetry/backend/internal/telemetry"
	"cortex-telemetry/backend/internal/telemetry/domain"
	"cortex-telemetry/backend/internal/telemetry/handler"
	"cortex-telemetry/backend/internal/telemetry/otel"
	"cortex-telemetry/backend/internal/telemetry/producer"
	"cortex-telemetry/backend/internal/telemetry/repository"
	"cortex-telemetry/backend/internal/telemetry/service"
	"cortex-telemetry/backend/internal/version"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, otel.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    cfg.ServiceNameOr(string(domain.SourceServer)),
		ServiceVersion: version.Version,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Name: "server"}, providers.LoggerProvider)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dialect, err := db.DialectOf(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database url", zap.Error(err))
	}
	if dialect == db.SQLite {
		if err := migrate.Up(cfg.DatabaseURL); err != nil {
			logger.Fatal("migrate sqlite store", zap.Error(err))
		}
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer conn.Close()
	store := repository.NewSQLStore(conn, dialect)

	// Crash event fan-out: OTel logs always, Kafka when brokers are configured.
	emitters := telemetry.MultiEmitter{otel.NewEventEmitter(providers.LoggerProvider)}
	var events producer.Producer
	if brokers := cfg.TelemetryKafkaBrokersList(); len(brokers) > 0 {
		kp, err := producer.NewKafkaProducer(brokers, cfg.TelemetryKafkaTopic)
		if err != nil {
			logger.Fatal("kafka producer", zap.Error(err))
		}
		if kp != nil {
			events = kp
			emitters = append(emitters, kp)
			logger.Info("forwarding crash events to kafka", zap.Strings("brokers", brokers), zap.String("topic", kp.Topic()))
		}
	}

	// The server reports its own crashes through the same facade the CLI uses.
	svc := newSelfReporter(cfg, store, logger, providers)
	defer svc.RecoverAndReport(ctx, domain.SourceServer)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ingester := handler.NewIngester(store, emitters, handler.NewMetrics(reg), logger)
	health := healthhandler.NewServer(conn)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RequestContextUnary(),
			interceptors.RecoveryUnary(svc, logger),
			interceptors.LoggingUnary(logger),
			interceptors.ErrorReportUnary(svc, map[string]bool{healthCheckMethod: true}),
		),
	)
	server.RegisterServices(grpcServer, server.Deps{Ingester: ingester, HealthPinger: conn})

	httpServer := handler.NewHTTPServer(handler.HTTPConfig{
		Ingester: ingester,
		Store:    store,
		Ready:    health.Ready,
		Gatherer: reg,
		Reporter: svc,
		Logger:   logger,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		svc.ReportError(ctx, fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err), domain.SourceServer)
		logger.Fatal("listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	// Serve loops run under the facade so a panic or a failed listener is reported before the group stops.
	reportCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return <-svc.Go(reportCtx, domain.SourceServer, func(context.Context) error {
			return grpcServer.Serve(lis)
		})
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		return <-svc.Go(reportCtx, domain.SourceServer, func(context.Context) error {
			if err := httpServer.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}

	// Let in-flight async emits finish before closing their sinks.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if events != nil {
		if err := events.Close(); err != nil {
			logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// newSelfReporter builds the crash report facade for the server process. Its reports are stored next to the
// received ones under source cortex-server and served by GET /v1/crash-reports; the server does not send them
// upstream, so no exporters are wired.
func newSelfReporter(cfg *config.Config, store *repository.SQLStore, logger *zap.Logger, providers *otel.Providers) *service.CrashReportService {
	repo := repository.NewTelemetryRepository(store, nil, nil,
		repository.WithResource(repository.HostResource(version.Version)))
	return service.NewCrashReportService(
		repo,
		requestctx.Service{},
		service.Settings{CrashReport: cfg.CrashReport},
		logger,
		service.WithTracerProvider(providers.TracerProvider),
		service.WithMeterProvider(providers.MeterProvider),
	)
}
