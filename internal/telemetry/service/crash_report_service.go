// Package service is the crash reporting facade: it turns caught errors into crash reports and ships the
// latest unsent report to the telemetry server and the optional OTLP collector.
package service

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cortex-telemetry/backend/internal/requestctx"
	"cortex-telemetry/backend/internal/telemetry/domain"
	"cortex-telemetry/backend/internal/telemetry/repository"
)

const instrumentationName = "cortex-telemetry/backend/internal/telemetry/service"

// CrashReportDisabled is the CORTEX_CRASH_REPORT value that turns crash report creation off.
const CrashReportDisabled = "0"

// ContextLookup reads ambient request-scoped values. requestctx.Service is the production implementation.
type ContextLookup interface {
	Get(ctx context.Context, key string) string
}

// Settings are the environment switches the facade honours.
type Settings struct {
	// CrashReport is CORTEX_CRASH_REPORT. Only the exact value "0" disables creation.
	CrashReport string
	// CollectorEndpoint is CORTEX_EXPORTER_OLTP_ENDPOINT. Empty skips the collector transmission.
	CollectorEndpoint string
}

// Enabled reports whether crash reports may be created.
func (s Settings) Enabled() bool {
	return s.CrashReport != CrashReportDisabled
}

// CrashReportService creates, sends and reads crash reports. It holds no per-call state and is safe for concurrent use.
type CrashReportService struct {
	repo     repository.Repository
	lookup   ContextLookup
	settings Settings
	logger   *zap.Logger

	tracer       trace.Tracer
	created      metric.Int64Counter
	sent         metric.Int64Counter
	sendFailures metric.Int64Counter
}

// Option configures a CrashReportService.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTracerProvider overrides the global TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global MeterProvider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// NewCrashReportService returns a facade over repo. lookup may be nil, in which case payload fields stay empty.
// logger may be nil.
func NewCrashReportService(repo repository.Repository, lookup ContextLookup, settings Settings, logger *zap.Logger, opts ...Option) *CrashReportService {
	o := options{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lookup == nil {
		lookup = requestctx.Service{}
	}
	meter := o.meterProvider.Meter(instrumentationName)
	return &CrashReportService{
		repo:         repo,
		lookup:       lookup,
		settings:     settings,
		logger:       logger,
		tracer:       o.tracerProvider.Tracer(instrumentationName),
		created:      counter(meter, "crash_reports.created", "Crash reports stored."),
		sent:         counter(meter, "crash_reports.sent", "Crash reports transmitted and marked sent."),
		sendFailures: counter(meter, "crash_reports.send_failures", "Failed crash report transmissions."),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{report}"))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// CreateCrashReport records err as a crash report from source. It never fails: opt-out turns it into a no-op,
// and repository errors or panics on this path are logged and dropped.
func (s *CrashReportService) CreateCrashReport(ctx context.Context, err error, source domain.Source) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("error creating crash report", zap.Any("panic", r), zap.String("source", string(source)))
		}
	}()
	if !s.settings.Enabled() {
		return
	}
	if err == nil {
		s.logger.Error("error creating crash report", zap.Error(errors.New("nil error")), zap.String("source", string(source)))
		return
	}
	report := s.buildCrashReport(ctx, err)
	if rerr := s.repo.CreateCrashReport(ctx, report, source); rerr != nil {
		s.logger.Error("error creating crash report", zap.Error(rerr), zap.String("source", string(source)))
		return
	}
	s.created.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(source))))
}

// SendCrashReport transmits the most recent crash report if it has not been sent yet. The telemetry server and,
// when configured, the collector are sent to concurrently; the report is marked sent only after both succeed.
// Transmission errors are returned and leave the report unmarked for a later attempt.
func (s *CrashReportService) SendCrashReport(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "CrashReportService.SendCrashReport")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.sendFailures.Add(ctx, 1)
		}
		span.End()
	}()

	report, err := s.repo.GetLastCrashReport(ctx)
	if err != nil {
		return fmt.Errorf("get last crash report: %w", err)
	}
	if report == nil || report.Metadata.Sent() {
		span.SetAttributes(attribute.Bool("crash.skipped", true))
		return nil
	}
	span.SetAttributes(
		attribute.String("crash.id", report.ID),
		attribute.String("crash.source", string(report.Source)),
		attribute.Bool("crash.collector", s.settings.CollectorEndpoint != ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.repo.SendTelemetryToServer(gctx, report)
	})
	if endpoint := s.settings.CollectorEndpoint; endpoint != "" {
		g.Go(func() error {
			return s.repo.SendTelemetryToOTelCollector(gctx, endpoint, report)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.repo.MarkLastCrashReportAsSent(ctx); err != nil {
		return fmt.Errorf("mark crash report sent: %w", err)
	}
	s.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(report.Source))))
	return nil
}

// ReadCrashReports streams stored crash reports to fn one at a time, oldest first.
// An error returned by fn stops iteration and is returned.
func (s *CrashReportService) ReadCrashReports(ctx context.Context, fn func(*domain.Telemetry) error) error {
	return s.repo.ReadCrashReports(ctx, fn)
}

// buildCrashReport captures err and the ambient request values.
func (s *CrashReportService) buildCrashReport(ctx context.Context, err error) domain.CrashReport {
	return domain.CrashReport{
		Message: err.Error(),
		Stack:   verboseStack(err),
		Payload: domain.Payload{
			ModelID:  s.lookup.Get(ctx, requestctx.ModelID),
			Endpoint: s.lookup.Get(ctx, requestctx.Endpoint),
			Command:  s.lookup.Get(ctx, requestctx.Command),
		},
	}
}

// verboseStack returns the %+v rendering of the outermost error in err's chain that prints more than its
// message, such as a recorded stack trace. Plain wrappers like fmt.Errorf("...: %w") are skipped. Empty when
// nothing in the chain carries detail.
func verboseStack(err error) string {
	for e := err; e != nil; e = errors.UnwrapOnce(e) {
		if verbose := fmt.Sprintf("%+v", e); verbose != e.Error() {
			return verbose
		}
	}
	return ""
}
