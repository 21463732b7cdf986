package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

// CollectorFactory builds the exporter for a collector endpoint.
type CollectorFactory func(endpoint string) (Exporter, error)

// TelemetryRepository implements Repository over a SQLStore and remote exporters.
type TelemetryRepository struct {
	store        *SQLStore
	server       Exporter
	newCollector CollectorFactory
	resource     ResourceFunc
	now          func() time.Time

	mu         sync.Mutex
	collectors map[string]Exporter

	lastMu sync.Mutex
	lastID string
}

// Option configures a TelemetryRepository.
type Option func(*TelemetryRepository)

// WithClock overrides time.Now for CreatedAt and SentAt.
func WithClock(now func() time.Time) Option {
	return func(r *TelemetryRepository) { r.now = now }
}

// WithResource overrides the resource attached to new reports.
func WithResource(fn ResourceFunc) Option {
	return func(r *TelemetryRepository) { r.resource = fn }
}

// NewTelemetryRepository returns a repository that persists to store, sends to server and builds collector
// exporters with newCollector. server and newCollector may be nil; sends then fail with an error.
func NewTelemetryRepository(store *SQLStore, server Exporter, newCollector CollectorFactory, opts ...Option) *TelemetryRepository {
	r := &TelemetryRepository{
		store:        store,
		server:       server,
		newCollector: newCollector,
		resource:     HostResource("dev"),
		now:          time.Now,
		collectors:   make(map[string]Exporter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateCrashReport stores report with a fresh ID, creation time and resource for source.
func (r *TelemetryRepository) CreateCrashReport(ctx context.Context, report domain.CrashReport, source domain.Source) error {
	t := &domain.Telemetry{
		ID:     uuid.NewString(),
		Source: source,
		Metadata: domain.Metadata{
			CreatedAt: r.now().UTC(),
			Type:      domain.TypeCrashReport,
		},
		Resource: r.resource(source),
		Event:    report,
	}
	_, err := r.store.Save(ctx, t)
	return err
}

// GetLastCrashReport returns the most recently stored report, or nil if there is none.
// The returned report is the one MarkLastCrashReportAsSent marks.
func (r *TelemetryRepository) GetLastCrashReport(ctx context.Context) (*domain.Telemetry, error) {
	t, err := r.store.Last(ctx)
	if err != nil {
		return nil, err
	}
	r.lastMu.Lock()
	r.lastID = ""
	if t != nil {
		r.lastID = t.ID
	}
	r.lastMu.Unlock()
	return t, nil
}

// MarkLastCrashReportAsSent stamps SentAt on the report last returned by GetLastCrashReport, so a report
// created while that one was in flight stays unsent. Without a prior fetch the newest report is marked.
func (r *TelemetryRepository) MarkLastCrashReportAsSent(ctx context.Context) error {
	r.lastMu.Lock()
	id := r.lastID
	r.lastMu.Unlock()
	if id == "" {
		return r.store.MarkLastSent(ctx, r.now())
	}
	return r.store.MarkSent(ctx, id, r.now())
}

// SendTelemetryToServer exports t to the primary telemetry server.
func (r *TelemetryRepository) SendTelemetryToServer(ctx context.Context, t *domain.Telemetry) error {
	if r.server == nil {
		return errors.New("telemetry: no telemetry server configured")
	}
	if err := r.server.Export(ctx, t); err != nil {
		return fmt.Errorf("send to telemetry server: %w", err)
	}
	return nil
}

// SendTelemetryToOTelCollector exports t to the collector at endpoint. Exporters are cached per endpoint.
func (r *TelemetryRepository) SendTelemetryToOTelCollector(ctx context.Context, endpoint string, t *domain.Telemetry) error {
	exp, err := r.collector(endpoint)
	if err != nil {
		return err
	}
	if err := exp.Export(ctx, t); err != nil {
		return fmt.Errorf("send to otel collector %s: %w", endpoint, err)
	}
	return nil
}

func (r *TelemetryRepository) collector(endpoint string) (Exporter, error) {
	if endpoint == "" {
		return nil, errors.New("telemetry: collector endpoint is empty")
	}
	if r.newCollector == nil {
		return nil, errors.New("telemetry: no collector exporter configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if exp, ok := r.collectors[endpoint]; ok {
		return exp, nil
	}
	exp, err := r.newCollector(endpoint)
	if err != nil {
		return nil, fmt.Errorf("collector %s: %w", endpoint, err)
	}
	r.collectors[endpoint] = exp
	return exp, nil
}

// ReadCrashReports streams stored reports to fn, oldest first.
func (r *TelemetryRepository) ReadCrashReports(ctx context.Context, fn func(*domain.Telemetry) error) error {
	return r.store.Each(ctx, fn)
}

// Close closes the server and cached collector exporters that hold connections.
func (r *TelemetryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if c, ok := r.server.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	for endpoint, exp := range r.collectors {
		if c, ok := exp.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		delete(r.collectors, endpoint)
	}
	return errors.Join(errs...)
}
