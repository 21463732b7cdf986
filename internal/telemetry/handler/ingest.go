// Package handler receives OTLP log exports on the telemetry server, stores the crash reports they carry and
// forwards new ones to the crash event stream.
package handler

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"go.uber.org/zap"

	"cortex-telemetry/backend/internal/telemetry"
	"cortex-telemetry/backend/internal/telemetry/domain"
	"cortex-telemetry/backend/internal/telemetry/otlp"
)

// Transports label values.
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// Store is the persistence the receiver needs. *repository.SQLStore implements it.
type Store interface {
	// Save inserts t and reports whether it was new; an existing ID is not an error.
	Save(ctx context.Context, t *domain.Telemetry) (bool, error)
	ListBySource(ctx context.Context, source domain.Source, limit int) ([]*domain.Telemetry, error)
}

// Metrics are the Prometheus collectors of the receiver.
type Metrics struct {
	Reports *prometheus.CounterVec
	Errors  *prometheus.CounterVec
}

// NewMetrics registers the receiver metrics with reg.
//
// Metrics:
//   - cortex_crash_reports_ingested_total{transport,source,result} - result is stored or duplicate
//   - cortex_crash_report_ingest_errors_total{transport} - requests that failed to store
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_crash_reports_ingested_total",
			Help: "Crash reports received, by transport, source and result (stored or duplicate).",
		}, []string{"transport", "source", "result"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_crash_report_ingest_errors_total",
			Help: "Export requests that failed to store crash reports.",
		}, []string{"transport"}),
	}
}

// Ingester stores crash reports extracted from export requests.
type Ingester struct {
	store   Store
	emitter telemetry.EventEmitter
	metrics *Metrics
	logger  *zap.Logger
}

// NewIngester returns an Ingester. emitter, metrics and logger may be nil.
func NewIngester(store Store, emitter telemetry.EventEmitter, metrics *Metrics, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{store: store, emitter: emitter, metrics: metrics, logger: logger}
}

// Result counts what an export produced.
type Result struct {
	Stored     int
	Duplicates int
}

// Ingest stores every crash report in req. Newly stored reports are emitted asynchronously.
// It stops at the first store error; reports stored before it stay stored.
func (i *Ingester) Ingest(ctx context.Context, transport string, req *collogspb.ExportLogsServiceRequest) (Result, error) {
	var res Result
	for _, t := range otlp.FromRequest(req) {
		inserted, err := i.store.Save(ctx, t)
		if err != nil {
			if i.metrics != nil {
				i.metrics.Errors.WithLabelValues(transport).Inc()
			}
			i.logger.Error("store crash report failed", zap.String("transport", transport), zap.String("crash_id", t.ID), zap.Error(err))
			return res, fmt.Errorf("store crash report %s: %w", t.ID, err)
		}
		result := "duplicate"
		if inserted {
			result = "stored"
			res.Stored++
			telemetry.EmitAsync(i.emitter, i.logger, t)
		} else {
			res.Duplicates++
		}
		if i.metrics != nil {
			i.metrics.Reports.WithLabelValues(transport, string(t.Source), result).Inc()
		}
	}
	if res.Stored+res.Duplicates > 0 {
		i.logger.Debug("crash reports ingested", zap.String("transport", transport),
			zap.Int("stored", res.Stored), zap.Int("duplicates", res.Duplicates))
	}
	return res, nil
}
