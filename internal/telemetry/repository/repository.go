package repository

import (
	"context"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

// Repository persists crash reports and transmits them to the telemetry server and OTLP collectors.
type Repository interface {
	// CreateCrashReport stores a new crash report produced by source.
	CreateCrashReport(ctx context.Context, report domain.CrashReport, source domain.Source) error
	// GetLastCrashReport returns the most recently stored report, or nil if there is none.
	GetLastCrashReport(ctx context.Context) (*domain.Telemetry, error)
	// MarkLastCrashReportAsSent stamps SentAt on the report last returned by GetLastCrashReport.
	MarkLastCrashReportAsSent(ctx context.Context) error
	// SendTelemetryToServer transmits t to the primary telemetry server.
	SendTelemetryToServer(ctx context.Context, t *domain.Telemetry) error
	// SendTelemetryToOTelCollector transmits t to the collector at endpoint.
	SendTelemetryToOTelCollector(ctx context.Context, endpoint string, t *domain.Telemetry) error
	// ReadCrashReports calls fn for each stored report, oldest first. A non-nil error from fn stops iteration and is returned.
	ReadCrashReports(ctx context.Context, fn func(*domain.Telemetry) error) error
}

// Exporter transmits one crash report to a remote sink.
type Exporter interface {
	Export(ctx context.Context, t *domain.Telemetry) error
}
