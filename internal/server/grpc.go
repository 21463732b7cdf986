package server

import (
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "cortex-telemetry/backend/internal/health/handler"
	telemetryhandler "cortex-telemetry/backend/internal/telemetry/handler"
)

// Deps holds optional service dependencies for gRPC handlers.
type Deps struct {
	// Ingester stores and fans out received crash reports. If nil, Export returns Unavailable.
	Ingester *telemetryhandler.Ingester
	// HealthPinger is used by the health service for readiness (e.g. *sql.DB). If nil, Check skips the DB ping.
	HealthPinger healthhandler.Pinger
}

// RegisterServices registers all gRPC services with the given server.
//
// Proto → handler mapping:
//   - opentelemetry.proto.collector.logs.v1.LogsService → internal/telemetry/handler
//   - grpc.health.v1.Health                              → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	collogspb.RegisterLogsServiceServer(s, telemetryhandler.NewLogsServer(deps.Ingester))
	healthpb.RegisterHealthServer(s, healthhandler.NewServer(deps.HealthPinger))
}
