package handler

import (
	"context"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LogsServer implements the OTLP LogsService for crash reports.
type LogsServer struct {
	collogspb.UnimplementedLogsServiceServer
	ingester *Ingester
}

// NewLogsServer returns a LogsService server. A nil ingester makes Export return Unavailable.
func NewLogsServer(ingester *Ingester) *LogsServer {
	return &LogsServer{ingester: ingester}
}

// Export stores the crash reports in req. Log records that are not crash reports are accepted and ignored.
func (s *LogsServer) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	if s.ingester == nil {
		return nil, status.Error(codes.Unavailable, "crash report store not configured")
	}
	if _, err := s.ingester.Ingest(ctx, TransportGRPC, req); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &collogspb.ExportLogsServiceResponse{}, nil
}
