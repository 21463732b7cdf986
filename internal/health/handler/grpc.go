package handler

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// pingTimeout bounds a single readiness ping.
const pingTimeout = 2 * time.Second

// Pinger checks a dependency, e.g. *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server implements grpc.health.v1.Health for readiness and liveness. The same check backs the HTTP /healthz route.
type Server struct {
	healthpb.UnimplementedHealthServer
	pinger Pinger
}

// NewServer returns a new Health gRPC server. pinger may be nil; then the server always reports SERVING.
func NewServer(pinger Pinger) *Server {
	return &Server{pinger: pinger}
}

// Ready pings the database, if any.
func (s *Server) Ready(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.pinger.PingContext(ctx)
}

// Check reports SERVING when Ready succeeds and NOT_SERVING otherwise. The service name is ignored.
func (s *Server) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.Ready(ctx); err != nil {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
