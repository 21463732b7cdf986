package interceptors

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"cortex-telemetry/backend/internal/telemetry/domain"
	"cortex-telemetry/backend/internal/telemetry/service"
)

// Reporter records crash reports. *service.CrashReportService implements it.
type Reporter interface {
	CreateCrashReport(ctx context.Context, err error, source domain.Source)
}

// RecoveryUnary returns a unary server interceptor that turns a handler panic into a crash report from the
// server and a codes.Internal error. The server keeps running.
func RecoveryUnary(reporter Reporter, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				perr := service.PanicError(r)
				logger.Error("grpc handler panicked", zap.String("method", info.FullMethod), zap.Error(perr))
				if reporter != nil {
					reporter.CreateCrashReport(ctx, perr, domain.SourceServer)
				}
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// serverFaults are the status codes that indicate a server bug rather than a client or transient problem.
var serverFaults = map[codes.Code]bool{
	codes.Unknown:  true,
	codes.Internal: true,
	codes.DataLoss: true,
}

// ErrorReportUnary returns a unary server interceptor that files a crash report when a handler returns an
// Unknown, Internal or DataLoss error. skipMethods are never reported.
func ErrorReportUnary(reporter Reporter, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil || reporter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		if serverFaults[status.Code(err)] {
			reporter.CreateCrashReport(ctx, err, domain.SourceServer)
		}
		return resp, err
	}
}
