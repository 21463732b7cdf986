package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"cortex-telemetry/backend/internal/requestctx"
)

// Metadata keys clients may send to describe the request.
const (
	ModelIDHeader = "x-model-id"
	CommandHeader = "x-cortex-command"
)

// RequestContextUnary returns a unary server interceptor that records the RPC in requestctx: endpoint is the
// full method name, modelId and command come from the x-model-id and x-cortex-command metadata.
func RequestContextUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		return handler(WithRequestValues(ctx, info.FullMethod), req)
	}
}

// WithRequestValues returns ctx carrying the request values of an RPC to fullMethod.
func WithRequestValues(ctx context.Context, fullMethod string) context.Context {
	return requestctx.WithValues(ctx, requestctx.Values{
		Endpoint: fullMethod,
		ModelID:  firstMetadata(ctx, ModelIDHeader),
		Command:  firstMetadata(ctx, CommandHeader),
	})
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
