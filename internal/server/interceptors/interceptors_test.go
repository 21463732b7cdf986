package interceptors

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"cortex-telemetry/backend/internal/requestctx"
	"cortex-telemetry/backend/internal/telemetry/domain"
)

const method = "/opentelemetry.proto.collector.logs.v1.LogsService/Export"

var info = &grpc.UnaryServerInfo{FullMethod: method}

// mockReporter records reported errors.
type mockReporter struct {
	mu       sync.Mutex
	errs     []error
	sources  []domain.Source
	payloads []requestctx.Values
}

func (m *mockReporter) CreateCrashReport(ctx context.Context, err error, source domain.Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
	m.sources = append(m.sources, source)
	m.payloads = append(m.payloads, requestctx.Values{
		ModelID:  requestctx.Get(ctx, requestctx.ModelID),
		Endpoint: requestctx.Get(ctx, requestctx.Endpoint),
		Command:  requestctx.Get(ctx, requestctx.Command),
	})
}

func TestRequestContextUnary_SetsValues(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		ModelIDHeader, " llama3 ",
		CommandHeader, "models start",
	))

	var got requestctx.Values
	_, err := RequestContextUnary()(ctx, nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
		got = requestctx.Values{
			ModelID:  requestctx.Get(ctx, requestctx.ModelID),
			Endpoint: requestctx.Get(ctx, requestctx.Endpoint),
			Command:  requestctx.Get(ctx, requestctx.Command),
		}
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, requestctx.Values{ModelID: "llama3", Endpoint: method, Command: "models start"}, got)
}

func TestRequestContextUnary_NoMetadata(t *testing.T) {
	_, err := RequestContextUnary()(context.Background(), nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
		assert.Equal(t, method, requestctx.Get(ctx, requestctx.Endpoint))
		_, ok := requestctx.Lookup(ctx, requestctx.ModelID)
		assert.False(t, ok)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestRecoveryUnary_ReportsPanic(t *testing.T) {
	reporter := &mockReporter{}
	core, logs := observer.New(zap.ErrorLevel)
	chain := func(ctx context.Context, req interface{}) (interface{}, error) {
		return RecoveryUnary(reporter, zap.New(core))(ctx, req, info, func(context.Context, interface{}) (interface{}, error) {
			panic("nil pointer")
		})
	}
	// RequestContextUnary runs first so the report carries the endpoint.
	resp, err := RequestContextUnary()(context.Background(), nil, info, chain)

	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, status.Code(err))
	require.Len(t, reporter.errs, 1)
	assert.Equal(t, "nil pointer", reporter.errs[0].Error())
	assert.Equal(t, domain.SourceServer, reporter.sources[0])
	assert.Equal(t, method, reporter.payloads[0].Endpoint)
	assert.Equal(t, 1, logs.FilterMessage("grpc handler panicked").Len())
}

func TestRecoveryUnary_PassesThrough(t *testing.T) {
	reporter := &mockReporter{}
	want := status.Error(codes.NotFound, "nope")
	resp, err := RecoveryUnary(reporter, nil)(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return "ok", want
	})
	assert.Equal(t, "ok", resp)
	assert.Equal(t, want, err)
	assert.Empty(t, reporter.errs)
}

func TestRecoveryUnary_NilReporter(t *testing.T) {
	_, err := RecoveryUnary(nil, nil)(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		panic(errors.New("boom"))
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestErrorReportUnary(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		skip       bool
		wantReport bool
	}{
		{"ok", nil, false, false},
		{"internal", status.Error(codes.Internal, "db corrupted"), false, true},
		{"plain error is unknown", errors.New("oops"), false, true},
		{"client error", status.Error(codes.InvalidArgument, "bad"), false, false},
		{"unavailable", status.Error(codes.Unavailable, "down"), false, false},
		{"skipped method", status.Error(codes.Internal, "x"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reporter := &mockReporter{}
			skip := map[string]bool{}
			if tt.skip {
				skip[method] = true
			}
			_, err := ErrorReportUnary(reporter, skip)(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
				return nil, tt.err
			})
			assert.Equal(t, tt.err, err)
			assert.Equal(t, tt.wantReport, len(reporter.errs) == 1)
		})
	}
}

func TestLoggingUnary_LogsFailuresAtWarn(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := LoggingUnary(zap.New(core))
	handler := func(err error) grpc.UnaryHandler {
		return func(context.Context, interface{}) (interface{}, error) { return nil, err }
	}

	_, _ = log(context.Background(), nil, info, handler(nil))
	_, _ = log(context.Background(), nil, info, handler(status.Error(codes.Unavailable, "down")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Unavailable", entries[0].ContextMap()["code"])
	assert.Equal(t, method, entries[0].ContextMap()["method"])
}

func TestClientIP(t *testing.T) {
	md := metadata.Pairs("x-forwarded-for", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", ClientIP(metadata.NewIncomingContext(context.Background(), md)))

	md = metadata.Pairs("x-real-ip", "10.0.0.9")
	assert.Equal(t, "10.0.0.9", ClientIP(metadata.NewIncomingContext(context.Background(), md)))

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.5"), Port: 5555}})
	assert.Equal(t, "192.168.1.5", ClientIP(ctx))

	assert.Equal(t, "unknown", ClientIP(context.Background()))
}
