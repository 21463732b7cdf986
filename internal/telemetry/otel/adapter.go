package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"cortex-telemetry/backend/internal/telemetry"
	"cortex-telemetry/backend/internal/telemetry/domain"
)

// crashScope is the instrumentation scope of forwarded crash events.
const crashScope = "cortex.crash"

// RecordEmitter is the part of otellog.Logger the emitter needs.
type RecordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends crash events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger(crashScope)}
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger. Nil logger yields a no-op emitter.
func NewEventEmitterWithLogger(logger RecordEmitter) telemetry.EventEmitter {
	if logger == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Telemetry) error { return nil }

type otelEmitter struct {
	logger RecordEmitter
}

// Emit converts the crash event to an ERROR log record with the message as body.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.Telemetry) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.Metadata.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now().UTC())
	rec.SetSeverity(otellog.SeverityError)
	rec.SetSeverityText("ERROR")
	rec.SetBody(otellog.StringValue(event.Event.Message))

	addString(&rec, "crash.id", event.ID)
	addString(&rec, "source", string(event.Source))
	addString(&rec, "type", string(event.Metadata.Type))
	addString(&rec, "app_version", event.Resource.AppVersion)
	addString(&rec, "model_id", event.Event.Payload.ModelID)
	addString(&rec, "endpoint", event.Event.Payload.Endpoint)
	addString(&rec, "command", event.Event.Payload.Command)
	addString(&rec, "stack", event.Event.Stack)

	e.logger.Emit(ctx, rec)
	return nil
}

func addString(rec *otellog.Record, key, value string) {
	if value != "" {
		rec.AddAttributes(otellog.String(key, value))
	}
}
