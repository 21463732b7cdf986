package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

// emitTimeout bounds one fire-and-forget emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long the server waits after its listeners stop before closing the event sinks.
// It covers one full emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync forwards event on its own goroutine and returns immediately. Failures are logged with the crash ID.
// The emit runs on a fresh context so a finished request does not cancel it. Nil emitter or event is a no-op.
func EmitAsync(emitter EventEmitter, logger *zap.Logger, event *domain.Telemetry) {
	if emitter == nil || event == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, event); err != nil {
			logger.Warn("async crash event emit failed", zap.String("crash_id", event.ID), zap.Error(err))
		}
	}()
}
