// Package telemetry holds the crash event fan-out shared by the server and worker.
package telemetry

import (
	"context"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

// EventEmitter forwards stored crash reports downstream (Kafka, OTel logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.Telemetry) error
}

// MultiEmitter emits to every emitter in order and returns the first error after trying all of them.
type MultiEmitter []EventEmitter

// Emit implements EventEmitter.
func (m MultiEmitter) Emit(ctx context.Context, event *domain.Telemetry) error {
	var first error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
