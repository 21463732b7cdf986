// Package producer defines the interface for emitting crash events (e.g. to Kafka).
package producer

import (
	"context"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

// Producer emits crash events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single crash event. Implementations may block briefly; call from a goroutine if needed.
	Emit(ctx context.Context, event *domain.Telemetry) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
