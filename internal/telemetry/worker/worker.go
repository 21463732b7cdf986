// Package worker forwards crash events from Kafka to Grafana Loki.
package worker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"cortex-telemetry/backend/internal/telemetry/loki"
)

// pushTimeout bounds a single Loki push.
const pushTimeout = 10 * time.Second

// MessageReader is the subset of *kafka.Reader used by Run.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// PushFunc pushes one raw crash event. loki.PushEventJSON bound to a URL is the production implementation.
type PushFunc func(ctx context.Context, raw []byte) error

// NewReader returns a consumer-group reader for the crash event topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
}

// LokiPusher returns a PushFunc that sends events to the Loki instance at baseURL.
func LokiPusher(baseURL string) PushFunc {
	return func(ctx context.Context, raw []byte) error {
		return loki.PushEventJSON(ctx, baseURL, raw)
	}
}

// Run reads messages until ctx is done and pushes each one. Read and push failures are logged and skipped.
// Returns the number of events pushed successfully.
func Run(ctx context.Context, reader MessageReader, push PushFunc, logger *zap.Logger) int {
	if logger == nil {
		logger = zap.NewNop()
	}
	pushed := 0
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker stopped", zap.Int("pushed", pushed))
				return pushed
			}
			logger.Warn("kafka read failed", zap.Error(err))
			continue
		}

		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		err = push(pushCtx, msg.Value)
		cancel()
		if err != nil {
			logger.Warn("loki push failed",
				zap.String("crash_id", string(msg.Key)),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		pushed++
	}
}
