package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// scriptedReader replays results, then blocks until ctx is done.
type scriptedReader struct {
	results []result
}

type result struct {
	msg kafka.Message
	err error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.results) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.msg, next.err
}

func TestRun_PushesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &scriptedReader{results: []result{
		{msg: kafka.Message{Key: []byte("a"), Value: []byte(`{"id":"a"}`)}},
		{err: errors.New("rebalance")},
		{msg: kafka.Message{Key: []byte("b"), Value: []byte(`{"id":"b"}`)}},
		{msg: kafka.Message{Key: []byte("c"), Value: []byte(`{"id":"c"}`)}},
	}}
	core, logs := observer.New(zap.InfoLevel)

	var seen []string
	push := func(_ context.Context, raw []byte) error {
		seen = append(seen, string(raw))
		if len(seen) == 3 {
			cancel()
			return errors.New("loki 500")
		}
		return nil
	}

	pushed := Run(ctx, reader, push, zap.New(core))

	assert.Equal(t, 2, pushed)
	assert.Equal(t, []string{`{"id":"a"}`, `{"id":"b"}`, `{"id":"c"}`}, seen)
	assert.Equal(t, 1, logs.FilterMessage("kafka read failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("loki push failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("worker stopped").Len())
}

func TestLokiPusher(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := LokiPusher(srv.URL)(context.Background(), []byte(`{"id":"x","source":"cortex-cli"}`))

	assert.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}
