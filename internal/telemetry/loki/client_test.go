package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

func lokiServer(t *testing.T, status int, got *PushRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPushEventJSON_LabelsAndTimestamp(t *testing.T) {
	var got PushRequest
	srv := lokiServer(t, http.StatusNoContent, &got)

	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(domain.Telemetry{
		ID:       "c1",
		Source:   domain.SourceEngine,
		Metadata: domain.Metadata{CreatedAt: created, Type: domain.TypeCrashReport},
		Resource: domain.Resource{AppVersion: "v1.2.3+build 7"},
		Event:    domain.CrashReport{Message: "segfault"},
	})
	require.NoError(t, err)

	require.NoError(t, PushEventJSON(context.Background(), srv.URL+"/", raw))

	require.Len(t, got.Streams, 1)
	s := got.Streams[0]
	assert.Equal(t, map[string]string{
		"job":         "cortex",
		"source":      "cortex-cpp",
		"type":        "CRASH_REPORT",
		"app_version": "v1.2.3_build_7",
	}, s.Stream)
	require.Len(t, s.Values, 1)
	assert.Equal(t, "1775034000000000000", s.Values[0][0])
	assert.Equal(t, string(raw), s.Values[0][1])
}

func TestPushEventJSON_InvalidJSONStillPushed(t *testing.T) {
	var got PushRequest
	srv := lokiServer(t, http.StatusNoContent, &got)

	require.NoError(t, PushEventJSON(context.Background(), srv.URL, []byte("not json")))

	require.Len(t, got.Streams, 1)
	assert.Equal(t, map[string]string{"job": "cortex"}, got.Streams[0].Stream)
	assert.Equal(t, "not json", got.Streams[0].Values[0][1])
}

func TestPushEvent_Non2xx(t *testing.T) {
	var got PushRequest
	srv := lokiServer(t, http.StatusBadRequest, &got)

	err := PushEvent(context.Background(), srv.URL, time.Now(), "line", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestPushEvent_EmptyBaseURL(t *testing.T) {
	assert.Error(t, PushEvent(context.Background(), "", time.Now(), "line", nil))
}

func TestLabels_Nil(t *testing.T) {
	assert.Empty(t, Labels(nil))
}
