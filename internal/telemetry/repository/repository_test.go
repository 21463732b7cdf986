package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex-telemetry/backend/internal/db"
	"cortex-telemetry/backend/internal/db/migrate"
	"cortex-telemetry/backend/internal/telemetry/domain"
)

// newTestStore returns a SQLStore over a migrated sqlite database in a temp dir.
func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "telemetry.db")
	require.NoError(t, migrate.Up(dsn))
	conn, err := db.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewSQLStore(conn, db.SQLite)
}

// mockExporter records exported reports and fails with err when set.
type mockExporter struct {
	mu       sync.Mutex
	exported []*domain.Telemetry
	err      error
}

func (m *mockExporter) Export(_ context.Context, t *domain.Telemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.exported = append(m.exported, t)
	return nil
}

func (m *mockExporter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exported)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestCreateCrashReport_PersistsWithMetadata(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewTelemetryRepository(newTestStore(t), nil, nil,
		WithClock(fixedClock(created)),
		WithResource(HostResource("1.2.3")),
	)

	report := domain.CrashReport{
		Message: "boom",
		Stack:   "main.go:10",
		Payload: domain.Payload{ModelID: "m1", Endpoint: "/chat"},
	}
	require.NoError(t, repo.CreateCrashReport(ctx, report, domain.SourceServer))

	last, err := repo.GetLastCrashReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.NotEmpty(t, last.ID)
	assert.Equal(t, domain.SourceServer, last.Source)
	assert.Equal(t, domain.TypeCrashReport, last.Metadata.Type)
	assert.True(t, created.Equal(last.Metadata.CreatedAt), "created_at = %v", last.Metadata.CreatedAt)
	assert.Nil(t, last.Metadata.SentAt)
	assert.Equal(t, report, last.Event)
	assert.Equal(t, "cortex-server", last.Resource.ServiceName)
	assert.Equal(t, "1.2.3", last.Resource.AppVersion)
	assert.NotEmpty(t, last.Resource.OSName)
}

func TestGetLastCrashReport_EmptyReturnsNil(t *testing.T) {
	repo := NewTelemetryRepository(newTestStore(t), nil, nil)
	last, err := repo.GetLastCrashReport(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestGetLastCrashReport_ReturnsNewest(t *testing.T) {
	ctx := context.Background()
	repo := NewTelemetryRepository(newTestStore(t), nil, nil)
	require.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: "first"}, domain.SourceCLI))
	require.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: "second"}, domain.SourceCLI))

	last, err := repo.GetLastCrashReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", last.Event.Message)
}

func TestMarkLastCrashReportAsSent_OnlyMarksNewest(t *testing.T) {
	ctx := context.Background()
	sent := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	repo := NewTelemetryRepository(newTestStore(t), nil, nil, WithClock(fixedClock(sent)))
	require.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: "old"}, domain.SourceCLI))
	require.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: "new"}, domain.SourceCLI))

	require.NoError(t, repo.MarkLastCrashReportAsSent(ctx))

	var got []*domain.Telemetry
	require.NoError(t, repo.ReadCrashReports(ctx, func(t *domain.Telemetry) error {
		got = append(got, t)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Nil(t, got[0].Metadata.SentAt)
	require.NotNil(t, got[1].Metadata.SentAt)
	assert.True(t, sent.Equal(*got[1].Metadata.SentAt))
}

func TestMarkLastCrashReportAsSent_EmptyIsNoop(t *testing.T) {
	repo := NewTelemetryRepository(newTestStore(t), nil, nil)
	assert.NoError(t, repo.MarkLastCrashReportAsSent(context.Background()))
}

func TestReadCrashReports_StopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	repo := NewTelemetryRepository(newTestStore(t), nil, nil)
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: msg}, domain.SourceCLI))
	}

	stop := errors.New("stop")
	var seen []string
	err := repo.ReadCrashReports(ctx, func(t *domain.Telemetry) error {
		seen = append(seen, t.Event.Message)
		if len(seen) == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestSendTelemetryToServer(t *testing.T) {
	ctx := context.Background()
	server := &mockExporter{}
	repo := NewTelemetryRepository(newTestStore(t), server, nil)

	require.NoError(t, repo.SendTelemetryToServer(ctx, &domain.Telemetry{ID: "1"}))
	assert.Equal(t, 1, server.count())

	server.err = errors.New("503")
	err := repo.SendTelemetryToServer(ctx, &domain.Telemetry{ID: "2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send to telemetry server")
}

func TestSendTelemetryToServer_NotConfigured(t *testing.T) {
	repo := NewTelemetryRepository(newTestStore(t), nil, nil)
	assert.Error(t, repo.SendTelemetryToServer(context.Background(), &domain.Telemetry{}))
}

func TestSendTelemetryToOTelCollector_CachesExporterPerEndpoint(t *testing.T) {
	ctx := context.Background()
	built := map[string]*mockExporter{}
	factory := func(endpoint string) (Exporter, error) {
		exp := &mockExporter{}
		built[endpoint] = exp
		return exp, nil
	}
	repo := NewTelemetryRepository(newTestStore(t), nil, factory)

	require.NoError(t, repo.SendTelemetryToOTelCollector(ctx, "http://a:4318", &domain.Telemetry{ID: "1"}))
	require.NoError(t, repo.SendTelemetryToOTelCollector(ctx, "http://a:4318", &domain.Telemetry{ID: "2"}))
	require.NoError(t, repo.SendTelemetryToOTelCollector(ctx, "http://b:4318", &domain.Telemetry{ID: "3"}))

	require.Len(t, built, 2)
	assert.Equal(t, 2, built["http://a:4318"].count())
	assert.Equal(t, 1, built["http://b:4318"].count())
}

func TestSendTelemetryToOTelCollector_Errors(t *testing.T) {
	ctx := context.Background()
	repo := NewTelemetryRepository(newTestStore(t), nil, func(string) (Exporter, error) {
		return nil, errors.New("bad endpoint")
	})
	assert.Error(t, repo.SendTelemetryToOTelCollector(ctx, "", &domain.Telemetry{}))
	assert.ErrorContains(t, repo.SendTelemetryToOTelCollector(ctx, "::", &domain.Telemetry{}), "bad endpoint")

	noFactory := NewTelemetryRepository(newTestStore(t), nil, nil)
	assert.Error(t, noFactory.SendTelemetryToOTelCollector(ctx, "http://a", &domain.Telemetry{}))
}

func TestSQLStore_SaveIgnoresDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := &domain.Telemetry{
		ID:       "dup-1",
		Source:   domain.SourceEngine,
		Metadata: domain.Metadata{CreatedAt: time.Now(), Type: domain.TypeCrashReport},
		Event:    domain.CrashReport{Message: "first"},
	}
	inserted, err := store.Save(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	rec.Event.Message = "second"
	inserted, err = store.Save(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	last, err := store.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", last.Event.Message)
}

func TestSQLStore_SaveNil(t *testing.T) {
	_, err := newTestStore(t).Save(context.Background(), nil)
	assert.Error(t, err)
}

func TestSQLStore_ListBySource(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i, src := range []domain.Source{domain.SourceCLI, domain.SourceServer, domain.SourceCLI} {
		_, err := store.Save(ctx, &domain.Telemetry{
			ID:       string(rune('a' + i)),
			Source:   src,
			Metadata: domain.Metadata{CreatedAt: time.Now()},
			Event:    domain.CrashReport{Message: string(src)},
		})
		require.NoError(t, err)
	}

	cli, err := store.ListBySource(ctx, domain.SourceCLI, 10)
	require.NoError(t, err)
	require.Len(t, cli, 2)
	assert.Equal(t, "c", cli[0].ID, "newest first")

	all, err := store.ListBySource(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRebind(t *testing.T) {
	pg := NewSQLStore(nil, db.Postgres)
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))

	lite := NewSQLStore(nil, db.SQLite)
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
}

type closingExporter struct {
	mockExporter
	closed int
}

func (c *closingExporter) Close() error {
	c.closed++
	return nil
}

func TestClose_ClosesExporters(t *testing.T) {
	ctx := context.Background()
	server := &closingExporter{}
	collector := &closingExporter{}
	repo := NewTelemetryRepository(newTestStore(t), server, func(string) (Exporter, error) { return collector, nil })
	require.NoError(t, repo.SendTelemetryToOTelCollector(ctx, "http://a:4318", &domain.Telemetry{ID: "1"}))

	require.NoError(t, repo.Close())
	assert.Equal(t, 1, server.closed)
	assert.Equal(t, 1, collector.closed)
}

func TestMarkLastCrashReportAsSent_MarksFetchedReport(t *testing.T) {
	ctx := context.Background()
	repo := NewTelemetryRepository(newTestStore(t), nil, nil)
	require.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: "first"}, domain.SourceCLI))

	fetched, err := repo.GetLastCrashReport(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", fetched.Event.Message)

	// A crash recorded after the fetch must not take the mark.
	require.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: "second"}, domain.SourceCLI))
	require.NoError(t, repo.MarkLastCrashReportAsSent(ctx))

	sent := map[string]bool{}
	require.NoError(t, repo.ReadCrashReports(ctx, func(t *domain.Telemetry) error {
		sent[t.Event.Message] = t.Metadata.Sent()
		return nil
	}))
	assert.Equal(t, map[string]bool{"first": true, "second": false}, sent)
}

func TestSQLStore_MarkSentUnknownID(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.MarkSent(context.Background(), "missing", time.Now()))
}
