package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex-telemetry/backend/internal/db"
	"cortex-telemetry/backend/internal/db/migrate"
	"cortex-telemetry/backend/internal/telemetry/domain"
	"cortex-telemetry/backend/internal/telemetry/repository"
)

// recordingExporter keeps exported report IDs and runs onExport inside each Export call.
type recordingExporter struct {
	mu       sync.Mutex
	ids      []string
	onExport func(ctx context.Context)
}

func (e *recordingExporter) Export(ctx context.Context, t *domain.Telemetry) error {
	if e.onExport != nil {
		e.onExport(ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, t.ID)
	return nil
}

func newSQLiteRepository(t *testing.T, server repository.Exporter) *repository.TelemetryRepository {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "telemetry.db")
	require.NoError(t, migrate.Up(dsn))
	conn, err := db.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return repository.NewTelemetryRepository(repository.NewSQLStore(conn, db.SQLite), server, nil)
}

func sentByMessage(t *testing.T, svc *CrashReportService) map[string]bool {
	t.Helper()
	sent := map[string]bool{}
	require.NoError(t, svc.ReadCrashReports(context.Background(), func(r *domain.Telemetry) error {
		sent[r.Event.Message] = r.Metadata.Sent()
		return nil
	}))
	return sent
}

func TestSendCrashReport_CrashDuringSendStaysUnsent(t *testing.T) {
	ctx := context.Background()
	server := &recordingExporter{}
	repo := newSQLiteRepository(t, server)
	svc := NewCrashReportService(repo, nil, Settings{}, nil)

	require.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: "first"}, domain.SourceCLI))
	var once sync.Once
	server.onExport = func(ctx context.Context) {
		once.Do(func() {
			assert.NoError(t, repo.CreateCrashReport(ctx, domain.CrashReport{Message: "second"}, domain.SourceCLI))
		})
	}

	require.NoError(t, svc.SendCrashReport(ctx))
	assert.Equal(t, map[string]bool{"first": true, "second": false}, sentByMessage(t, svc))

	// The next send delivers the report recorded mid-flight.
	require.NoError(t, svc.SendCrashReport(ctx))
	assert.Equal(t, map[string]bool{"first": true, "second": true}, sentByMessage(t, svc))
	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Len(t, server.ids, 2)
}
