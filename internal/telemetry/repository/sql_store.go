package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cortex-telemetry/backend/internal/db"
	"cortex-telemetry/backend/internal/telemetry/domain"
)

const selectColumns = `id, source, type, message, stack, payload, resource, created_at, sent_at`

// SQLStore persists crash reports in the crash_reports table (Postgres or SQLite).
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLStore returns a store over conn. Queries are rebound to the placeholders of dialect.
func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{db: conn, dialect: dialect}
}

// Save inserts t. Rows whose ID already exists are left untouched; inserted reports whether a row was written.
func (s *SQLStore) Save(ctx context.Context, t *domain.Telemetry) (inserted bool, err error) {
	if t == nil {
		return false, errors.New("repository: nil telemetry")
	}
	payload, err := json.Marshal(t.Event.Payload)
	if err != nil {
		return false, err
	}
	resource, err := json.Marshal(t.Resource)
	if err != nil {
		return false, err
	}
	typ := t.Metadata.Type
	if typ == "" {
		typ = domain.TypeCrashReport
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO crash_reports
		(id, source, type, message, stack, payload, resource, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		t.ID,
		string(t.Source),
		string(typ),
		t.Event.Message,
		nullString(t.Event.Stack),
		string(payload),
		string(resource),
		t.Metadata.CreatedAt.UTC(),
		nullTime(t.Metadata.SentAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert crash report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Last returns the most recently stored report, or nil if not found.
// It returns an error only for database failures, not for an empty table.
func (s *SQLStore) Last(ctx context.Context) (*domain.Telemetry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM crash_reports ORDER BY seq DESC LIMIT 1`)
	t, err := scanTelemetry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// MarkLastSent sets sent_at on the most recently stored report. It is a no-op on an empty table.
func (s *SQLStore) MarkLastSent(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE crash_reports SET sent_at = ?
		WHERE seq = (SELECT MAX(seq) FROM crash_reports)`), at.UTC())
	if err != nil {
		return fmt.Errorf("mark crash report sent: %w", err)
	}
	return nil
}

// MarkSent sets sent_at on the report with id. Unknown IDs are a no-op.
func (s *SQLStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE crash_reports SET sent_at = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark crash report %s sent: %w", id, err)
	}
	return nil
}

// Each calls fn for every stored report in insertion order.
func (s *SQLStore) Each(ctx context.Context, fn func(*domain.Telemetry) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM crash_reports ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTelemetry(rows)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListBySource returns up to limit reports, newest first. An empty source matches all sources.
func (s *SQLStore) ListBySource(ctx context.Context, source domain.Source, limit int) ([]*domain.Telemetry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + selectColumns + ` FROM crash_reports`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, string(source))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Telemetry
	for rows.Next() {
		t, err := scanTelemetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != db.Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTelemetry(row scanner) (*domain.Telemetry, error) {
	var (
		t        domain.Telemetry
		source   string
		typ      string
		stack    sql.NullString
		payload  string
		resource string
		sentAt   sql.NullTime
	)
	if err := row.Scan(&t.ID, &source, &typ, &t.Event.Message, &stack, &payload, &resource, &t.Metadata.CreatedAt, &sentAt); err != nil {
		return nil, err
	}
	t.Source = domain.Source(source)
	t.Metadata.Type = domain.Type(typ)
	t.Event.Stack = stack.String
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &t.Event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", t.ID, err)
		}
	}
	if resource != "" {
		if err := json.Unmarshal([]byte(resource), &t.Resource); err != nil {
			return nil, fmt.Errorf("decode resource of %s: %w", t.ID, err)
		}
	}
	t.Metadata.CreatedAt = t.Metadata.CreatedAt.UTC()
	if sentAt.Valid {
		at := sentAt.Time.UTC()
		t.Metadata.SentAt = &at
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
