package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/ghost"

	_ "modernc.org/sqlite"
)

// ErrGhostNotFound is returned when no index row exists for a recording.
var ErrGhostNotFound = errors.New("ghost index row not found")

// GhostRow is one indexed ghost recording.
type GhostRow struct {
	ID         int64
	RoomID     string
	RelPath    string
	CreatedAt  time.Time
	ClosedAt   time.Time
	DurationMS int64
	EventCount int
	SizeBytes  int64
}

// AuditRow is one persisted audit entry.
type AuditRow struct {
	ID        int64
	Tag       string
	Message   string
	CreatedAt time.Time
}

// Store persists the ghost index and audit trail in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Flushes run on their own goroutines; one connection keeps sqlite writers serialized.
	db.SetMaxOpenConns(1)

	st := &Store{db: db, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS ghosts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	rel_path TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL,
	closed_at_unix_ms INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL CHECK(duration_ms >= 0),
	event_count INTEGER NOT NULL CHECK(event_count >= 0),
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0)
);
CREATE INDEX IF NOT EXISTS idx_ghosts_closed_at ON ghosts(closed_at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_ghosts_rel_path ON ghosts(rel_path);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tag TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	slog.Debug("sqlite migrations applied")
	return nil
}

// IndexGhost implements ghost.Index. A room id reused on the same day
// overwrites the file, so every flush gets its own row.
func (s *Store) IndexGhost(ctx context.Context, e ghost.IndexEntry) error {
	if strings.TrimSpace(e.RelPath) == "" {
		return fmt.Errorf("ghost path is required")
	}
	if e.DurationMS < 0 {
		e.DurationMS = 0
	}

	const q = `
INSERT INTO ghosts (
	room_id, rel_path, created_at_unix_ms, closed_at_unix_ms, duration_ms, event_count, size_bytes
) VALUES (?, ?, ?, ?, ?, ?, ?)
`
	result, err := s.db.ExecContext(
		ctx,
		q,
		e.RoomID,
		e.RelPath,
		e.CreatedAt.UnixMilli(),
		e.ClosedAt.UnixMilli(),
		e.DurationMS,
		e.EventCount,
		e.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("insert ghost row: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Debug("ghost indexed", "ghost_id", id, "room_id", e.RoomID, "path", e.RelPath)
	return nil
}

// ListGhosts returns the most recently closed recordings first.
func (s *Store) ListGhosts(ctx context.Context, limit int) ([]GhostRow, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, room_id, rel_path, created_at_unix_ms, closed_at_unix_ms, duration_ms, event_count, size_bytes
FROM ghosts
ORDER BY closed_at_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query ghosts: %w", err)
	}
	defer rows.Close()

	var out []GhostRow
	for rows.Next() {
		g, err := scanGhost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GhostByPath returns the latest index row for a relative recording path.
func (s *Store) GhostByPath(ctx context.Context, relPath string) (GhostRow, error) {
	relPath = strings.TrimSpace(relPath)
	if relPath == "" {
		return GhostRow{}, fmt.Errorf("ghost path is required")
	}
	const q = `
SELECT id, room_id, rel_path, created_at_unix_ms, closed_at_unix_ms, duration_ms, event_count, size_bytes
FROM ghosts
WHERE rel_path = ?
ORDER BY id DESC
LIMIT 1
`
	g, err := scanGhost(s.db.QueryRowContext(ctx, q, relPath))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GhostRow{}, ErrGhostNotFound
		}
		return GhostRow{}, err
	}
	return g, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGhost(row scanner) (GhostRow, error) {
	var (
		g                  GhostRow
		createdMS, closeMS int64
	)
	if err := row.Scan(&g.ID, &g.RoomID, &g.RelPath, &createdMS, &closeMS, &g.DurationMS, &g.EventCount, &g.SizeBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GhostRow{}, err
		}
		return GhostRow{}, fmt.Errorf("scan ghost row: %w", err)
	}
	g.CreatedAt = time.UnixMilli(createdMS).UTC()
	g.ClosedAt = time.UnixMilli(closeMS).UTC()
	return g, nil
}

// LogAudit implements audit.Logger.
func (s *Store) LogAudit(ctx context.Context, tag, message string) error {
	const q = `INSERT INTO audit_log (tag, message, created_at_unix_ms) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, tag, message, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// AuditEntries returns the newest audit rows first.
func (s *Store) AuditEntries(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, tag, message, created_at_unix_ms FROM audit_log ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var (
			r  AuditRow
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Tag, &r.Message, &ms); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
