package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is a journaled session event such as a state change or a shown error.
type Record struct {
	ID        int64
	SessionID string
	Type      string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// EntryRow is a persisted transcript line.
type EntryRow struct {
	SessionID string
	Index     int
	Speaker   string
	Text      string
	AudioURL  string
	CreatedAt time.Time
}

// Store wraps the SQLite conversation journal. In ephemeral mode every write
// is a no-op and nothing touches disk.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Session retention clears
// what previous runs left behind.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		if _, err := db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
			db.Close()
			return nil, fmt.Errorf("reset journal: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    username TEXT,
    endpoint TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
    session_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    speaker TEXT NOT NULL,
    text TEXT NOT NULL,
    audio_url TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY(session_id, idx),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    kind TEXT,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether writes reach the database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, username, endpoint string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, username, endpoint, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET username=excluded.username, endpoint=excluded.endpoint`,
		sessionID, username, endpoint, formatTime(s.clock()))
	return err
}

// AppendEntry persists one transcript line.
func (s *Store) AppendEntry(ctx context.Context, row EntryRow) error {
	if !s.Enabled() {
		return nil
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(session_id, idx, speaker, text, audio_url, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		row.SessionID, row.Index, row.Speaker, row.Text, row.AudioURL, formatTime(row.CreatedAt))
	return err
}

// AppendRecord writes a session event into the journal.
func (s *Store) AppendRecord(ctx context.Context, rec Record) error {
	if !s.Enabled() {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, kind, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Type, rec.Kind, rec.Payload, formatTime(rec.CreatedAt))
	return err
}

// ListEntries returns up to limit transcript lines of a session in order.
func (s *Store) ListEntries(ctx context.Context, sessionID string, limit int) ([]EntryRow, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, idx, speaker, text, COALESCE(audio_url, ''), created_at
		 FROM entries WHERE session_id = ? ORDER BY idx ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntryRow
	for rows.Next() {
		var e EntryRow
		var created string
		if err := rows.Scan(&e.SessionID, &e.Index, &e.Speaker, &e.Text, &e.AudioURL, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRecords retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListRecords(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, COALESCE(kind, ''), payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Type, &r.Kind, &r.Payload, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies persistent retention limits (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() || s.cfg.RetentionMode != "persistent" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
