package threadstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Store is a local SQLite persistence layer for locally hosted threads, turn audit records and
// thread leases.
//
// Notes:
// - WAL is enabled so readers (message listing, turn audit) do not block the writer.
// - A single connection serializes writes; the lease table relies on that for check-then-set.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Thread struct {
	ThreadID  string
	CreatedAt time.Time
}

// Message is one stored conversation entry. Blocks holds provider-shaped content (tool calls,
// tool results) as JSON; Visible marks entries that belong in the user-facing transcript.
type Message struct {
	ID        int64
	MessageID string
	ThreadID  string
	Role      string
	Content   string
	Blocks    string
	Visible   bool
	CreatedAt time.Time
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return nil
}

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	if err := s.ready(); err != nil {
		return err
	}
	t.ThreadID = strings.TrimSpace(t.ThreadID)
	if t.ThreadID == "" {
		return errors.New("invalid thread")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO threads(thread_id, created_at_unix_ms) VALUES(?, ?)`, t.ThreadID, t.CreatedAt.UnixMilli())
	return err
}

func (s *Store) GetThread(ctx context.Context, threadID string) (Thread, error) {
	if err := s.ready(); err != nil {
		return Thread{}, err
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at_unix_ms FROM threads WHERE thread_id = ?`, strings.TrimSpace(threadID)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	return Thread{ThreadID: strings.TrimSpace(threadID), CreatedAt: time.UnixMilli(ms).UTC()}, nil
}

func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	if err := s.ready(); err != nil {
		return err
	}
	m.ThreadID = strings.TrimSpace(m.ThreadID)
	m.MessageID = strings.TrimSpace(m.MessageID)
	m.Role = strings.TrimSpace(m.Role)
	if m.ThreadID == "" || m.MessageID == "" || m.Role == "" {
		return errors.New("invalid message")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	visible := 0
	if m.Visible {
		visible = 1
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages(message_id, thread_id, role, content, blocks_json, visible, created_at_unix_ms)
SELECT ?, ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM threads WHERE thread_id = ?)
`, m.MessageID, m.ThreadID, m.Role, m.Content, m.Blocks, visible, m.CreatedAt.UnixMilli(), m.ThreadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns the newest limit messages of a thread in append order. visibleOnly
// filters out provider-internal entries.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int, visibleOnly bool) ([]Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	q := `
SELECT id, message_id, thread_id, role, content, blocks_json, visible, created_at_unix_ms
FROM messages
WHERE thread_id = ?`
	if visibleOnly {
		q += ` AND visible = 1`
	}
	q += `
ORDER BY id DESC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, strings.TrimSpace(threadID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var visible int
		var ms int64
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ThreadID, &m.Role, &m.Content, &m.Blocks, &visible, &ms); err != nil {
			return nil, err
		}
		m.Visible = visible == 1
		m.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL UNIQUE,
  thread_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  blocks_json TEXT NOT NULL DEFAULT '',
  visible INTEGER NOT NULL DEFAULT 1,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, id);
CREATE TABLE IF NOT EXISTS turns (
  turn_id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  provider_run_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  started_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns(thread_id, started_at_unix_ms DESC);
CREATE TABLE IF NOT EXISTS turn_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  turn_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_events_turn ON turn_events(turn_id, id);
CREATE TABLE IF NOT EXISTS thread_leases (
  thread_id TEXT PRIMARY KEY,
  token TEXT NOT NULL,
  holder TEXT NOT NULL,
  expires_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
