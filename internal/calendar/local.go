package calendar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// LocalStore is a SQLite-backed calendar used for development and single-user installs.
// Events are partitioned by Credential.UserID.
type LocalStore struct {
	db          *sql.DB
	requireAuth bool
}

type LocalOptions struct {
	// RequireAuth makes every call fail with ErrAuthRequired when the credential has no token.
	RequireAuth bool
}

func OpenLocal(path string, opts LocalOptions) (*LocalStore, error) {
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
	if err := initLocalSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &LocalStore{db: db, requireAuth: opts.RequireAuth}, nil
}

func (s *LocalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initLocalSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS calendar_events (
  event_id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  title TEXT NOT NULL,
  start_unix_ms INTEGER NOT NULL,
  end_unix_ms INTEGER NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  location TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calendar_events_owner_start ON calendar_events(owner_id, start_unix_ms);
`)
	return err
}

func (s *LocalStore) check(cred Credential) error {
	if s == nil || s.db == nil {
		return errors.New("calendar store not initialized")
	}
	if s.requireAuth && cred.Empty() {
		return ErrAuthRequired
	}
	return nil
}

func ownerOf(cred Credential) string {
	if id := strings.TrimSpace(cred.UserID); id != "" {
		return id
	}
	return "local"
}

func (s *LocalStore) ListEvents(ctx context.Context, cred Credential, start, end time.Time) ([]Event, error) {
	if err := s.check(cred); err != nil {
		return nil, err
	}
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, title, start_unix_ms, end_unix_ms, description, location
FROM calendar_events
WHERE owner_id = ? AND start_unix_ms < ? AND end_unix_ms > ?
ORDER BY start_unix_ms ASC
LIMIT 250
`, ownerOf(cred), end.UnixMilli(), start.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		var startMs, endMs int64
		if err := rows.Scan(&ev.ID, &ev.Title, &startMs, &endMs, &ev.Description, &ev.Location); err != nil {
			return nil, err
		}
		ev.Start = time.UnixMilli(startMs).UTC()
		ev.End = time.UnixMilli(endMs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *LocalStore) CreateEvent(ctx context.Context, cred Credential, in EventInput) (Event, error) {
	if err := s.check(cred); err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return Event{}, errors.New("title is required")
	}
	if err := ValidateRange(in.Start, in.End); err != nil {
		return Event{}, err
	}
	ev := Event{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		Start:       in.Start.UTC(),
		End:         in.End.UTC(),
		Description: strings.TrimSpace(in.Description),
		Location:    strings.TrimSpace(in.Location),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO calendar_events(event_id, owner_id, title, start_unix_ms, end_unix_ms, description, location, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, ev.ID, ownerOf(cred), ev.Title, ev.Start.UnixMilli(), ev.End.UnixMilli(), ev.Description, ev.Location, time.Now().UnixMilli())
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (s *LocalStore) get(ctx context.Context, owner string, eventID string) (Event, error) {
	var ev Event
	var startMs, endMs int64
	err := s.db.QueryRowContext(ctx, `
SELECT event_id, title, start_unix_ms, end_unix_ms, description, location
FROM calendar_events
WHERE owner_id = ? AND event_id = ?
`, owner, eventID).Scan(&ev.ID, &ev.Title, &startMs, &endMs, &ev.Description, &ev.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	ev.Start = time.UnixMilli(startMs).UTC()
	ev.End = time.UnixMilli(endMs).UTC()
	return ev, nil
}

func (s *LocalStore) UpdateEvent(ctx context.Context, cred Credential, eventID string, patch EventPatch) (Event, error) {
	if err := s.check(cred); err != nil {
		return Event{}, err
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return Event{}, errors.New("eventId is required")
	}
	owner := ownerOf(cred)
	cur, err := s.get(ctx, owner, eventID)
	if err != nil {
		return Event{}, err
	}
	next := patch.Apply(cur)
	if err := ValidateRange(next.Start, next.End); err != nil {
		return Event{}, err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE calendar_events
SET title = ?, start_unix_ms = ?, end_unix_ms = ?, description = ?, location = ?
WHERE owner_id = ? AND event_id = ?
`, next.Title, next.Start.UnixMilli(), next.End.UnixMilli(), next.Description, next.Location, owner, eventID)
	if err != nil {
		return Event{}, err
	}
	next.Start = next.Start.UTC()
	next.End = next.End.UTC()
	return next, nil
}

func (s *LocalStore) DeleteEvent(ctx context.Context, cred Credential, eventID string) error {
	if err := s.check(cred); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE owner_id = ? AND event_id = ?`, ownerOf(cred), strings.TrimSpace(eventID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
