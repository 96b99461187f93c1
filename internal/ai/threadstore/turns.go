package threadstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Turn is the audit record of one user turn: the provider run it drove and how it ended.
type Turn struct {
	TurnID        string    `json:"turnId"`
	ThreadID      string    `json:"threadId"`
	ProviderRunID string    `json:"runId,omitempty"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	EventCount    int       `json:"eventCount"`
}

type TurnEvent struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// UpsertTurn inserts or updates a turn. Empty ProviderRunID and Error never overwrite stored
// values.
func (s *Store) UpsertTurn(ctx context.Context, t Turn) error {
	if err := s.ready(); err != nil {
		return err
	}
	t.TurnID = strings.TrimSpace(t.TurnID)
	t.ThreadID = strings.TrimSpace(t.ThreadID)
	t.Status = strings.TrimSpace(t.Status)
	if t.TurnID == "" || t.ThreadID == "" || t.Status == "" {
		return errors.New("invalid turn")
	}
	now := time.Now()
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO turns(turn_id, thread_id, provider_run_id, status, error, started_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(turn_id) DO UPDATE SET
  provider_run_id = CASE WHEN excluded.provider_run_id <> '' THEN excluded.provider_run_id ELSE turns.provider_run_id END,
  status = excluded.status,
  error = CASE WHEN excluded.error <> '' THEN excluded.error ELSE turns.error END,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, t.TurnID, t.ThreadID, strings.TrimSpace(t.ProviderRunID), t.Status, truncateRunes(t.Error, 500), t.StartedAt.UnixMilli(), now.UnixMilli())
	return err
}

func (s *Store) AppendTurnEvent(ctx context.Context, turnID string, eventType string, payload string) error {
	if err := s.ready(); err != nil {
		return err
	}
	turnID = strings.TrimSpace(turnID)
	eventType = strings.TrimSpace(eventType)
	if turnID == "" || eventType == "" {
		return errors.New("invalid turn event")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO turn_events(turn_id, event_type, payload_json, created_at_unix_ms)
VALUES(?, ?, ?, ?)
`, turnID, eventType, payload, time.Now().UnixMilli())
	return err
}

// ListTurns returns the newest turns of a thread first.
func (s *Store) ListTurns(ctx context.Context, threadID string, limit int) ([]Turn, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT t.turn_id, t.thread_id, t.provider_run_id, t.status, t.error, t.started_at_unix_ms, t.updated_at_unix_ms,
       (SELECT COUNT(1) FROM turn_events e WHERE e.turn_id = t.turn_id)
FROM turns t
WHERE t.thread_id = ?
ORDER BY t.started_at_unix_ms DESC, t.turn_id DESC
LIMIT ?
`, strings.TrimSpace(threadID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var startedMs, updatedMs int64
		if err := rows.Scan(&t.TurnID, &t.ThreadID, &t.ProviderRunID, &t.Status, &t.Error, &startedMs, &updatedMs, &t.EventCount); err != nil {
			return nil, err
		}
		t.StartedAt = time.UnixMilli(startedMs).UTC()
		t.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListTurnEvents(ctx context.Context, turnID string) ([]TurnEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, event_type, payload_json, created_at_unix_ms
FROM turn_events
WHERE turn_id = ?
ORDER BY id ASC
`, strings.TrimSpace(turnID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnEvent
	for rows.Next() {
		var ev TurnEvent
		var ms int64
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Payload, &ms); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
