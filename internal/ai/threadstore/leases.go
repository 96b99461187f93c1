package threadstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseHeld reports that another holder owns an unexpired lease on the thread.
var ErrLeaseHeld = errors.New("thread lease held by another holder")

// Lease grants its holder the thread's run slot until ExpiresAt.
type Lease struct {
	ThreadID  string
	Token     string
	Holder    string
	ExpiresAt time.Time
}

// AcquireLease takes the thread's lease if it is free or expired.
func (s *Store) AcquireLease(ctx context.Context, threadID string, holder string, ttl time.Duration) (Lease, error) {
	if err := s.ready(); err != nil {
		return Lease{}, err
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" || ttl <= 0 {
		return Lease{}, errors.New("invalid lease request")
	}
	now := time.Now()
	l := Lease{
		ThreadID:  threadID,
		Token:     uuid.NewString(),
		Holder:    strings.TrimSpace(holder),
		ExpiresAt: now.Add(ttl),
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO thread_leases(thread_id, token, holder, expires_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  token = excluded.token,
  holder = excluded.holder,
  expires_at_unix_ms = excluded.expires_at_unix_ms
WHERE thread_leases.expires_at_unix_ms <= ?
`, l.ThreadID, l.Token, l.Holder, l.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Lease{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lease{}, ErrLeaseHeld
	}
	return l, nil
}

// StealLease replaces whatever lease exists on the thread.
func (s *Store) StealLease(ctx context.Context, threadID string, holder string, ttl time.Duration) (Lease, error) {
	if err := s.ready(); err != nil {
		return Lease{}, err
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" || ttl <= 0 {
		return Lease{}, errors.New("invalid lease request")
	}
	l := Lease{ThreadID: threadID, Token: uuid.NewString(), Holder: strings.TrimSpace(holder), ExpiresAt: time.Now().Add(ttl)}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO thread_leases(thread_id, token, holder, expires_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  token = excluded.token,
  holder = excluded.holder,
  expires_at_unix_ms = excluded.expires_at_unix_ms
`, l.ThreadID, l.Token, l.Holder, l.ExpiresAt.UnixMilli())
	if err != nil {
		return Lease{}, err
	}
	return l, nil
}

// RenewLease extends a lease the caller still holds.
func (s *Store) RenewLease(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	if err := s.ready(); err != nil {
		return Lease{}, err
	}
	next := l
	next.ExpiresAt = time.Now().Add(ttl)
	res, err := s.db.ExecContext(ctx, `
UPDATE thread_leases SET expires_at_unix_ms = ?
WHERE thread_id = ? AND token = ?
`, next.ExpiresAt.UnixMilli(), l.ThreadID, l.Token)
	if err != nil {
		return Lease{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lease{}, ErrLeaseHeld
	}
	return next, nil
}

// ReleaseLease drops the lease if the token still matches. Releasing a lost lease is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, l Lease) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_leases WHERE thread_id = ? AND token = ?`, l.ThreadID, l.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

func (s *Store) CurrentLease(ctx context.Context, threadID string) (Lease, error) {
	if err := s.ready(); err != nil {
		return Lease{}, err
	}
	var l Lease
	var ms int64
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, token, holder, expires_at_unix_ms FROM thread_leases WHERE thread_id = ?
`, strings.TrimSpace(threadID)).Scan(&l.ThreadID, &l.Token, &l.Holder, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, err
	}
	l.ExpiresAt = time.UnixMilli(ms).UTC()
	return l, nil
}
