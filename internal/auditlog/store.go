// Package auditlog keeps an append-only JSONL trail of tool invocations so calendar changes made
// on a user's behalf can be reviewed after the fact.
package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20)
	defaultMaxBackups = 3
	maxListLimit      = 1000

	fileName = "tools.jsonl"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Entry is one tool invocation. Tool arguments are not recorded: they carry event titles and
// other user text.
type Entry struct {
	CreatedAt string `json:"created_at"`

	Tool   string `json:"tool"`
	CallID string `json:"call_id,omitempty"`
	Status Status `json:"status"`

	// Error and Code are set for failures.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// Dir receives tools.jsonl and its numbered backups tools.jsonl.1 (newest) .. tools.jsonl.N.
	Dir string

	// MaxBytes is the size at which the active file is rotated.
	MaxBytes int64
	// MaxBackups is N above.
	MaxBackups int

	Now func() time.Time
}

// Store appends entries to the active file and shifts it into the backups when it grows past
// MaxBytes. A nil *Store discards writes and lists nothing.
type Store struct {
	log        *slog.Logger
	now        func() time.Time
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing Dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &Store{
		log:        opts.Logger,
		now:        opts.Now,
		path:       filepath.Join(dir, fileName),
		maxBytes:   opts.MaxBytes,
		maxBackups: opts.MaxBackups,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	if s.maxBackups <= 0 {
		s.maxBackups = defaultMaxBackups
	}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	s.f, s.size = f, st.Size()
	return nil
}

// Append records e. Failures are logged and swallowed so auditing never fails a turn.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}
	if e.CreatedAt == "" {
		e.CreatedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	line, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("tool audit encode failed", "tool", e.Tool, "error", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if err := s.openLocked(); err != nil {
			s.log.Warn("tool audit reopen failed", "error", err)
			return
		}
	}
	n, err := s.f.Write(line)
	s.size += int64(n)
	if err != nil {
		s.log.Warn("tool audit append failed", "tool", e.Tool, "error", err)
		return
	}
	if s.size > s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			s.log.Warn("tool audit rotate failed", "error", err)
		}
	}
}

func (s *Store) backup(i int) string { return fmt.Sprintf("%s.%d", s.path, i) }

// rotateLocked shifts tools.jsonl.i to .i+1, dropping the oldest, then starts a new active file.
func (s *Store) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		s.log.Warn("tool audit close failed", "error", err)
	}
	s.f = nil
	_ = os.Remove(s.backup(s.maxBackups))
	for i := s.maxBackups - 1; i >= 1; i-- {
		if err := os.Rename(s.backup(i), s.backup(i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(s.path, s.backup(1)); err != nil {
		return err
	}
	return s.openLocked()
}

// Close flushes and closes the active file. Later Appends reopen it.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// List returns up to limit entries, newest first, from the active file and then each backup.
// An empty threadID matches every thread.
func (s *Store) List(threadID string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	limit = min(limit, maxListLimit)
	threadID = strings.TrimSpace(threadID)

	// Holding the lock keeps rotation from renaming files mid-read.
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for i := 0; i <= s.maxBackups && len(out) < limit; i++ {
		path := s.path
		if i > 0 {
			path = s.backup(i)
		}
		entries, err := readEntries(path, threadID)
		if err != nil {
			s.log.Warn("tool audit read failed", "path", path, "error", err)
			continue
		}
		for j := len(entries) - 1; j >= 0 && len(out) < limit; j-- {
			out = append(out, entries[j])
		}
	}
	return out, nil
}

// readEntries decodes a file oldest first. Undecodable lines end the read of that file.
func readEntries(path, threadID string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	dec := json.NewDecoder(f)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			// io.EOF, or a torn last line after a crash.
			return entries, nil
		}
		if threadID == "" || e.ThreadID == threadID {
			entries = append(entries, e)
		}
	}
}
