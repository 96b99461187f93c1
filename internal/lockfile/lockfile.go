// Package lockfile keeps one aria-agent server per state directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrAlreadyLocked is returned when another server holds the lock.
var ErrAlreadyLocked = errors.New("lock already held")

// Lock is an exclusive advisory lock on a file, held until Release or process exit.
// The file carries the holder's pid so a second server can name it.
type Lock struct {
	path string
	f    *os.File
}

func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	held, err := tryLock(f)
	if err != nil || !held {
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if pid, ok := HolderPID(path); ok {
			return nil, fmt.Errorf("%w by pid %d (%s)", ErrAlreadyLocked, pid, path)
		}
		return nil, fmt.Errorf("%w (%s)", ErrAlreadyLocked, path)
	}

	// A failed write only loses the holder hint.
	_ = writePID(f)
	return &Lock{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

// HolderPID reads the pid recorded by the current holder.
func HolderPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the file. The file itself is left in place. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	return errors.Join(unlock(f), f.Close())
}
