package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/floegence/aria-agent/internal/ai/provider"
	"github.com/floegence/aria-agent/internal/ai/threadstore"
)

const (
	PurposeAddMessage = "add_message"
	PurposeStartRun   = "start_run"
)

// GuardTimings controls how long the guard waits for a thread's runs to settle.
type GuardTimings struct {
	WaitTimeout   time.Duration
	PollInterval  time.Duration
	CancelPause   time.Duration
	RunStartPause time.Duration
	// LeaseTTL enables the cross-process thread lease when positive.
	LeaseTTL time.Duration
}

func DefaultGuardTimings() GuardTimings {
	return GuardTimings{
		WaitTimeout:   5 * time.Second,
		PollInterval:  500 * time.Millisecond,
		CancelPause:   time.Second,
		RunStartPause: 500 * time.Millisecond,
	}
}

func (t GuardTimings) normalized() GuardTimings {
	d := DefaultGuardTimings()
	if t.WaitTimeout < 0 {
		t.WaitTimeout = 0
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.CancelPause < 0 {
		t.CancelPause = 0
	}
	if t.RunStartPause < 0 {
		t.RunStartPause = 0
	}
	if t.LeaseTTL < 0 {
		t.LeaseTTL = 0
	}
	return t
}

// Guard makes sure the provider has no run occupying a thread before a message is added or a run
// is started. Surviving runs are waited on, then force-cancelled.
type Guard struct {
	provider provider.Provider
	store    *threadstore.Store
	holder   string
	log      *slog.Logger

	mu      sync.RWMutex
	timings GuardTimings
}

func NewGuard(p provider.Provider, store *threadstore.Store, holder string, timings GuardTimings, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{provider: p, store: store, holder: holder, log: log, timings: timings.normalized()}
}

func (g *Guard) Timings() GuardTimings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.timings
}

// SetTimings applies new timings to subsequent calls.
func (g *Guard) SetTimings(t GuardTimings) {
	g.mu.Lock()
	g.timings = t.normalized()
	g.mu.Unlock()
}

// Clear returns once the thread has no active provider run, or after survivors of the wait
// window were cancelled and the post-cancel pause elapsed.
func (g *Guard) Clear(ctx context.Context, threadID string, purpose string) error {
	t := g.Timings()
	pause := t.CancelPause
	if purpose == PurposeStartRun {
		pause = t.RunStartPause
	}

	runs, err := g.provider.ActiveRuns(ctx, threadID)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}
	g.log.Info("waiting for active runs", "thread_id", threadID, "purpose", purpose, "runs", len(runs))

	deadline := time.NewTimer(t.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

wait:
	for len(runs) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			break wait
		case <-ticker.C:
		}
		runs, err = g.provider.ActiveRuns(ctx, threadID)
		if err != nil {
			return fmt.Errorf("list active runs: %w", err)
		}
	}
	if len(runs) == 0 {
		return nil
	}

	for _, r := range runs {
		if err := g.provider.CancelRun(ctx, threadID, r.ID); err != nil && !errors.Is(err, provider.ErrNotFound) {
			g.log.Warn("force-cancel failed", "thread_id", threadID, "run_id", r.ID, "purpose", purpose, "error", err)
			continue
		}
		g.log.Warn("force-cancelled stale run", "thread_id", threadID, "run_id", r.ID, "status", r.Status, "purpose", purpose)
	}
	return sleepCtx(ctx, pause)
}

// Lease serializes turns on a thread across processes sharing one store. The returned release
// func is always non-nil. A lease still held by another process after WaitTimeout is stolen.
func (g *Guard) Lease(ctx context.Context, threadID string) (func(), error) {
	t := g.Timings()
	if g.store == nil || t.LeaseTTL <= 0 {
		return func() {}, nil
	}

	lease, err := g.store.AcquireLease(ctx, threadID, g.holder, t.LeaseTTL)
	if errors.Is(err, threadstore.ErrLeaseHeld) {
		lease, err = g.waitLease(ctx, threadID, t)
	}
	if err != nil {
		return func() {}, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.renewLease(stop, lease, t.LeaseTTL)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := g.store.ReleaseLease(rctx, lease); err != nil {
				g.log.Warn("lease release failed", "thread_id", threadID, "error", err)
			}
		})
	}, nil
}

func (g *Guard) waitLease(ctx context.Context, threadID string, t GuardTimings) (threadstore.Lease, error) {
	deadline := time.NewTimer(t.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return threadstore.Lease{}, ctx.Err()
		case <-deadline.C:
			g.log.Warn("stealing thread lease", "thread_id", threadID, "holder", g.holder)
			return g.store.StealLease(ctx, threadID, g.holder, t.LeaseTTL)
		case <-ticker.C:
		}
		lease, err := g.store.AcquireLease(ctx, threadID, g.holder, t.LeaseTTL)
		if errors.Is(err, threadstore.ErrLeaseHeld) {
			continue
		}
		return lease, err
	}
}

func (g *Guard) renewLease(stop <-chan struct{}, lease threadstore.Lease, ttl time.Duration) {
	every := ttl / 3
	if every <= 0 {
		every = ttl
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		next, err := g.store.RenewLease(context.Background(), lease, ttl)
		if err != nil {
			g.log.Warn("lease renew failed", "thread_id", lease.ThreadID, "error", err)
			if errors.Is(err, threadstore.ErrLeaseHeld) {
				return
			}
			continue
		}
		lease = next
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
