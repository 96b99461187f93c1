package ai

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// activeTurn holds a thread's in-process turn slot.
type activeTurn struct {
	id       string
	threadID string
	cancel   context.CancelFunc
	done     chan struct{}
}

// turnSlots allows one turn per thread inside this process.
type turnSlots struct {
	mu       sync.Mutex
	byThread map[string]*activeTurn
	// latest is the sequence number of the newest claim per thread still waiting for its slot.
	latest map[string]uint64
	seq    uint64
}

func newTurnSlots() *turnSlots {
	return &turnSlots{byThread: make(map[string]*activeTurn), latest: make(map[string]uint64)}
}

// claim takes the thread's slot. A turn already holding it is cancelled, and claim waits up to
// takeover for it to let go before giving up with ErrThreadBusy. Only the newest waiter gets
// the slot; older waiters fail with ErrTurnCancelled once a newer claim arrives.
func (ts *turnSlots) claim(ctx context.Context, threadID string, id string, cancel context.CancelFunc, takeover time.Duration) (*activeTurn, error) {
	var deadline <-chan time.Time
	if takeover > 0 {
		t := time.NewTimer(takeover)
		defer t.Stop()
		deadline = t.C
	}

	ts.mu.Lock()
	ts.seq++
	mine := ts.seq
	ts.latest[threadID] = mine
	ts.mu.Unlock()

	for {
		ts.mu.Lock()
		if ts.latest[threadID] != mine {
			ts.mu.Unlock()
			return nil, fmt.Errorf("%w: a newer request took the thread", ErrTurnCancelled)
		}
		cur := ts.byThread[threadID]
		if cur == nil {
			turn := &activeTurn{id: id, threadID: threadID, cancel: cancel, done: make(chan struct{})}
			ts.byThread[threadID] = turn
			delete(ts.latest, threadID)
			ts.mu.Unlock()
			return turn, nil
		}
		ts.mu.Unlock()

		cur.cancel()
		select {
		case <-cur.done:
		case <-ctx.Done():
			ts.forget(threadID, mine)
			return nil, ctx.Err()
		case <-deadline:
			ts.forget(threadID, mine)
			return nil, ErrThreadBusy
		}
	}
}

// forget drops a waiter that gave up, unless a newer claim has replaced it.
func (ts *turnSlots) forget(threadID string, seq uint64) {
	ts.mu.Lock()
	if ts.latest[threadID] == seq {
		delete(ts.latest, threadID)
	}
	ts.mu.Unlock()
}

func (ts *turnSlots) release(turn *activeTurn) {
	if turn == nil {
		return
	}
	ts.mu.Lock()
	if ts.byThread[turn.threadID] == turn {
		delete(ts.byThread, turn.threadID)
	}
	ts.mu.Unlock()
	close(turn.done)
}

// cancel cancels the thread's active turn, if any, without waiting for it.
func (ts *turnSlots) cancel(threadID string) bool {
	ts.mu.Lock()
	cur := ts.byThread[threadID]
	ts.mu.Unlock()
	if cur == nil {
		return false
	}
	cur.cancel()
	return true
}

func (ts *turnSlots) active(threadID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.byThread[threadID] != nil
}
