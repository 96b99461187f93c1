package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/floegence/aria-agent/internal/ai/threadstore"
)

const recordOpTimeout = 3 * time.Second

// turnRecorder mirrors a turn's events into the store for later inspection. Store failures are
// logged and never affect the turn.
type turnRecorder struct {
	store    *threadstore.Store
	log      *slog.Logger
	ctx      context.Context
	turnID   string
	threadID string
	started  time.Time
}

func (s *Service) newRecorder(ctx context.Context, turnID string, threadID string) *turnRecorder {
	r := &turnRecorder{
		store:    s.store,
		log:      s.log.With("thread_id", threadID, "turn_id", turnID),
		ctx:      context.WithoutCancel(ctx),
		turnID:   turnID,
		threadID: threadID,
		started:  time.Now(),
	}
	r.upsert("running", "", "")
	return r
}

func (r *turnRecorder) Send(ev Event) {
	if r == nil || r.store == nil {
		return
	}
	b, err := json.Marshal(ev.Data)
	if err != nil {
		r.log.Warn("turn event encode failed", "type", ev.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, recordOpTimeout)
	defer cancel()
	if err := r.store.AppendTurnEvent(ctx, r.turnID, string(ev.Type), string(b)); err != nil {
		r.log.Warn("turn event record failed", "type", ev.Type, "error", err)
	}
}

func (r *turnRecorder) finish(out Outcome) {
	msg := ""
	if out.Err != nil && out.Status != OutcomeCancelled {
		msg = out.Err.Error()
	}
	r.upsert(string(out.Status), out.RunID, msg)
}

func (r *turnRecorder) upsert(status string, runID string, errMsg string) {
	if r == nil || r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, recordOpTimeout)
	defer cancel()
	err := r.store.UpsertTurn(ctx, threadstore.Turn{
		TurnID:        r.turnID,
		ThreadID:      r.threadID,
		ProviderRunID: runID,
		Status:        status,
		Error:         errMsg,
		StartedAt:     r.started,
	})
	if err != nil {
		r.log.Warn("turn record failed", "status", status, "error", err)
	}
}
