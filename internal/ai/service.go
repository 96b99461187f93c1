package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/floegence/aria-agent/internal/ai/provider"
	"github.com/floegence/aria-agent/internal/ai/threadstore"
	"github.com/floegence/aria-agent/internal/ai/tools"
	"github.com/floegence/aria-agent/internal/auditlog"
)

var (
	ErrThreadRequired = errors.New("thread id is required")
	ErrEmptyMessage   = errors.New("message is required")
	ErrMessageTooLong = errors.New("message is too long")
	ErrAddMessage     = errors.New("failed to add message")
	ErrThreadBusy     = errors.New("thread has an active turn")
	ErrTurnCancelled  = errors.New("turn cancelled before its run started")
	ErrNotConfigured  = errors.New("assistant not configured")
)

const (
	defaultMessageLimit     = 50
	defaultMaxMessageLength = 2000
	defaultTakeoverTimeout  = 10 * time.Second
	defaultStreamWriteTO    = 5 * time.Second
)

type Options struct {
	Logger   *slog.Logger
	Provider provider.Provider
	Tools    *tools.Registry

	// Store records turn audit data and backs the optional thread lease. May be nil.
	Store *threadstore.Store
	// Holder identifies this process in thread leases.
	Holder string
	// Audit receives one entry per tool invocation. May be nil.
	Audit *auditlog.Store

	Guard GuardTimings
	// TurnTakeoverTimeout bounds how long a new turn waits for the thread's previous turn to stop.
	TurnTakeoverTimeout time.Duration
	// StreamWriteTimeout is the per-frame write deadline of the SSE stream.
	StreamWriteTimeout time.Duration

	MaxMessageLength int
	MessageLimit     int
	// ToolConcurrency caps concurrent tool calls of one batch; zero means unbounded.
	ToolConcurrency int
}

// Service coordinates conversations: it owns the per-thread turn slots and the guard, and runs
// turns against the configured provider.
type Service struct {
	log      *slog.Logger
	provider provider.Provider
	tools    *tools.Registry
	store    *threadstore.Store
	audit    *auditlog.Store
	guard    *Guard
	turns    *turnSlots

	takeoverTimeout  time.Duration
	streamWriteTO    time.Duration
	maxMessageLength int
	messageLimit     int
	toolConcurrency  int
}

func NewService(opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, ErrNotConfigured
	}
	if opts.Tools == nil {
		return nil, errors.New("missing tool registry")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	holder := strings.TrimSpace(opts.Holder)
	if holder == "" {
		holder = "aria-" + uuid.NewString()
	}
	takeover := opts.TurnTakeoverTimeout
	if takeover <= 0 {
		takeover = defaultTakeoverTimeout
	}
	writeTO := opts.StreamWriteTimeout
	if writeTO <= 0 {
		writeTO = defaultStreamWriteTO
	}
	maxLen := opts.MaxMessageLength
	if maxLen <= 0 {
		maxLen = defaultMaxMessageLength
	}
	limit := opts.MessageLimit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	return &Service{
		log:              log,
		provider:         opts.Provider,
		tools:            opts.Tools,
		store:            opts.Store,
		audit:            opts.Audit,
		guard:            NewGuard(opts.Provider, opts.Store, holder, opts.Guard, log),
		turns:            newTurnSlots(),
		takeoverTimeout:  takeover,
		streamWriteTO:    writeTO,
		maxMessageLength: maxLen,
		messageLimit:     limit,
		toolConcurrency:  opts.ToolConcurrency,
	}, nil
}

// SetGuardTimings swaps guard timings for subsequent turns.
func (s *Service) SetGuardTimings(t GuardTimings) { s.guard.SetTimings(t) }

func (s *Service) CreateThread(ctx context.Context) (provider.Thread, error) {
	th, err := s.provider.CreateThread(ctx)
	if err != nil {
		return provider.Thread{}, err
	}
	s.log.Info("thread created", "thread_id", th.ID)
	return th, nil
}

func (s *Service) GetMessages(ctx context.Context, threadID string) ([]provider.Message, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, ErrThreadRequired
	}
	msgs, err := s.provider.ListMessages(ctx, threadID, s.messageLimit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []provider.Message{}
	}
	return msgs, nil
}

// SendRequest is one user message for a thread.
type SendRequest struct {
	ThreadID string
	Message  string
	Exec     tools.ExecutionContext
}

func (s *Service) validate(req SendRequest) (SendRequest, error) {
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	req.Message = strings.TrimSpace(req.Message)
	if req.ThreadID == "" {
		return req, ErrThreadRequired
	}
	if req.Message == "" {
		return req, ErrEmptyMessage
	}
	if utf8.RuneCountInString(req.Message) > s.maxMessageLength {
		return req, fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, s.maxMessageLength)
	}
	return req, nil
}

// SendMessage adds the user's message to the thread and streams the resulting run. open is
// called once the message has been accepted; errors returned before that point mean nothing was
// streamed. A send on a thread with an active turn cancels that turn first.
func (s *Service) SendMessage(ctx context.Context, req SendRequest, open func() Sink) error {
	req, err := s.validate(req)
	if err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	turnID := "turn_" + uuid.NewString()
	log := s.log.With("thread_id", req.ThreadID, "turn_id", turnID)

	slot, err := s.turns.claim(ctx, req.ThreadID, turnID, cancel, s.takeoverTimeout)
	if err != nil {
		return err
	}
	defer s.turns.release(slot)

	// A turn taken over or cancelled while still preparing reports that instead of the
	// provider error its cancellation caused.
	addFailed := func(err error) error {
		if turnCtx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrTurnCancelled, context.Cause(turnCtx))
		}
		return fmt.Errorf("%w: %w", ErrAddMessage, err)
	}

	release, err := s.guard.Lease(turnCtx, req.ThreadID)
	defer release()
	if err != nil {
		return addFailed(err)
	}

	if err := s.guard.Clear(turnCtx, req.ThreadID, PurposeAddMessage); err != nil {
		log.Warn("guard failed before add", "purpose", PurposeAddMessage, "error", err)
		return addFailed(err)
	}
	if _, err := s.provider.AddMessage(turnCtx, req.ThreadID, req.Message); err != nil {
		log.Warn("add message failed", "error", err)
		return addFailed(err)
	}
	if err := s.guard.Clear(turnCtx, req.ThreadID, PurposeStartRun); err != nil {
		if turnCtx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrTurnCancelled, context.Cause(turnCtx))
		}
		// The run start reports the problem on the stream if the thread is still occupied.
		log.Warn("guard failed before run start", "purpose", PurposeStartRun, "error", err)
	}

	sink := open()
	rec := s.newRecorder(turnCtx, turnID, req.ThreadID)
	out := s.RunTurn(turnCtx, req.ThreadID, req.Exec, multiSink{sink, rec})
	rec.finish(out)
	log.Info("turn finished", "status", out.Status, "run_id", out.RunID)
	return nil
}

// CancelTurn cancels the thread's active turn in this process.
func (s *Service) CancelTurn(threadID string) bool {
	ok := s.turns.cancel(strings.TrimSpace(threadID))
	if ok {
		s.log.Info("turn cancel requested", "thread_id", threadID)
	}
	return ok
}

// HasActiveTurn reports whether the thread has a turn running in this process.
func (s *Service) HasActiveTurn(threadID string) bool {
	return s.turns.active(strings.TrimSpace(threadID))
}

func (s *Service) ListTurns(ctx context.Context, threadID string, limit int) ([]threadstore.Turn, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, ErrThreadRequired
	}
	if s.store == nil {
		return []threadstore.Turn{}, nil
	}
	turns, err := s.store.ListTurns(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		turns = []threadstore.Turn{}
	}
	return turns, nil
}

// ListToolCalls returns audited tool invocations, newest first. An empty threadID lists all threads.
func (s *Service) ListToolCalls(threadID string, limit int) ([]auditlog.Entry, error) {
	entries, err := s.audit.List(threadID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	return entries, nil
}
