// Package provider abstracts the hosted assistant that owns threads and runs.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports an unknown thread or run.
	ErrNotFound = errors.New("thread or run not found")
	// ErrUnauthorized reports that the provider rejected our credentials.
	ErrUnauthorized = errors.New("assistant provider rejected credentials")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Thread struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	default:
		return false
	}
}

// Active reports whether the run occupies the thread's run slot.
func (s RunStatus) Active() bool {
	switch s {
	case RunQueued, RunInProgress, RunRequiresAction, RunCancelling:
		return true
	default:
		return false
	}
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Run struct {
	ID                string     `json:"id"`
	ThreadID          string     `json:"threadId"`
	Status            RunStatus  `json:"status"`
	RequiredToolCalls []ToolCall `json:"requiredToolCalls,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
}

type ToolOutput struct {
	ToolCallID string
	Output     string
}

type EventKind int

const (
	EventTextDelta EventKind = iota + 1
	EventToolCallDelta
	EventRunStatus
)

// ToolCallDelta is one streamed fragment of a tool call. ID and Name usually arrive only on the
// first fragment; later fragments are matched by Index.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

type StreamEvent struct {
	Kind     EventKind
	Text     string
	ToolCall ToolCallDelta
	Run      Run
}

// RunStream is a finite, non-restartable sequence of events for one run step. Next blocks until
// an event is available or the stream ends; Err reports why it ended.
type RunStream interface {
	Next() bool
	Current() StreamEvent
	Err() error
	Close() error
}

// Provider is the assistant backend. Implementations must be safe for concurrent use.
type Provider interface {
	CreateThread(ctx context.Context) (Thread, error)
	AddMessage(ctx context.Context, threadID string, content string) (Message, error)
	// ListMessages returns up to limit most recent messages, oldest first.
	ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	// ActiveRuns returns the thread's runs that still occupy the run slot.
	ActiveRuns(ctx context.Context, threadID string) ([]Run, error)
	GetRun(ctx context.Context, threadID string, runID string) (Run, error)
	CancelRun(ctx context.Context, threadID string, runID string) error
	StartRun(ctx context.Context, threadID string) (RunStream, error)
	SubmitToolOutputs(ctx context.Context, threadID string, runID string, outputs []ToolOutput) (RunStream, error)
}
