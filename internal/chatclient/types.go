package chatclient

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrEmptyMessage = errors.New("message is required")
	ErrNoThread     = errors.New("no conversation thread available")
)

// ServerError is an error reported by the assistant endpoint, either as a JSON error envelope or as
// an `error` stream event.
type ServerError struct {
	Status  int
	Message string
	Code    string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return e.Message + " (" + e.Code + ")"
	}
	return e.Message
}

type Thread struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ActiveTool tracks one tool invocation of the in-flight turn.
type ActiveTool struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      string          `json:"args,omitempty"`
	Status    ToolStatus      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
}

// Event is one decoded stream frame.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	EventContent    = "content"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventToolError  = "tool_error"
	EventComplete   = "complete"
	EventError      = "error"
)

type toolCallData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type toolResultData struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Result  json.RawMessage `json:"result"`
	Success bool            `json:"success"`
	Error   *string         `json:"error"`
}

type toolErrorData struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

type completeData struct {
	Messages []Message `json:"messages"`
}

type errorData struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type envelope struct {
	Success  bool      `json:"success"`
	Error    string    `json:"error"`
	Thread   *Thread   `json:"thread"`
	Messages []Message `json:"messages"`
}
