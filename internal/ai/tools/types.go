package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/floegence/aria-agent/internal/session"
)

// Code is a stable, machine-readable tool failure code.
type Code string

const (
	CodeAuthRequired     Code = "auth_required"
	CodeInvalidArguments Code = "invalid_arguments"
	CodeNotFound         Code = "not_found"
	CodeUnknownTool      Code = "unknown_tool"
	CodeCanceled         Code = "canceled"
	CodeInternal         Code = "internal"
)

var (
	// ErrAuthRequired is returned by capabilities that need a caller credential.
	ErrAuthRequired = errors.New("authentication required")
	// ErrInvalidArguments wraps argument validation failures inside handlers.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// AuthError is a credential failure. It matches ErrAuthRequired under errors.Is.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return e.Msg }

func (e *AuthError) Is(target error) bool { return target == ErrAuthRequired }

// ExecutionContext is everything a capability may know about the caller.
type ExecutionContext struct {
	Meta session.Meta
	User *session.UserContext
}

// Result is the uniform envelope returned for every dispatch.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    Code   `json:"code,omitempty"`
}

func Failure(code Code, msg string) Result {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "Tool failed"
	}
	return Result{Success: false, Error: msg, Code: code}
}

// Output renders the result for submission back to the assistant provider.
func (r Result) Output() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"result encoding failed"}`
	}
	return string(b)
}

// Handler executes one tool call with decoded JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage, ec ExecutionContext) (any, error)

// Def describes a tool to providers that need declarations up front.
type Def struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Call is one finalized tool invocation ready for dispatch.
type Call struct {
	ID   string
	Name string
	Args string
}
