package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

type registeredTool struct {
	def     Def
	handler Handler
}

// Registry maps tool names to handlers and dispatches calls. It never returns an error to the
// caller of Execute; every outcome is a Result.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, tools: make(map[string]registeredTool)}
}

func (r *Registry) Register(def Def, handler Handler) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s missing handler", name)
	}
	if len(def.InputSchema) > 0 && !json.Valid(def.InputSchema) {
		return fmt.Errorf("tool %s has invalid input schema", name)
	}
	def.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = registeredTool{def: def, handler: handler}
	return nil
}

// Definitions returns the registered tools sorted by name.
func (r *Registry) Definitions() []Def {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Def, 0, len(r.tools))
	for _, item := range r.tools {
		out = append(out, item.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) resolve(name string) (registeredTool, bool) {
	if r == nil {
		return registeredTool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.TrimSpace(name)]
	return t, ok
}

// Execute runs a single tool call. rawArgs must be complete JSON; an empty string means {}.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs string, ec ExecutionContext) Result {
	tool, ok := r.resolve(name)
	if !ok {
		return Failure(CodeUnknownTool, "Unknown tool: "+name)
	}

	args := strings.TrimSpace(rawArgs)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return Failure(CodeInvalidArguments, "Invalid tool arguments: malformed JSON")
	}
	if err := ctx.Err(); err != nil {
		return Failure(CodeCanceled, "Tool call canceled")
	}

	started := time.Now()
	data, err := r.invoke(ctx, tool, json.RawMessage(args), ec)
	elapsed := time.Since(started)
	if err != nil {
		code := Classify(err)
		r.log.Warn("tool call failed", "tool", tool.def.Name, "code", code, "duration_ms", elapsed.Milliseconds(), "error", err)
		return Failure(code, err.Error())
	}
	r.log.Debug("tool call finished", "tool", tool.def.Name, "duration_ms", elapsed.Milliseconds())
	return Result{Success: true, Data: data}
}

func (r *Registry) invoke(ctx context.Context, tool registeredTool, args json.RawMessage, ec ExecutionContext) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool handler panicked", "tool", tool.def.Name, "panic", rec, "stack", string(debug.Stack()))
			data = nil
			err = fmt.Errorf("tool %s crashed: %v", tool.def.Name, rec)
		}
	}()
	return tool.handler(ctx, args, ec)
}

// Classify maps a handler error to a stable code.
func Classify(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ErrInvalidArguments):
		return CodeInvalidArguments
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "requires authentication"), strings.Contains(lower, "unauthorized"):
		return CodeAuthRequired
	case strings.Contains(lower, "not found"):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
