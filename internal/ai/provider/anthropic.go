package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/floegence/aria-agent/internal/ai/threadstore"
	"github.com/floegence/aria-agent/internal/ai/tools"
)

const (
	anthropicDefaultMaxTokens = 4096
	anthropicHistoryLimit     = 200
)

// DefaultInstructions is the assistant persona used when no instructions are configured.
const DefaultInstructions = `You are Aria, a friendly scheduling assistant. You help the user manage their calendar and check the weather.
Use the calendar tools to read, create, update and delete events, and check availability before booking when the user asks for a specific slot.
Use get_weather for weather questions. Resolve relative dates against the current context the user provides.
If a tool fails, explain the problem briefly and suggest what the user can do.`

// Anthropic hosts threads locally and runs each step through the Anthropic Messages API.
// Run state lives in memory; a process restart abandons in-flight runs.
type Anthropic struct {
	client       anthropic.Client
	model        string
	maxTokens    int64
	instructions string
	tools        []anthropic.ToolUnionParam
	store        *threadstore.Store
	log          *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	runs map[string]*localRun
}

type localRun struct {
	run     Run
	cancel  context.CancelFunc
	endedAt time.Time
}

// finishedRunRetention is how long a terminal run stays readable through GetRun.
const finishedRunRetention = 10 * time.Minute

// markEnded stamps the first time a run reaches a terminal status. Callers hold a.mu.
func (a *Anthropic) markEnded(lr *localRun) {
	if lr.run.Status.Terminal() && lr.endedAt.IsZero() {
		lr.endedAt = a.now()
	}
}

// pruneRuns drops terminal runs older than the retention window. Callers hold a.mu.
func (a *Anthropic) pruneRuns() {
	cutoff := a.now().Add(-finishedRunRetention)
	for id, lr := range a.runs {
		if !lr.endedAt.IsZero() && lr.endedAt.Before(cutoff) {
			delete(a.runs, id)
		}
	}
}

type AnthropicOptions struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Instructions string
	Tools        []tools.Def
	Store        *threadstore.Store
	HTTPClient   *http.Client
	Log          *slog.Logger
}

func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("missing anthropic api key")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	if opts.Store == nil {
		return nil, errors.New("missing thread store")
	}
	reqOpts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, aoption.WithBaseURL(base))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, aoption.WithHTTPClient(opts.HTTPClient))
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	instructions := strings.TrimSpace(opts.Instructions)
	if instructions == "" {
		instructions = DefaultInstructions
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Anthropic{
		client:       anthropic.NewClient(reqOpts...),
		model:        strings.TrimSpace(opts.Model),
		maxTokens:    maxTokens,
		instructions: instructions,
		tools:        buildAnthropicTools(opts.Tools),
		store:        opts.Store,
		log:          log,
		now:          time.Now,
		runs:         make(map[string]*localRun),
	}, nil
}

func buildAnthropicTools(defs []tools.Def) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schemaMap := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schemaMap)
		}
		var required []string
		if raw, ok := schemaMap["required"].([]any); ok {
			for _, item := range raw {
				if s, ok := item.(string); ok {
					required = append(required, s)
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schemaMap["properties"], Required: required},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func (a *Anthropic) CreateThread(ctx context.Context) (Thread, error) {
	th := Thread{ID: "thread_" + uuid.NewString(), CreatedAt: a.now().UTC()}
	if err := a.store.CreateThread(ctx, threadstore.Thread{ThreadID: th.ID, CreatedAt: th.CreatedAt}); err != nil {
		return Thread{}, err
	}
	return th, nil
}

func (a *Anthropic) requireThread(ctx context.Context, threadID string) error {
	if _, err := a.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, threadstore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (a *Anthropic) AddMessage(ctx context.Context, threadID string, content string) (Message, error) {
	if err := a.requireThread(ctx, threadID); err != nil {
		return Message{}, err
	}
	// Mirrors hosted providers, which refuse new messages while a run holds the thread.
	if active := a.activeRuns(threadID); len(active) > 0 {
		return Message{}, fmt.Errorf("thread %s already has an active run %s", threadID, active[0].ID)
	}
	m := threadstore.Message{
		MessageID: "msg_" + uuid.NewString(),
		ThreadID:  threadID,
		Role:      string(RoleUser),
		Content:   content,
		Visible:   true,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.AppendMessage(ctx, m); err != nil {
		return Message{}, err
	}
	return Message{ID: m.MessageID, Role: RoleUser, Content: content, CreatedAt: m.CreatedAt}, nil
}

func (a *Anthropic) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if err := a.requireThread(ctx, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	stored, err := a.store.ListMessages(ctx, threadID, limit, true)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, Message{ID: m.MessageID, Role: Role(m.Role), Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return out, nil
}

func (a *Anthropic) activeRuns(threadID string) []Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Run
	for _, lr := range a.runs {
		if lr.run.ThreadID == threadID && lr.run.Status.Active() {
			out = append(out, lr.run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *Anthropic) ActiveRuns(ctx context.Context, threadID string) ([]Run, error) {
	if err := a.requireThread(ctx, threadID); err != nil {
		return nil, err
	}
	return a.activeRuns(threadID), nil
}

func (a *Anthropic) GetRun(ctx context.Context, threadID string, runID string) (Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lr, ok := a.runs[runID]
	if !ok || lr.run.ThreadID != threadID {
		return Run{}, ErrNotFound
	}
	return lr.run, nil
}

func (a *Anthropic) CancelRun(ctx context.Context, threadID string, runID string) error {
	a.mu.Lock()
	lr, ok := a.runs[runID]
	if !ok || lr.run.ThreadID != threadID {
		a.mu.Unlock()
		return ErrNotFound
	}
	if lr.run.Status.Terminal() {
		a.mu.Unlock()
		return nil
	}
	lr.run.Status = RunCancelled
	lr.run.RequiredToolCalls = nil
	a.markEnded(lr)
	cancel := lr.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.log.Info("local run cancelled", "thread_id", threadID, "run_id", runID)
	return nil
}

func (a *Anthropic) setRun(runID string, fn func(*Run)) (Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lr, ok := a.runs[runID]
	if !ok {
		return Run{}, false
	}
	// A cancelled run stays cancelled even if its stream finishes afterwards.
	if lr.run.Status == RunCancelled {
		return lr.run, false
	}
	fn(&lr.run)
	a.markEnded(lr)
	return lr.run, true
}

func (a *Anthropic) StartRun(ctx context.Context, threadID string) (RunStream, error) {
	if err := a.requireThread(ctx, threadID); err != nil {
		return nil, err
	}
	run := Run{ID: "run_" + uuid.NewString(), ThreadID: threadID, Status: RunInProgress}

	a.mu.Lock()
	a.pruneRuns()
	for _, lr := range a.runs {
		if lr.run.ThreadID == threadID && lr.run.Status.Active() {
			a.mu.Unlock()
			return nil, fmt.Errorf("thread %s already has an active run %s", threadID, lr.run.ID)
		}
	}
	a.runs[run.ID] = &localRun{run: run}
	a.mu.Unlock()

	return a.step(ctx, run)
}

func (a *Anthropic) SubmitToolOutputs(ctx context.Context, threadID string, runID string, outputs []ToolOutput) (RunStream, error) {
	a.mu.Lock()
	lr, ok := a.runs[runID]
	if !ok || lr.run.ThreadID != threadID {
		a.mu.Unlock()
		return nil, ErrNotFound
	}
	if lr.run.Status != RunRequiresAction {
		status := lr.run.Status
		a.mu.Unlock()
		return nil, fmt.Errorf("run %s is %s, not awaiting tool outputs", runID, status)
	}
	byID := make(map[string]string, len(outputs))
	for _, out := range outputs {
		byID[out.ToolCallID] = out.Output
	}
	blocks := make([]storedBlock, 0, len(lr.run.RequiredToolCalls))
	for _, call := range lr.run.RequiredToolCalls {
		out, ok := byID[call.ID]
		if !ok {
			a.mu.Unlock()
			return nil, fmt.Errorf("missing output for tool call %s", call.ID)
		}
		isErr := gjson.Get(out, "success").Exists() && !gjson.Get(out, "success").Bool()
		blocks = append(blocks, storedBlock{Type: "tool_result", ID: call.ID, Text: out, IsError: isErr})
	}
	lr.run.Status = RunInProgress
	lr.run.RequiredToolCalls = nil
	run := lr.run
	a.mu.Unlock()

	raw, _ := json.Marshal(blocks)
	if err := a.store.AppendMessage(ctx, threadstore.Message{
		MessageID: "msg_" + uuid.NewString(),
		ThreadID:  threadID,
		Role:      string(RoleUser),
		Blocks:    string(raw),
		CreatedAt: a.now().UTC(),
	}); err != nil {
		a.failRun(run.ID, err)
		return nil, err
	}
	return a.step(ctx, run)
}

func (a *Anthropic) failRun(runID string, err error) Run {
	run, _ := a.setRun(runID, func(r *Run) {
		r.Status = RunFailed
		r.LastError = err.Error()
		r.RequiredToolCalls = nil
	})
	return run
}

func (a *Anthropic) step(ctx context.Context, run Run) (RunStream, error) {
	history, err := a.store.ListMessages(ctx, run.ThreadID, anthropicHistoryLimit, false)
	if err != nil {
		a.failRun(run.ID, err)
		return nil, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  buildAnthropicMessages(history),
		Tools:     a.tools,
		System:    []anthropic.TextBlockParam{{Text: a.systemPrompt()}},
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if lr, ok := a.runs[run.ID]; ok {
		lr.cancel = cancel
	}
	a.mu.Unlock()

	return &anthropicRunStream{
		owner:    a,
		ctx:      runCtx,
		cancel:   cancel,
		run:      run,
		stream:   a.client.Messages.NewStreaming(runCtx, params),
		partials: map[int64]*strings.Builder{},
	}, nil
}

func (a *Anthropic) systemPrompt() string {
	return a.instructions + "\n\nToday is " + a.now().UTC().Format("Monday, January 2, 2006") + " (UTC)."
}

// storedBlock is the provider-neutral form of message content kept in the thread store.
type storedBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// buildAnthropicMessages replays stored history. Tool calls left unanswered by a cancelled run
// get synthetic error results so the transcript stays valid.
func buildAnthropicMessages(history []threadstore.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	var pending []string
	answered := map[string]bool{}

	flushPending := func(blocks []anthropic.ContentBlockParamUnion) []anthropic.ContentBlockParamUnion {
		for _, id := range pending {
			if !answered[id] {
				blocks = append(blocks, anthropic.NewToolResultBlock(id, "Tool call was cancelled", true))
			}
		}
		pending = nil
		return blocks
	}

	for _, m := range history {
		var stored []storedBlock
		if strings.TrimSpace(m.Blocks) != "" {
			_ = json.Unmarshal([]byte(m.Blocks), &stored)
		}
		switch m.Role {
		case string(RoleAssistant):
			if len(pending) > 0 {
				out = append(out, anthropic.NewUserMessage(flushPending(nil)...))
			}
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(stored)+1)
			if len(stored) == 0 && strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, b := range stored {
				switch b.Type {
				case "text":
					if strings.TrimSpace(b.Text) != "" {
						blocks = append(blocks, anthropic.NewTextBlock(b.Text))
					}
				case "tool_use":
					input := b.Input
					if len(input) == 0 || !json.Valid(input) {
						input = json.RawMessage(`{}`)
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
					pending = append(pending, b.ID)
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(stored)+1)
			for _, b := range stored {
				if b.Type == "tool_result" {
					answered[b.ID] = true
					blocks = append(blocks, anthropic.NewToolResultBlock(b.ID, b.Text, b.IsError))
				}
			}
			blocks = flushPending(blocks)
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

type anthropicRunStream struct {
	owner  *Anthropic
	ctx    context.Context
	cancel context.CancelFunc
	run    Run
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

	msg      anthropic.Message
	partials map[int64]*strings.Builder
	text     strings.Builder

	queue []StreamEvent
	cur   StreamEvent
	err   error
	done  bool
}

func (s *anthropicRunStream) Next() bool {
	for {
		if len(s.queue) > 0 {
			s.cur = s.queue[0]
			s.queue = s.queue[1:]
			return true
		}
		if s.done {
			return false
		}
		if !s.stream.Next() {
			s.done = true
			s.finish(s.stream.Err())
			continue
		}
		event := s.stream.Current()
		if err := s.msg.Accumulate(event); err != nil {
			s.done = true
			s.finish(err)
			continue
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if variant.ContentBlock.Type != "tool_use" {
				continue
			}
			s.partials[variant.Index] = &strings.Builder{}
			s.queue = append(s.queue, StreamEvent{Kind: EventToolCallDelta, ToolCall: ToolCallDelta{
				Index: int(variant.Index),
				ID:    variant.ContentBlock.ID,
				Name:  variant.ContentBlock.Name,
			}})
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				s.text.WriteString(delta.Text)
				s.queue = append(s.queue, StreamEvent{Kind: EventTextDelta, Text: delta.Text})
			case anthropic.InputJSONDelta:
				pb := s.partials[variant.Index]
				if pb == nil || delta.PartialJSON == "" {
					continue
				}
				pb.WriteString(delta.PartialJSON)
				s.queue = append(s.queue, StreamEvent{Kind: EventToolCallDelta, ToolCall: ToolCallDelta{
					Index:     int(variant.Index),
					Arguments: delta.PartialJSON,
				}})
			}
		}
	}
}

// finish records the step's outcome and queues the resulting run status.
func (s *anthropicRunStream) finish(streamErr error) {
	a := s.owner
	persistCtx := context.WithoutCancel(s.ctx)

	if streamErr != nil {
		if s.ctx.Err() != nil {
			// Cancelled locally or through CancelRun; the run record already says so if the
			// provider side initiated it.
			if run, err := a.GetRun(persistCtx, s.run.ThreadID, s.run.ID); err == nil && run.Status == RunCancelled {
				s.queue = append(s.queue, StreamEvent{Kind: EventRunStatus, Run: run})
				return
			}
			s.err = streamErr
			a.failRun(s.run.ID, streamErr)
			return
		}
		s.err = mapAnthropicError(streamErr)
		run := a.failRun(s.run.ID, s.err)
		s.queue = append(s.queue, StreamEvent{Kind: EventRunStatus, Run: run})
		return
	}

	blocks := make([]storedBlock, 0, len(s.msg.Content))
	var calls []ToolCall
	for idx, block := range s.msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, storedBlock{Type: "text", Text: variant.Text})
		case anthropic.ToolUseBlock:
			args := ""
			if pb := s.partials[int64(idx)]; pb != nil {
				args = strings.TrimSpace(pb.String())
			}
			if args == "" && len(variant.Input) > 0 {
				args = strings.TrimSpace(string(variant.Input))
			}
			if args == "" {
				args = "{}"
			}
			input := json.RawMessage(args)
			if !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, storedBlock{Type: "tool_use", ID: variant.ID, Name: variant.Name, Input: input})
			calls = append(calls, ToolCall{ID: variant.ID, Name: variant.Name, Arguments: args})
		}
	}

	text := strings.TrimSpace(s.text.String())
	raw, _ := json.Marshal(blocks)
	msg := threadstore.Message{
		MessageID: "msg_" + uuid.NewString(),
		ThreadID:  s.run.ThreadID,
		Role:      string(RoleAssistant),
		Content:   text,
		Blocks:    string(raw),
		Visible:   text != "" && len(calls) == 0,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.AppendMessage(persistCtx, msg); err != nil {
		s.err = err
		s.queue = append(s.queue, StreamEvent{Kind: EventRunStatus, Run: a.failRun(s.run.ID, err)})
		return
	}

	run, ok := a.setRun(s.run.ID, func(r *Run) {
		switch {
		case s.msg.StopReason == anthropic.StopReasonToolUse && len(calls) > 0:
			r.Status = RunRequiresAction
			r.RequiredToolCalls = calls
		case s.msg.StopReason == anthropic.StopReasonMaxTokens:
			r.Status = RunIncomplete
			r.LastError = "response truncated at the output token limit"
		default:
			r.Status = RunCompleted
		}
	})
	if !ok && run.ID == "" {
		run = s.run
		run.Status = RunFailed
		run.LastError = "run disappeared"
	}
	s.queue = append(s.queue, StreamEvent{Kind: EventRunStatus, Run: run})
}

func (s *anthropicRunStream) Current() StreamEvent { return s.cur }

func (s *anthropicRunStream) Err() error { return s.err }

func (s *anthropicRunStream) Close() error {
	s.cancel()
	return s.stream.Close()
}

func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}
