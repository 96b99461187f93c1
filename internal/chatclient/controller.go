// Package chatclient is the client side of a chat session: it owns the local view of a thread,
// sends user turns to the assistant endpoint and folds the streamed events into that view.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/floegence/aria-agent/internal/session"
)

const assistantPath = "/api/chat/assistant"

type Options struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:8787.
	BaseURL    string
	HTTPClient *http.Client
	// StatePath is the JSON file that remembers the thread id between sessions. Empty disables it.
	StatePath string

	UserID        string
	CalendarToken string

	Logger *slog.Logger
	// OnEvent observes every event applied to the current turn, after state has been updated.
	OnEvent func(Event)
	Now     func() time.Time
}

type Controller struct {
	baseURL       string
	http          *http.Client
	statePath     string
	userID        string
	calendarToken string
	log           *slog.Logger
	onEvent       func(Event)
	now           func() time.Time

	mu       sync.Mutex
	thread   *Thread
	messages []Message
	tools    []ActiveTool
	loading  bool
	err      error
	turn     uint64
	cancel   context.CancelFunc
	streamID string
}

func New(opts Options) (*Controller, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing base url")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Controller{
		baseURL:       base,
		http:          opts.HTTPClient,
		statePath:     strings.TrimSpace(opts.StatePath),
		userID:        strings.TrimSpace(opts.UserID),
		calendarToken: strings.TrimSpace(opts.CalendarToken),
		log:           opts.Logger,
		onEvent:       opts.OnEvent,
		now:           opts.Now,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *Controller) ActiveTools() []ActiveTool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ActiveTool(nil), c.tools...)
}

func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Controller) Thread() (Thread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.thread == nil {
		return Thread{}, false
	}
	return *c.thread, true
}

// Err is the error of the most recent failed turn, cleared when a new turn starts.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// EnsureThread resumes the remembered thread when the server still knows it, and creates a new one
// otherwise.
func (c *Controller) EnsureThread(ctx context.Context) (Thread, error) {
	if th, ok := c.Thread(); ok {
		return th, nil
	}

	st, err := loadState(c.statePath)
	if err != nil {
		c.log.Warn("chat state unreadable, starting a new thread", "path", c.statePath, "error", err)
	}
	if id := strings.TrimSpace(st.ThreadID); id != "" {
		msgs, err := c.fetchMessages(ctx, id)
		if err == nil {
			th := Thread{ID: id, CreatedAt: c.now()}
			c.mu.Lock()
			c.thread = &th
			c.messages = msgs
			c.mu.Unlock()
			c.log.Debug("resumed thread", "thread_id", id, "messages", len(msgs))
			return th, nil
		}
		if ctx.Err() != nil {
			return Thread{}, ctx.Err()
		}
		c.log.Warn("saved thread unavailable, creating a new one", "thread_id", id, "error", err)
	}
	return c.startThread(ctx)
}

func (c *Controller) startThread(ctx context.Context) (Thread, error) {
	env, err := c.postJSON(ctx, map[string]any{"action": "create_thread"})
	if err != nil {
		return Thread{}, err
	}
	if env.Thread == nil || strings.TrimSpace(env.Thread.ID) == "" {
		return Thread{}, errors.New("create_thread returned no thread")
	}
	th := *env.Thread
	c.mu.Lock()
	c.thread = &th
	c.messages = nil
	c.err = nil
	c.mu.Unlock()
	if err := saveState(c.statePath, persistedState{ThreadID: th.ID}); err != nil {
		c.log.Warn("failed to save chat state", "path", c.statePath, "error", err)
	}
	return th, nil
}

// SendMessage runs one user turn and blocks until the stream ends. Starting a turn cancels any turn
// still in flight. A cancelled turn returns nil and leaves the optimistic user message in place.
func (c *Controller) SendMessage(ctx context.Context, text string, uc *session.UserContext) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	th, err := c.EnsureThread(ctx)
	if err != nil {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	user := Message{ID: "user-" + uuid.NewString(), Role: "user", Content: text, CreatedAt: c.now()}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.turn++
	turn := c.turn
	c.cancel = cancel
	c.loading = true
	c.err = nil
	c.tools = nil
	c.streamID = ""
	c.messages = append(c.messages, user)
	c.mu.Unlock()
	defer c.endTurn(turn, cancel)

	body := map[string]any{
		"action":   "send_message",
		"threadId": th.ID,
		"message":  text + uc.ContextSuffix(c.now()),
	}
	if uc != nil {
		body["userContext"] = uc
	}
	resp, err := c.do(turnCtx, http.MethodPost, assistantPath, body)
	if err != nil {
		return c.failTurn(turnCtx, turn, user.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.failTurn(turnCtx, turn, user.ID, readServerError(resp))
	}

	dec := ssestream.NewDecoder(resp)
	if dec == nil {
		return c.failTurn(turnCtx, turn, user.ID, errors.New("no response stream available"))
	}
	defer dec.Close()
	for dec.Next() {
		var ev Event
		if err := json.Unmarshal(dec.Event().Data, &ev); err != nil {
			c.log.Warn("skipping malformed stream frame", "thread_id", th.ID, "error", err)
			continue
		}
		done, err := c.apply(turn, user.ID, ev)
		if done {
			return err
		}
	}
	if err := dec.Err(); err != nil {
		return c.failTurn(turnCtx, turn, user.ID, err)
	}
	return c.failTurn(turnCtx, turn, user.ID, errors.New("stream ended before the response completed"))
}

// CancelRequest aborts the in-flight turn. Events still in transit for it are ignored.
func (c *Controller) CancelRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	c.cancel = nil
	c.turn++
	c.loading = false
	c.tools = nil
	return true
}

// ClearConversation abandons the current thread and starts a fresh one.
func (c *Controller) ClearConversation(ctx context.Context) (Thread, error) {
	c.CancelRequest()
	c.mu.Lock()
	c.thread = nil
	c.messages = nil
	c.tools = nil
	c.err = nil
	c.mu.Unlock()
	if err := saveState(c.statePath, persistedState{}); err != nil {
		c.log.Warn("failed to reset chat state", "path", c.statePath, "error", err)
	}
	return c.startThread(ctx)
}

// apply folds one event into the state. done reports that the turn is over.
func (c *Controller) apply(turn uint64, userMsgID string, ev Event) (done bool, err error) {
	c.mu.Lock()
	if c.turn != turn {
		c.mu.Unlock()
		return true, nil
	}
	switch ev.Type {
	case EventContent:
		var frag string
		if err := json.Unmarshal(ev.Data, &frag); err != nil {
			c.mu.Unlock()
			c.log.Warn("bad content frame", "error", err)
			return false, nil
		}
		c.appendContentLocked(frag)
	case EventToolCall:
		var d toolCallData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			c.mu.Unlock()
			c.log.Warn("bad tool_call frame", "error", err)
			return false, nil
		}
		c.tools = append(c.tools, ActiveTool{ID: d.ID, Name: d.Name, Args: d.Args, Status: ToolRunning, StartedAt: c.now()})
	case EventToolResult:
		var d toolResultData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			c.mu.Unlock()
			c.log.Warn("bad tool_result frame", "error", err)
			return false, nil
		}
		if t := c.toolLocked(d.ID); t != nil {
			t.Result = d.Result
			t.Status = ToolCompleted
			if !d.Success {
				t.Status = ToolFailed
			}
			if d.Error != nil {
				t.Error = *d.Error
			}
		}
	case EventToolError:
		var d toolErrorData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			c.mu.Unlock()
			c.log.Warn("bad tool_error frame", "error", err)
			return false, nil
		}
		if t := c.toolLocked(d.ID); t != nil {
			t.Status = ToolFailed
			t.Error = d.Error
			t.Code = d.Code
		}
	case EventComplete:
		var d completeData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			c.log.Warn("bad complete frame", "error", err)
		} else if d.Messages != nil {
			c.messages = d.Messages
		}
		c.tools = nil
		c.loading = false
		done = true
	case EventError:
		var d errorData
		_ = json.Unmarshal(ev.Data, &d)
		if strings.TrimSpace(d.Error) == "" {
			d.Error = "The assistant could not complete the request"
		}
		c.removeMessageLocked(userMsgID)
		serr := &ServerError{Message: d.Error, Code: d.Code}
		c.err = serr
		c.loading = false
		done, err = true, serr
	default:
		c.mu.Unlock()
		c.log.Debug("ignoring unknown stream event", "type", ev.Type)
		return false, nil
	}
	c.mu.Unlock()

	if c.onEvent != nil {
		c.onEvent(ev)
	}
	return done, err
}

func (c *Controller) appendContentLocked(frag string) {
	if c.streamID != "" {
		for i := len(c.messages) - 1; i >= 0; i-- {
			if c.messages[i].ID == c.streamID {
				c.messages[i].Content += frag
				return
			}
		}
	}
	c.streamID = "assistant-" + uuid.NewString()
	c.messages = append(c.messages, Message{ID: c.streamID, Role: "assistant", Content: frag, CreatedAt: c.now()})
}

func (c *Controller) toolLocked(id string) *ActiveTool {
	for i := range c.tools {
		if c.tools[i].ID == id {
			return &c.tools[i]
		}
	}
	return nil
}

func (c *Controller) removeMessageLocked(id string) {
	kept := c.messages[:0]
	for _, m := range c.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	c.messages = kept
}

func (c *Controller) failTurn(ctx context.Context, turn uint64, userMsgID string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != turn {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.removeMessageLocked(userMsgID)
	c.err = err
	c.loading = false
	return err
}

func (c *Controller) endTurn(turn uint64, cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == turn {
		c.loading = false
		c.tools = nil
		c.cancel = nil
	}
}

func (c *Controller) fetchMessages(ctx context.Context, threadID string) ([]Message, error) {
	resp, err := c.do(ctx, http.MethodGet, assistantPath+"?threadId="+url.QueryEscape(threadID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	return env.Messages, nil
}

func (c *Controller) postJSON(ctx context.Context, body any) (envelope, error) {
	resp, err := c.do(ctx, http.MethodPost, assistantPath, body)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp)
}

func (c *Controller) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set(session.HeaderUserID, c.userID)
	}
	if c.calendarToken != "" {
		req.Header.Set(session.HeaderCalendarToken, c.calendarToken)
	}
	return c.http.Do(req)
}

func decodeEnvelope(resp *http.Response) (envelope, error) {
	if resp.StatusCode != http.StatusOK {
		return envelope{}, readServerError(resp)
	}
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return envelope{}, &ServerError{Status: resp.StatusCode, Message: env.Error}
	}
	return env, nil
}

func readServerError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env envelope
	if err := json.Unmarshal(b, &env); err == nil && strings.TrimSpace(env.Error) != "" {
		return &ServerError{Status: resp.StatusCode, Message: env.Error}
	}
	return &ServerError{Status: resp.StatusCode, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
}
