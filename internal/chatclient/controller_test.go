package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/floegence/aria-agent/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer speaks the assistant endpoint. stream scripts the body of send_message.
type fakeServer struct {
	mu      sync.Mutex
	threads int
	known   map[string][]Message
	sends   []map[string]any
	headers []http.Header
	// rejectSend answers send_message with this status and a JSON error when set.
	rejectSend int
	stream  func(w http.ResponseWriter, r *http.Request, frame func(typ string, data any))
}

func newFakeServer(t *testing.T, stream func(w http.ResponseWriter, r *http.Request, frame func(string, any))) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{known: map[string][]Message{}, stream: stream}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/chat/assistant" {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodGet {
		s.mu.Lock()
		msgs, ok := s.known[r.URL.Query().Get("threadId")]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Thread not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	switch body["action"] {
	case "create_thread":
		s.mu.Lock()
		s.threads++
		id := fmt.Sprintf("thread_%d", s.threads)
		s.known[id] = []Message{}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "thread": map[string]any{"id": id, "createdAt": "2026-10-15T09:00:00Z"}})
	case "send_message":
		if s.rejectSend != 0 {
			writeJSON(w, s.rejectSend, map[string]any{"success": false, "error": "Failed to add message"})
			return
		}
		s.mu.Lock()
		s.sends = append(s.sends, body)
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		rc := http.NewResponseController(w)
		_ = rc.Flush()
		s.stream(w, r, func(typ string, data any) {
			b, _ := json.Marshal(map[string]any{"type": typ, "data": data})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			_ = rc.Flush()
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid action"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var fixedNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

func newController(t *testing.T, base string, mutate func(*Options)) *Controller {
	t.Helper()
	opts := Options{
		BaseURL:   base,
		StatePath: filepath.Join(t.TempDir(), "chat-state.json"),
		Logger:    discardLogger(),
		Now:       func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

var ignoreVolatile = cmpopts.IgnoreFields(Message{}, "ID", "CreatedAt")

func TestSendMessage_GymScenario(t *testing.T) {
	t.Parallel()

	final := []Message{
		{ID: "m1", Role: "user", Content: "Schedule gym at 6 PM today"},
		{ID: "m2", Role: "assistant", Content: "Done, gym is booked for 6 PM."},
	}
	fs, srv := newFakeServer(t, func(_ http.ResponseWriter, _ *http.Request, frame func(string, any)) {
		frame(EventToolCall, map[string]any{"id": "call_1", "name": "create_calendar_event", "args": `{"title":"Gym"}`})
		frame(EventToolResult, map[string]any{"id": "call_1", "name": "create_calendar_event", "result": map[string]any{"id": "e1", "title": "Gym"}, "success": true, "error": nil})
		frame(EventContent, "Done, gym ")
		frame(EventContent, "is booked for 6 PM.")
		frame(EventComplete, map[string]any{"messages": final})
	})

	var seen []ActiveTool
	var c *Controller
	c = newController(t, srv.URL, func(o *Options) {
		o.UserID = "u1"
		o.CalendarToken = "tok"
		o.OnEvent = func(ev Event) {
			if ev.Type == EventToolResult {
				seen = c.ActiveTools()
			}
		}
	})

	uc := &session.UserContext{Timezone: "America/New_York", Location: &session.Location{City: "New York", Country: "US"}}
	if err := c.SendMessage(context.Background(), "Schedule gym at 6 PM today", uc); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if len(seen) != 1 || seen[0].Status != ToolCompleted || seen[0].Name != "create_calendar_event" {
		t.Fatalf("active tools after result=%+v", seen)
	}
	if diff := cmp.Diff(final, c.Messages(), cmpopts.IgnoreFields(Message{}, "CreatedAt")); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
	if c.IsLoading() || len(c.ActiveTools()) != 0 || c.Err() != nil {
		t.Fatalf("loading=%v tools=%v err=%v", c.IsLoading(), c.ActiveTools(), c.Err())
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	sent := fs.sends[0]
	if sent["threadId"] != "thread_1" {
		t.Fatalf("threadId=%v", sent["threadId"])
	}
	msg, _ := sent["message"].(string)
	if !strings.HasPrefix(msg, "Schedule gym at 6 PM today\n\n[CURRENT CONTEXT: User location: New York, US; User timezone: America/New_York;") {
		t.Fatalf("message=%q", msg)
	}
	if _, ok := sent["userContext"].(map[string]any); !ok {
		t.Fatalf("userContext missing: %v", sent)
	}
	if h := fs.headers[0]; h.Get(session.HeaderUserID) != "u1" || h.Get(session.HeaderCalendarToken) != "tok" {
		t.Fatalf("headers=%v", h)
	}
}

func TestSendMessage_ToolErrorStillCompletes(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServer(t, func(_ http.ResponseWriter, _ *http.Request, frame func(string, any)) {
		frame(EventToolCall, map[string]any{"id": "call_1", "name": "get_calendar_events", "args": "{}"})
		frame(EventToolError, map[string]any{"id": "call_1", "name": "get_calendar_events", "error": "Calendar access expired", "code": "auth_required"})
		frame(EventContent, "Please reconnect your calendar.")
		frame(EventComplete, map[string]any{"messages": []Message{{ID: "m1", Role: "user", Content: "What's on today?"}, {ID: "m2", Role: "assistant", Content: "Please reconnect your calendar."}}})
	})

	var failed []ActiveTool
	var c *Controller
	c = newController(t, srv.URL, func(o *Options) {
		o.OnEvent = func(ev Event) {
			if ev.Type == EventToolError {
				failed = c.ActiveTools()
			}
		}
	})
	if err := c.SendMessage(context.Background(), "What's on today?", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	want := []ActiveTool{{ID: "call_1", Name: "get_calendar_events", Args: "{}", Status: ToolFailed, Error: "Calendar access expired", Code: "auth_required", StartedAt: fixedNow}}
	if diff := cmp.Diff(want, failed); diff != "" {
		t.Fatalf("tools (-want +got):\n%s", diff)
	}
	if got := c.Messages(); len(got) != 2 || c.Err() != nil {
		t.Fatalf("messages=%+v err=%v", got, c.Err())
	}
}

func TestSendMessage_ErrorEventDropsOptimisticMessage(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServer(t, func(_ http.ResponseWriter, _ *http.Request, frame func(string, any)) {
		frame(EventError, map[string]any{"error": "The assistant provider rejected its credentials", "code": "provider_auth"})
	})
	c := newController(t, srv.URL, nil)

	err := c.SendMessage(context.Background(), "hello", nil)
	var serr *ServerError
	if !errors.As(err, &serr) || serr.Code != "provider_auth" {
		t.Fatalf("err=%v", err)
	}
	if len(c.Messages()) != 0 || c.IsLoading() || !errors.As(c.Err(), &serr) {
		t.Fatalf("messages=%+v loading=%v err=%v", c.Messages(), c.IsLoading(), c.Err())
	}
}

func TestSendMessage_HTTPErrorAnswersJSON(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, nil)
	fs.rejectSend = http.StatusInternalServerError
	c := newController(t, srv.URL, nil)

	err := c.SendMessage(context.Background(), "hello", nil)
	var serr *ServerError
	if !errors.As(err, &serr) || serr.Status != http.StatusInternalServerError || serr.Message != "Failed to add message" {
		t.Fatalf("err=%v", err)
	}
	if len(c.Messages()) != 0 || c.IsLoading() {
		t.Fatalf("messages=%+v loading=%v", c.Messages(), c.IsLoading())
	}
}

func TestSendMessage_CancelStopsStateMutation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	_, srv := newFakeServer(t, func(_ http.ResponseWriter, r *http.Request, frame func(string, any)) {
		frame(EventContent, "Let me check")
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		frame(EventContent, " your calendar")
		frame(EventComplete, map[string]any{"messages": []Message{}})
	})
	t.Cleanup(func() { close(release) })

	var c *Controller
	c = newController(t, srv.URL, func(o *Options) {
		o.OnEvent = func(ev Event) {
			if ev.Type == EventContent {
				c.CancelRequest()
			}
		}
	})

	if err := c.SendMessage(context.Background(), "What's on today?", nil); err != nil {
		t.Fatalf("SendMessage after cancel: %v", err)
	}
	want := []Message{
		{Role: "user", Content: "What's on today?"},
		{Role: "assistant", Content: "Let me check"},
	}
	if diff := cmp.Diff(want, c.Messages(), ignoreVolatile); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
	if c.IsLoading() || c.Err() != nil {
		t.Fatalf("loading=%v err=%v", c.IsLoading(), c.Err())
	}

	// A late frame of the cancelled turn is ignored.
	c.mu.Lock()
	stale := c.turn - 1
	c.mu.Unlock()
	if done, err := c.apply(stale, "", Event{Type: EventContent, Data: json.RawMessage(`"late"`)}); !done || err != nil {
		t.Fatalf("stale apply done=%v err=%v", done, err)
	}
	if diff := cmp.Diff(want, c.Messages(), ignoreVolatile); diff != "" {
		t.Fatalf("messages changed by stale frame (-want +got):\n%s", diff)
	}
}

func TestSendMessage_RejectsEmptyText(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, nil)
	c := newController(t, srv.URL, nil)
	if err := c.SendMessage(context.Background(), "  \n", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err=%v", err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.threads != 0 || len(fs.sends) != 0 {
		t.Fatalf("empty text reached the server")
	}
}

func TestEnsureThread_ResumesSavedThread(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, nil)
	fs.known["thread_saved"] = []Message{{ID: "m1", Role: "user", Content: "earlier"}}
	statePath := filepath.Join(t.TempDir(), "state.json")
	if err := saveState(statePath, persistedState{ThreadID: "thread_saved"}); err != nil {
		t.Fatalf("saveState: %v", err)
	}

	c := newController(t, srv.URL, func(o *Options) { o.StatePath = statePath })
	th, err := c.EnsureThread(context.Background())
	if err != nil || th.ID != "thread_saved" {
		t.Fatalf("thread=%+v err=%v", th, err)
	}
	if got := c.Messages(); len(got) != 1 || got[0].Content != "earlier" {
		t.Fatalf("messages=%+v", got)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.threads != 0 {
		t.Fatalf("a new thread was created")
	}
}

func TestEnsureThread_ReplacesUnknownThread(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServer(t, nil)
	statePath := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(statePath, []byte(`{"thread_id":"thread_gone"}`), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}

	c := newController(t, srv.URL, func(o *Options) { o.StatePath = statePath })
	th, err := c.EnsureThread(context.Background())
	if err != nil || th.ID != "thread_1" {
		t.Fatalf("thread=%+v err=%v", th, err)
	}
	st, err := loadState(statePath)
	if err != nil || st.ThreadID != "thread_1" {
		t.Fatalf("state=%+v err=%v", st, err)
	}
}

func TestClearConversation_StartsFreshThread(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServer(t, func(_ http.ResponseWriter, _ *http.Request, frame func(string, any)) {
		frame(EventContent, "hi")
		frame(EventComplete, map[string]any{"messages": []Message{{ID: "m1", Role: "user", Content: "hello"}, {ID: "m2", Role: "assistant", Content: "hi"}}})
	})
	c := newController(t, srv.URL, nil)
	if err := c.SendMessage(context.Background(), "hello", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	th, err := c.ClearConversation(context.Background())
	if err != nil || th.ID != "thread_2" {
		t.Fatalf("thread=%+v err=%v", th, err)
	}
	if len(c.Messages()) != 0 {
		t.Fatalf("messages not reset: %+v", c.Messages())
	}
	if cur, ok := c.Thread(); !ok || cur.ID != "thread_2" {
		t.Fatalf("current thread=%+v", cur)
	}
}
