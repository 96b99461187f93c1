package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"

	"github.com/floegence/aria-agent/internal/ai/tools"
)

func TestTranslateAssistantEvent_TextAndToolDeltas(t *testing.T) {
	t.Parallel()

	text, err := translateAssistantEvent("thread.message.delta",
		`{"event":"thread.message.delta","data":{"delta":{"content":[{"index":0,"type":"text","text":{"value":"Sure, "}}]}}}`)
	if err != nil {
		t.Fatalf("text delta: %v", err)
	}
	if len(text) != 1 || text[0].Kind != EventTextDelta || text[0].Text != "Sure, " {
		t.Fatalf("text=%+v", text)
	}

	tool, err := translateAssistantEvent("",
		`{"event":"thread.run.step.delta","data":{"delta":{"step_details":{"type":"tool_calls","tool_calls":[{"index":1,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"loc"}}]}}}}`)
	if err != nil {
		t.Fatalf("tool delta: %v", err)
	}
	want := []StreamEvent{{Kind: EventToolCallDelta, ToolCall: ToolCallDelta{Index: 1, ID: "call_1", Name: "get_weather", Arguments: `{"loc`}}}
	if diff := cmp.Diff(want, tool); diff != "" {
		t.Fatalf("tool delta mismatch (-want +got):\n%s", diff)
	}

	// Built-in retrieval calls stay on the provider side.
	fs, err := translateAssistantEvent("thread.run.step.delta",
		`{"delta":{"step_details":{"tool_calls":[{"index":0,"id":"fs_1","type":"file_search","file_search":{}}]}}}`)
	if err != nil || len(fs) != 0 {
		t.Fatalf("file_search events=%+v err=%v", fs, err)
	}
}

func TestTranslateAssistantEvent_RunStatus(t *testing.T) {
	t.Parallel()

	evs, err := translateAssistantEvent("thread.run.requires_action", `{"id":"run_1","thread_id":"th_1","status":"requires_action","required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_calendar_events","arguments":"{\"start\":\"a\",\"end\":\"b\"}"}}]}}}`)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != EventRunStatus {
		t.Fatalf("evs=%+v", evs)
	}
	run := evs[0].Run
	if run.Status != RunRequiresAction || run.ID != "run_1" || len(run.RequiredToolCalls) != 1 {
		t.Fatalf("run=%+v", run)
	}
	if run.RequiredToolCalls[0].Arguments != `{"start":"a","end":"b"}` {
		t.Fatalf("args=%q", run.RequiredToolCalls[0].Arguments)
	}

	if evs, err := translateAssistantEvent("thread.run.step.created", `{"id":"step_1"}`); err != nil || len(evs) != 0 {
		t.Fatalf("step events=%+v err=%v", evs, err)
	}
	if _, err := translateAssistantEvent("error", `{"message":"server overloaded"}`); err == nil || err.Error() != "server overloaded" {
		t.Fatalf("error event err=%v", err)
	}
}

type assistantsMock struct {
	mu        sync.Mutex
	runBodies []string
	submitted string
}

func (m *assistantsMock) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer sk-test" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
		return
	}
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	path := r.URL.Path

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/threads"):
		writeJSONBody(w, `{"id":"thread_abc","object":"thread","created_at":1760000000,"metadata":{}}`)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/threads/thread_abc/messages"):
		writeJSONBody(w, `{"id":"msg_1","object":"thread.message","created_at":1760000001,"thread_id":"thread_abc","role":"user","content":[{"type":"text","text":{"value":"hello","annotations":[]}}]}`)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/threads/thread_abc/messages"):
		writeJSONBody(w, `{"object":"list","data":[
{"id":"msg_2","object":"thread.message","created_at":1760000003,"thread_id":"thread_abc","role":"assistant","content":[{"type":"text","text":{"value":"Hi there","annotations":[]}}]},
{"id":"msg_1","object":"thread.message","created_at":1760000001,"thread_id":"thread_abc","role":"user","content":[{"type":"text","text":{"value":"hello","annotations":[]}}]}
],"first_id":"msg_2","last_id":"msg_1","has_more":false}`)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/threads/thread_abc/runs"):
		writeJSONBody(w, `{"object":"list","data":[
{"id":"run_old","object":"thread.run","thread_id":"thread_abc","status":"completed"},
{"id":"run_live","object":"thread.run","thread_id":"thread_abc","status":"in_progress"}
],"has_more":false}`)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/threads/thread_abc/runs"):
		m.mu.Lock()
		m.runBodies = append(m.runBodies, string(body))
		m.mu.Unlock()
		writeSSE(w, []string{
			"thread.run.created", `{"id":"run_1","object":"thread.run","thread_id":"thread_abc","status":"queued"}`,
			"thread.run.step.delta", `{"id":"step_1","object":"thread.run.step.delta","delta":{"step_details":{"type":"tool_calls","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"location\""}}]}}}`,
			"thread.run.step.delta", `{"id":"step_1","object":"thread.run.step.delta","delta":{"step_details":{"type":"tool_calls","tool_calls":[{"index":0,"type":"function","function":{"arguments":":\"Paris\"}"}}]}}}`,
			"thread.run.requires_action", `{"id":"run_1","object":"thread.run","thread_id":"thread_abc","status":"requires_action","required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"location\":\"Paris\"}"}}]}}}`,
		})
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/threads/thread_abc/runs/run_1/submit_tool_outputs"):
		m.mu.Lock()
		m.submitted = string(body)
		m.mu.Unlock()
		writeSSE(w, []string{
			"thread.message.delta", `{"id":"msg_2","object":"thread.message.delta","delta":{"content":[{"index":0,"type":"text","text":{"value":"Sunny in Paris."}}]}}`,
			"thread.run.completed", `{"id":"run_1","object":"thread.run","thread_id":"thread_abc","status":"completed"}`,
		})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func writeJSONBody(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

// writeSSE writes alternating event name / data pairs, then the terminating done frame.
func writeSSE(w http.ResponseWriter, pairs []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	for i := 0; i+1 < len(pairs); i += 2 {
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", pairs[i], pairs[i+1])
		if f != nil {
			f.Flush()
		}
	}
	_, _ = io.WriteString(w, "event: done\ndata: [DONE]\n\n")
}

func drain(t *testing.T, s RunStream) []StreamEvent {
	t.Helper()
	defer func() { _ = s.Close() }()
	var out []StreamEvent
	for s.Next() {
		out = append(out, s.Current())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	return out
}

func TestOpenAIAssistant_ToolLoop(t *testing.T) {
	t.Parallel()

	mock := &assistantsMock{}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	p, err := NewOpenAIAssistant(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL, AssistantID: "asst_aria"})
	if err != nil {
		t.Fatalf("NewOpenAIAssistant: %v", err)
	}
	ctx := context.Background()

	th, err := p.CreateThread(ctx)
	if err != nil || th.ID != "thread_abc" {
		t.Fatalf("CreateThread th=%+v err=%v", th, err)
	}
	msg, err := p.AddMessage(ctx, th.ID, "hello")
	if err != nil || msg.ID != "msg_1" || msg.Content != "hello" || msg.Role != RoleUser {
		t.Fatalf("AddMessage msg=%+v err=%v", msg, err)
	}

	active, err := p.ActiveRuns(ctx, th.ID)
	if err != nil || len(active) != 1 || active[0].ID != "run_live" {
		t.Fatalf("ActiveRuns=%+v err=%v", active, err)
	}

	stream, err := p.StartRun(ctx, th.ID)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	events := drain(t, stream)
	var args strings.Builder
	var last Run
	for _, ev := range events {
		switch ev.Kind {
		case EventToolCallDelta:
			args.WriteString(ev.ToolCall.Arguments)
		case EventRunStatus:
			last = ev.Run
		}
	}
	if args.String() != `{"location":"Paris"}` {
		t.Fatalf("assembled args=%q", args.String())
	}
	if last.Status != RunRequiresAction || len(last.RequiredToolCalls) != 1 {
		t.Fatalf("last run=%+v", last)
	}
	mock.mu.Lock()
	runBody := mock.runBodies[0]
	mock.mu.Unlock()
	if gjson.Get(runBody, "assistant_id").String() != "asst_aria" || !gjson.Get(runBody, "stream").Bool() {
		t.Fatalf("run body=%s", runBody)
	}

	stream, err = p.SubmitToolOutputs(ctx, th.ID, last.ID, []ToolOutput{{ToolCallID: "call_1", Output: `{"success":true}`}})
	if err != nil {
		t.Fatalf("SubmitToolOutputs: %v", err)
	}
	events = drain(t, stream)
	if len(events) != 2 || events[0].Text != "Sunny in Paris." || events[1].Run.Status != RunCompleted {
		t.Fatalf("events=%+v", events)
	}
	mock.mu.Lock()
	submitted := mock.submitted
	mock.mu.Unlock()
	if gjson.Get(submitted, "tool_outputs.0.tool_call_id").String() != "call_1" {
		t.Fatalf("submitted=%s", submitted)
	}

	msgs, err := p.ListMessages(ctx, th.ID, 50)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "msg_1" || msgs[1].Content != "Hi there" {
		t.Fatalf("messages not oldest first: %+v", msgs)
	}
}

func TestOpenAIAssistant_UnauthorizedMapsToSentinel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc((&assistantsMock{}).handle))
	t.Cleanup(srv.Close)

	p, err := NewOpenAIAssistant(OpenAIOptions{APIKey: "sk-wrong", BaseURL: srv.URL, AssistantID: "asst_aria"})
	if err != nil {
		t.Fatalf("NewOpenAIAssistant: %v", err)
	}
	if _, err := p.CreateThread(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("CreateThread err=%v, want ErrUnauthorized", err)
	}
}

// assistantCatalog serves the assistant endpoints from an in-memory set.
type assistantCatalog struct {
	mu       sync.Mutex
	stored   map[string]string
	created  []string
	updated  []string
	sequence int
}

func (c *assistantCatalog) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	c.mu.Lock()
	defer c.mu.Unlock()

	id := strings.TrimPrefix(r.URL.Path, "/assistants/")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/assistants":
		c.sequence++
		id = fmt.Sprintf("asst_new%d", c.sequence)
		c.created = append(c.created, string(body))
		c.stored[id] = assistantJSON(id, string(body))
		writeJSONBody(w, c.stored[id])
	case id != r.URL.Path && c.stored[id] == "":
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"message":"No assistant found","type":"invalid_request_error"}}`)
	case r.Method == http.MethodGet:
		writeJSONBody(w, c.stored[id])
	case r.Method == http.MethodPost:
		c.updated = append(c.updated, string(body))
		c.stored[id] = assistantJSON(id, string(body))
		writeJSONBody(w, c.stored[id])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func assistantJSON(id string, params string) string {
	toolsRaw := gjson.Get(params, "tools").Raw
	if toolsRaw == "" {
		toolsRaw = "[]"
	}
	instructions, _ := json.Marshal(gjson.Get(params, "instructions").String())
	return fmt.Sprintf(`{"id":%q,"object":"assistant","created_at":1760000000,"name":"Aria","description":"","model":"gpt-4o-mini","instructions":%s,"metadata":{},"tools":%s}`, id, instructions, toolsRaw)
}

func calendarDefs() []tools.Def {
	return []tools.Def{
		{Name: "get_calendar_events", Description: "List events", InputSchema: json.RawMessage(`{"type":"object","properties":{"start":{"type":"string"}},"required":["start"]}`)},
		{Name: "get_weather", Description: "Weather", InputSchema: json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}}}`)},
	}
}

func TestOpenAIAssistant_EnsureAssistant(t *testing.T) {
	t.Parallel()

	current := assistantJSON("asst_current", `{"instructions":"be brief","tools":[{"type":"function","function":{"name":"get_weather"}},{"type":"function","function":{"name":"get_calendar_events"}},{"type":"file_search"}]}`)
	stale := assistantJSON("asst_stale", `{"instructions":"be brief","tools":[{"type":"function","function":{"name":"get_weather"}}]}`)

	cases := []struct {
		name        string
		configured  string
		wantID      string
		wantCreated int
		wantUpdated int
	}{
		{name: "current assistant is reused", configured: "asst_current", wantID: "asst_current"},
		{name: "stale assistant is updated", configured: "asst_stale", wantID: "asst_stale", wantUpdated: 1},
		{name: "missing assistant is recreated", configured: "asst_gone", wantID: "asst_new1", wantCreated: 1},
		{name: "no assistant id creates one", wantID: "asst_new1", wantCreated: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			catalog := &assistantCatalog{stored: map[string]string{"asst_current": current, "asst_stale": stale}}
			srv := httptest.NewServer(http.HandlerFunc(catalog.handle))
			t.Cleanup(srv.Close)

			p, err := NewOpenAIAssistant(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL, AssistantID: tc.configured})
			if err != nil {
				t.Fatalf("NewOpenAIAssistant: %v", err)
			}
			id, err := p.EnsureAssistant(context.Background(), AssistantSpec{Instructions: "be brief", Tools: calendarDefs()})
			if err != nil {
				t.Fatalf("EnsureAssistant: %v", err)
			}
			if id != tc.wantID || p.AssistantID() != tc.wantID {
				t.Fatalf("id=%q AssistantID()=%q, want %q", id, p.AssistantID(), tc.wantID)
			}

			catalog.mu.Lock()
			created, updated := catalog.created, catalog.updated
			catalog.mu.Unlock()
			if len(created) != tc.wantCreated || len(updated) != tc.wantUpdated {
				t.Fatalf("created=%d updated=%d", len(created), len(updated))
			}
			for _, body := range append(created, updated...) {
				var names []string
				for _, n := range gjson.Get(body, "tools.#.function.name").Array() {
					names = append(names, n.String())
				}
				if diff := cmp.Diff([]string{"get_calendar_events", "get_weather"}, names); diff != "" {
					t.Fatalf("function tools (-want +got):\n%s", diff)
				}
				if !gjson.Get(body, `tools.#(type=="file_search")`).Exists() {
					t.Fatalf("file_search tool missing: %s", body)
				}
				if gjson.Get(body, "instructions").String() != "be brief" {
					t.Fatalf("instructions=%s", body)
				}
				if gjson.Get(body, "tools.0.function.parameters.required.0").String() != "start" {
					t.Fatalf("schema not forwarded: %s", body)
				}
			}
			for _, body := range created {
				if gjson.Get(body, "name").String() != DefaultAssistantName || gjson.Get(body, "model").String() != "gpt-4o-mini" {
					t.Fatalf("create body=%s", body)
				}
			}
		})
	}
}

func TestOpenAIAssistant_StartRunNeedsAssistant(t *testing.T) {
	t.Parallel()

	p, err := NewOpenAIAssistant(OpenAIOptions{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewOpenAIAssistant: %v", err)
	}
	if _, err := p.StartRun(context.Background(), "thread_abc"); err == nil {
		t.Fatal("StartRun without an assistant id succeeded")
	}
}
