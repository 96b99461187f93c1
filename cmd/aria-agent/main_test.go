package main

import (
	"bytes"
	"context"
	"encoding/json"
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

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"

	"github.com/floegence/aria-agent/internal/ai"
	"github.com/floegence/aria-agent/internal/chatclient"
	"github.com/floegence/aria-agent/internal/config"
	"github.com/floegence/aria-agent/internal/settings"
)

type fakeSecrets map[string]string

func (f fakeSecrets) Lookup(name string) (string, settings.Source, error) {
	v, ok := f[name]
	if !ok {
		return "", "", settings.ErrNotFound
	}
	return v, settings.SourceEnv, nil
}

func (f fakeSecrets) Optional(name string) (string, error) { return f[name], nil }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func anthropicConfig() *config.Config {
	cfg := config.Default()
	cfg.Assistant = config.AssistantConfig{Provider: config.ProviderAnthropic, BaseURL: "http://127.0.0.1:1"}
	return cfg
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, lv, err := newLogger(&buf, "", "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Fatalf("record=%v", rec)
	}

	lv.Set(slog.LevelDebug)
	buf.Reset()
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("level change not applied: %q", buf.String())
	}

	if _, _, err := newLogger(&buf, "xml", "info"); err == nil {
		t.Fatalf("expected format error")
	}
	if _, _, err := newLogger(&buf, "text", "chatty"); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestBuildApp_MissingKey(t *testing.T) {
	t.Parallel()

	_, err := buildApp(context.Background(), anthropicConfig(), t.TempDir(), fakeSecrets{}, discard())
	if err == nil || !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildApp_WeatherNeedsKey(t *testing.T) {
	t.Parallel()

	cfg := anthropicConfig()
	cfg.Weather.Provider = config.WeatherOpenWeatherMap
	_, err := buildApp(context.Background(), cfg, t.TempDir(), fakeSecrets{"ANTHROPIC_API_KEY": "k"}, discard())
	if err == nil || !strings.Contains(err.Error(), "OPENWEATHER_API_KEY") {
		t.Fatalf("err=%v", err)
	}
}

func newTestApp(t *testing.T) *httptest.Server {
	t.Helper()
	a, err := buildApp(context.Background(), anthropicConfig(), t.TempDir(), fakeSecrets{"ANTHROPIC_API_KEY": "test-key"}, discard())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	ts := httptest.NewServer(ai.NewHandler(a.svc, discard()))
	t.Cleanup(ts.Close)
	return ts
}

func TestChatController_AgainstWiredServer(t *testing.T) {
	t.Parallel()

	ts := newTestApp(t)
	statePath := filepath.Join(t.TempDir(), "chat-state.json")
	ctrl, err := chatclient.New(chatclient.Options{BaseURL: ts.URL, StatePath: statePath, Logger: discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	th, err := ctrl.EnsureThread(context.Background())
	if err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}
	if !strings.HasPrefix(th.ID, "thread_") {
		t.Fatalf("thread id=%q", th.ID)
	}

	// A second controller on the same state file resumes the thread.
	again, err := chatclient.New(chatclient.Options{BaseURL: ts.URL, StatePath: statePath, Logger: discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resumed, err := again.EnsureThread(context.Background())
	if err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}
	if resumed.ID != th.ID {
		t.Fatalf("resumed %q, want %q", resumed.ID, th.ID)
	}
}

func TestRunChat_Commands(t *testing.T) {
	t.Parallel()

	ts := newTestApp(t)
	ctrl, err := chatclient.New(chatclient.Options{BaseURL: ts.URL, StatePath: filepath.Join(t.TempDir(), "s.json"), Logger: discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	in := strings.NewReader("\n/cancel\n/clear\n/quit\nnever sent\n")
	if err := runChat(ctx, ctrl, in, &out, nil); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	got := out.String()
	for _, want := range []string{"thread thread_", "nothing to cancel", "new conversation thread_"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if len(ctrl.Messages()) != 0 {
		t.Fatalf("messages=%v", ctrl.Messages())
	}
}

func TestEventPrinter(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := newEventPrinter(&out)
	for _, ev := range []chatclient.Event{
		{Type: chatclient.EventToolCall, Data: json.RawMessage(`{"id":"c1","name":"check_availability","args":"{}"}`)},
		{Type: chatclient.EventToolResult, Data: json.RawMessage(`{"id":"c1","name":"check_availability","result":{"available":true},"success":true,"error":null}`)},
		{Type: chatclient.EventToolError, Data: json.RawMessage(`{"id":"c2","name":"get_weather","error":"upstream down"}`)},
		{Type: chatclient.EventContent, Data: json.RawMessage(`"You're "`)},
		{Type: chatclient.EventContent, Data: json.RawMessage(`"free."`)},
		{Type: chatclient.EventComplete, Data: json.RawMessage(`{"messages":[]}`)},
	} {
		p.print(ev)
	}
	want := "  ⚙ check_availability\n  ✓ check_availability\n  ✗ get_weather: upstream down\naria You're free.\n"
	if out.String() != want {
		t.Fatalf("got %q\nwant %q", out.String(), want)
	}
}

func TestGuardTimings(t *testing.T) {
	t.Parallel()

	g := guardTimings(config.GuardConfig{WaitTimeoutMS: 1200, LeaseTTLSeconds: 3})
	if g.WaitTimeout.Milliseconds() != 1200 || g.LeaseTTL.Seconds() != 3 || g.PollInterval <= 0 {
		t.Fatalf("timings=%+v", g)
	}
}

func TestBuildApp_CreatesAndKeepsAssistantID(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls []string
	stored := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/assistants":
			stored["asst_made"] = fmt.Sprintf(`{"id":"asst_made","object":"assistant","created_at":1,"name":"Aria","description":"","model":"gpt-4o-mini","instructions":%s,"metadata":{},"tools":%s}`,
				gjson.GetBytes(body, "instructions").Raw, gjson.GetBytes(body, "tools").Raw)
			_, _ = io.WriteString(w, stored["asst_made"])
		case r.Method == http.MethodGet && stored[strings.TrimPrefix(r.URL.Path, "/assistants/")] != "":
			_, _ = io.WriteString(w, stored[strings.TrimPrefix(r.URL.Path, "/assistants/")])
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"message":"not found"}}`)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Assistant = config.AssistantConfig{Provider: config.ProviderOpenAIAssistant, BaseURL: srv.URL}
	stateDir := t.TempDir()
	secrets := fakeSecrets{"OPENAI_API_KEY": "sk-test"}

	for range 2 {
		a, err := buildApp(context.Background(), cfg, stateDir, secrets, discard())
		if err != nil {
			t.Fatalf("buildApp: %v", err)
		}
		_ = a.Close()
	}

	b, err := os.ReadFile(filepath.Join(stateDir, "assistant_id"))
	if err != nil || strings.TrimSpace(string(b)) != "asst_made" {
		t.Fatalf("assistant_id file=%q err=%v", b, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"POST /assistants", "GET /assistants/asst_made"}, calls); diff != "" {
		t.Fatalf("assistant calls (-want +got):\n%s", diff)
	}
}
