package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/floegence/aria-agent/internal/ai/provider"
	"github.com/floegence/aria-agent/internal/ai/tools"
	"github.com/floegence/aria-agent/internal/calendar"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// step scripts one provider stream. When block is set the stream delivers blockAfter events and
// then blocks until its context ends.
type step struct {
	events     []provider.StreamEvent
	err        error
	block      bool
	blockAfter int
	// reply is appended to the transcript as the assistant's message once the stream ends.
	reply string
}

func scripted(events ...provider.StreamEvent) step { return step{events: events} }

func text(s string) provider.StreamEvent {
	return provider.StreamEvent{Kind: provider.EventTextDelta, Text: s}
}

func callDelta(index int, id, name, args string) provider.StreamEvent {
	return provider.StreamEvent{Kind: provider.EventToolCallDelta, ToolCall: provider.ToolCallDelta{Index: index, ID: id, Name: name, Arguments: args}}
}

func status(runID string, st provider.RunStatus, required ...provider.ToolCall) provider.StreamEvent {
	return provider.StreamEvent{Kind: provider.EventRunStatus, Run: provider.Run{ID: runID, Status: st, RequiredToolCalls: required}}
}

// fakeProvider plays back scripted steps, one per StartRun or SubmitToolOutputs call, and tracks
// how many runs are active per thread.
type fakeProvider struct {
	mu        sync.Mutex
	steps     []step
	threads   int
	messages  []provider.Message
	added     []string
	submitted [][]provider.ToolOutput
	cancelled []string
	active    map[string]int
	maxActive int
	stale     []provider.Run
	addErr    error
	getRun    map[string]provider.Run
	// holdAdd, when set, is closed by the next AddMessage, which then waits for its context.
	holdAdd chan struct{}
}

func newFakeProvider(steps ...step) *fakeProvider {
	return &fakeProvider{steps: steps, active: map[string]int{}, getRun: map[string]provider.Run{}}
}

func (f *fakeProvider) CreateThread(context.Context) (provider.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return provider.Thread{ID: fmt.Sprintf("thread_%d", f.threads), CreatedAt: time.Unix(1760000000, 0).UTC()}, nil
}

func (f *fakeProvider) AddMessage(ctx context.Context, _ string, content string) (provider.Message, error) {
	f.mu.Lock()
	hold := f.holdAdd
	f.holdAdd = nil
	f.mu.Unlock()
	if hold != nil {
		close(hold)
		<-ctx.Done()
		return provider.Message{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return provider.Message{}, f.addErr
	}
	f.added = append(f.added, content)
	m := provider.Message{ID: fmt.Sprintf("msg_%d", len(f.messages)+1), Role: provider.RoleUser, Content: content}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeProvider) ListMessages(context.Context, string, int) ([]provider.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Message(nil), f.messages...), nil
}

func (f *fakeProvider) ActiveRuns(context.Context, string) ([]provider.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Run(nil), f.stale...), nil
}

func (f *fakeProvider) GetRun(_ context.Context, _ string, runID string) (provider.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.getRun[runID]
	if !ok {
		return provider.Run{}, provider.ErrNotFound
	}
	return run, nil
}

func (f *fakeProvider) CancelRun(_ context.Context, _ string, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	kept := f.stale[:0]
	for _, r := range f.stale {
		if r.ID != runID {
			kept = append(kept, r)
		}
	}
	f.stale = kept
	return nil
}

func (f *fakeProvider) next(ctx context.Context, threadID string) (provider.RunStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		return nil, errors.New("no scripted step left")
	}
	st := f.steps[0]
	f.steps = f.steps[1:]
	f.active[threadID]++
	if f.active[threadID] > f.maxActive {
		f.maxActive = f.active[threadID]
	}
	onEnd := func() {
		if st.reply != "" {
			f.appendAssistant(st.reply)
		}
	}
	return &fakeStream{ctx: ctx, step: st, onEnd: onEnd, done: func() {
		f.mu.Lock()
		f.active[threadID]--
		f.mu.Unlock()
	}}, nil
}

func (f *fakeProvider) StartRun(ctx context.Context, threadID string) (provider.RunStream, error) {
	return f.next(ctx, threadID)
}

func (f *fakeProvider) SubmitToolOutputs(ctx context.Context, threadID string, _ string, outputs []provider.ToolOutput) (provider.RunStream, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, outputs)
	f.mu.Unlock()
	return f.next(ctx, threadID)
}

func (f *fakeProvider) appendAssistant(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, provider.Message{ID: fmt.Sprintf("msg_%d", len(f.messages)+1), Role: provider.RoleAssistant, Content: content})
}

type fakeStream struct {
	ctx    context.Context
	step   step
	pos    int
	cur    provider.StreamEvent
	err    error
	onEnd  func()
	ended  bool
	done   func()
	closed bool
}

func (s *fakeStream) Next() bool {
	if s.step.block && s.pos >= s.step.blockAfter {
		<-s.ctx.Done()
		s.err = s.ctx.Err()
		return false
	}
	if s.pos >= len(s.step.events) {
		s.err = s.step.err
		if !s.ended {
			s.ended = true
			s.onEnd()
		}
		return false
	}
	s.cur = s.step.events[s.pos]
	s.pos++
	return true
}

func (s *fakeStream) Current() provider.StreamEvent { return s.cur }
func (s *fakeStream) Err() error                    { return s.err }

func (s *fakeStream) Close() error {
	if !s.closed {
		s.closed = true
		s.done()
	}
	return nil
}

// collector is a Sink that records events and can signal on the first event of a type.
type collector struct {
	mu     sync.Mutex
	events []Event
	onType map[EventType]chan struct{}
}

func newCollector() *collector {
	return &collector{onType: map[EventType]chan struct{}{}}
}

func (c *collector) notify(t EventType) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.onType[t] = ch
	return ch
}

func (c *collector) Send(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	ch := c.onType[ev.Type]
	delete(c.onType, ev.Type)
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *collector) types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

type failingCalendar struct {
	err error
}

func (f failingCalendar) ListEvents(context.Context, calendar.Credential, time.Time, time.Time) ([]calendar.Event, error) {
	return nil, f.err
}

func (f failingCalendar) CreateEvent(context.Context, calendar.Credential, calendar.EventInput) (calendar.Event, error) {
	return calendar.Event{}, f.err
}

func (f failingCalendar) UpdateEvent(context.Context, calendar.Credential, string, calendar.EventPatch) (calendar.Event, error) {
	return calendar.Event{}, f.err
}

func (f failingCalendar) DeleteEvent(context.Context, calendar.Credential, string) error {
	return f.err
}

func newCalendarRegistry(t *testing.T, svc calendar.Service) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(discardLogger())
	if err := tools.RegisterCalendarTools(r, svc); err != nil {
		t.Fatalf("RegisterCalendarTools: %v", err)
	}
	return r
}

func openLocalCalendar(t *testing.T) *calendar.LocalStore {
	t.Helper()
	s, err := calendar.OpenLocal(filepath.Join(t.TempDir(), "cal.sqlite"), calendar.LocalOptions{})
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestService(t *testing.T, p provider.Provider, reg *tools.Registry, mutate func(*Options)) *Service {
	t.Helper()
	opts := Options{
		Logger:   discardLogger(),
		Provider: p,
		Tools:    reg,
		Guard: GuardTimings{
			WaitTimeout:   40 * time.Millisecond,
			PollInterval:  5 * time.Millisecond,
			CancelPause:   time.Millisecond,
			RunStartPause: time.Millisecond,
		},
		TurnTakeoverTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}
