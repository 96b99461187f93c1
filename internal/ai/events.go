package ai

import (
	"sync"

	"github.com/floegence/aria-agent/internal/ai/provider"
)

type EventType string

const (
	EventContent    EventType = "content"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventToolError  EventType = "tool_error"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Terminal reports whether nothing may follow the event in a turn.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one frame of a streamed turn.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type ToolCallData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type ToolResultData struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Result  any     `json:"result"`
	Success bool    `json:"success"`
	Error   *string `json:"error"`
}

type ToolErrorData struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type CompleteData struct {
	Messages []provider.Message `json:"messages"`
}

type ErrorData struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried by error frames.
const (
	CodeProviderAuth = "provider_auth"
)

// Sink receives the events of one turn in order. Implementations must not block for long.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Send(ev Event) { f(ev) }

// multiSink fans one event out to several sinks in order.
type multiSink []Sink

func (m multiSink) Send(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Send(ev)
		}
	}
}

// terminalGate drops everything after the first terminal event.
type terminalGate struct {
	mu   sync.Mutex
	next Sink
	done bool
}

func (g *terminalGate) Send(ev Event) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	if ev.Type.Terminal() {
		g.done = true
	}
	g.mu.Unlock()
	g.next.Send(ev)
}
