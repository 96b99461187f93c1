package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"
)

// OpenAIAssistant drives an OpenAI assistant through the Assistants (beta) API.
// Threads and runs live on the provider side. Without an assistant id, EnsureAssistant must
// run before the first run is started.
type OpenAIAssistant struct {
	client openai.Client
	log    *slog.Logger

	mu          sync.RWMutex
	assistantID string
}

type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	AssistantID string
	HTTPClient  *http.Client
	Log         *slog.Logger
}

func NewOpenAIAssistant(opts OpenAIOptions) (*OpenAIAssistant, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("missing openai api key")
	}
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(base))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, ooption.WithHTTPClient(opts.HTTPClient))
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &OpenAIAssistant{
		client:      openai.NewClient(reqOpts...),
		assistantID: strings.TrimSpace(opts.AssistantID),
		log:         log,
	}, nil
}

func (o *OpenAIAssistant) CreateThread(ctx context.Context) (Thread, error) {
	th, err := o.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return Thread{}, mapOpenAIError(err)
	}
	return Thread{ID: th.ID, CreatedAt: time.Unix(th.CreatedAt, 0).UTC()}, nil
}

func (o *OpenAIAssistant) AddMessage(ctx context.Context, threadID string, content string) (Message, error) {
	msg, err := o.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(content)},
	})
	if err != nil {
		return Message{}, mapOpenAIError(err)
	}
	return messageFromJSON(gjson.Parse(msg.RawJSON())), nil
}

func (o *OpenAIAssistant) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	page, err := o.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Limit: openai.Int(int64(limit)),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	out := make([]Message, 0, len(page.Data))
	for i := len(page.Data) - 1; i >= 0; i-- {
		out = append(out, messageFromJSON(gjson.Parse(page.Data[i].RawJSON())))
	}
	return out, nil
}

func (o *OpenAIAssistant) ActiveRuns(ctx context.Context, threadID string) ([]Run, error) {
	page, err := o.client.Beta.Threads.Runs.List(ctx, threadID, openai.BetaThreadRunListParams{
		Limit: openai.Int(10),
		Order: openai.BetaThreadRunListParamsOrderDesc,
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	var out []Run
	for _, item := range page.Data {
		run := runFromJSON(gjson.Parse(item.RawJSON()))
		if run.Status.Active() {
			out = append(out, run)
		}
	}
	return out, nil
}

func (o *OpenAIAssistant) GetRun(ctx context.Context, threadID string, runID string) (Run, error) {
	r, err := o.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return Run{}, mapOpenAIError(err)
	}
	return runFromJSON(gjson.Parse(r.RawJSON())), nil
}

func (o *OpenAIAssistant) CancelRun(ctx context.Context, threadID string, runID string) error {
	if _, err := o.client.Beta.Threads.Runs.Cancel(ctx, threadID, runID); err != nil {
		return mapOpenAIError(err)
	}
	return nil
}

func (o *OpenAIAssistant) StartRun(ctx context.Context, threadID string) (RunStream, error) {
	assistantID := o.AssistantID()
	if assistantID == "" {
		return nil, errors.New("assistant id is not set")
	}
	o.log.Debug("assistant run starting", "thread_id", threadID, "assistant_id", assistantID)
	stream := o.client.Beta.Threads.Runs.NewStreaming(ctx, threadID, openai.BetaThreadRunNewParams{
		AssistantID: assistantID,
	})
	return &openAIRunStream{stream: stream}, nil
}

func (o *OpenAIAssistant) SubmitToolOutputs(ctx context.Context, threadID string, runID string, outputs []ToolOutput) (RunStream, error) {
	o.log.Debug("submitting tool outputs", "thread_id", threadID, "run_id", runID, "outputs", len(outputs))
	items := make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(outputs))
	for _, out := range outputs {
		items = append(items, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(out.ToolCallID),
			Output:     openai.String(out.Output),
		})
	}
	stream := o.client.Beta.Threads.Runs.SubmitToolOutputsStreaming(ctx, threadID, runID, openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: items,
	})
	return &openAIRunStream{stream: stream}, nil
}

type openAIRunStream struct {
	stream *ssestream.Stream[openai.AssistantStreamEventUnion]
	queue  []StreamEvent
	cur    StreamEvent
	err    error
	done   bool
}

func (s *openAIRunStream) Next() bool {
	for {
		if len(s.queue) > 0 {
			s.cur = s.queue[0]
			s.queue = s.queue[1:]
			return true
		}
		if s.done || s.stream == nil {
			return false
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				s.err = mapOpenAIError(err)
			}
			return false
		}
		ev := s.stream.Current()
		events, err := translateAssistantEvent(ev.Event, ev.RawJSON())
		if err != nil {
			s.done = true
			s.err = err
		}
		s.queue = append(s.queue, events...)
	}
}

func (s *openAIRunStream) Current() StreamEvent { return s.cur }

func (s *openAIRunStream) Err() error { return s.err }

func (s *openAIRunStream) Close() error {
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

// translateAssistantEvent maps one Assistants stream event to zero or more provider events.
// raw is either the event payload itself or an {"event":..,"data":..} wrapper.
func translateAssistantEvent(name string, raw string) ([]StreamEvent, error) {
	data := gjson.Get(raw, "data")
	if !data.Exists() || !data.IsObject() {
		data = gjson.Parse(raw)
	}
	if name == "" {
		name = gjson.Get(raw, "event").String()
	}

	switch {
	case name == "thread.message.delta":
		var out []StreamEvent
		data.Get("delta.content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				if v := part.Get("text.value").String(); v != "" {
					out = append(out, StreamEvent{Kind: EventTextDelta, Text: v})
				}
			}
			return true
		})
		return out, nil
	case name == "thread.run.step.delta":
		var out []StreamEvent
		data.Get("delta.step_details.tool_calls").ForEach(func(_, call gjson.Result) bool {
			if t := call.Get("type").String(); t != "" && t != "function" {
				return true
			}
			out = append(out, StreamEvent{Kind: EventToolCallDelta, ToolCall: ToolCallDelta{
				Index:     int(call.Get("index").Int()),
				ID:        call.Get("id").String(),
				Name:      call.Get("function.name").String(),
				Arguments: call.Get("function.arguments").String(),
			}})
			return true
		})
		return out, nil
	case strings.HasPrefix(name, "thread.run.step."):
		return nil, nil
	case strings.HasPrefix(name, "thread.run."):
		return []StreamEvent{{Kind: EventRunStatus, Run: runFromJSON(data)}}, nil
	case name == "error":
		msg := data.Get("message").String()
		if msg == "" {
			msg = data.Get("error.message").String()
		}
		if msg == "" {
			msg = "assistant stream error"
		}
		return nil, errors.New(msg)
	default:
		return nil, nil
	}
}

func runFromJSON(r gjson.Result) Run {
	run := Run{
		ID:        r.Get("id").String(),
		ThreadID:  r.Get("thread_id").String(),
		Status:    RunStatus(r.Get("status").String()),
		LastError: r.Get("last_error.message").String(),
	}
	r.Get("required_action.submit_tool_outputs.tool_calls").ForEach(func(_, call gjson.Result) bool {
		run.RequiredToolCalls = append(run.RequiredToolCalls, ToolCall{
			ID:        call.Get("id").String(),
			Name:      call.Get("function.name").String(),
			Arguments: call.Get("function.arguments").String(),
		})
		return true
	})
	return run
}

func messageFromJSON(m gjson.Result) Message {
	return Message{
		ID:        m.Get("id").String(),
		Role:      Role(m.Get("role").String()),
		Content:   m.Get(`content.#(type=="text").text.value`).String(),
		CreatedAt: time.Unix(m.Get("created_at").Int(), 0).UTC(),
	}
}

func mapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}
