package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/floegence/aria-agent/internal/ai/provider"
	"github.com/floegence/aria-agent/internal/ai/tools"
	"github.com/floegence/aria-agent/internal/auditlog"
)

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
	OutcomeExpired   OutcomeStatus = "expired"
)

// Outcome is how a turn ended. Err is nil only for completed turns.
type Outcome struct {
	Status OutcomeStatus
	RunID  string
	Err    error
}

const providerCancelTimeout = 5 * time.Second

// RunTurn drives one provider run to a terminal state, dispatching tool calls each time the run
// asks for them. The caller must hold the thread's turn slot and have cleared the guard.
//
// Events reach sink in the order content* (tool_call+ (tool_result|tool_error)+)* followed by
// exactly one complete or error, except when ctx ends first: then nothing further is sent and
// the provider run is cancelled on a detached context.
func (s *Service) RunTurn(ctx context.Context, threadID string, ec tools.ExecutionContext, sink Sink) Outcome {
	sink = &terminalGate{next: sink}
	log := s.log.With("thread_id", threadID)

	log.Info("run phase", "phase", "starting")
	stream, err := s.provider.StartRun(ctx, threadID)
	if err != nil {
		if ctx.Err() != nil {
			return s.abandon(ctx, log, threadID, "")
		}
		return s.fail(log, sink, "", fmt.Errorf("start run: %w", err))
	}

	acc := newToolCallAccumulator()
	var runID string
	for {
		run, streamErr := s.consume(ctx, log, stream, sink, acc, runID)
		_ = stream.Close()
		if run.ID != "" {
			runID = run.ID
		}
		if ctx.Err() != nil {
			return s.abandon(ctx, log, threadID, runID)
		}
		if streamErr != nil {
			return s.fail(log.With("run_id", runID), sink, runID, streamErr)
		}

		// A stream can end without a settled status; ask once.
		if run.Status != provider.RunRequiresAction && !run.Status.Terminal() && runID != "" {
			fresh, err := s.provider.GetRun(ctx, threadID, runID)
			switch {
			case err == nil:
				run = fresh
			case ctx.Err() != nil:
				return s.abandon(ctx, log, threadID, runID)
			default:
				log.Warn("run refresh failed", "run_id", runID, "error", err)
			}
		}

		rlog := log.With("run_id", runID)
		switch run.Status {
		case provider.RunRequiresAction:
			rlog.Info("run phase", "phase", "awaiting_tools", "calls", len(run.RequiredToolCalls))
			calls := acc.finalize(run.RequiredToolCalls)
			acc.reset()
			if len(calls) == 0 {
				return s.fail(rlog, sink, runID, errors.New("run requested tool outputs without tool calls"))
			}
			for _, c := range calls {
				sink.Send(Event{Type: EventToolCall, Data: ToolCallData{ID: c.ID, Name: c.Name, Args: c.Args}})
			}

			rlog.Info("run phase", "phase", "dispatching")
			results := s.tools.ExecuteBatch(ctx, calls, ec, s.toolConcurrency)
			if ctx.Err() != nil {
				return s.abandon(ctx, log, threadID, runID)
			}
			outputs := make([]provider.ToolOutput, 0, len(calls))
			for i, c := range calls {
				res := results[i]
				s.auditToolCall(threadID, runID, ec, c, res)
				if res.Success {
					sink.Send(Event{Type: EventToolResult, Data: ToolResultData{ID: c.ID, Name: c.Name, Result: res.Data, Success: true}})
				} else {
					sink.Send(Event{Type: EventToolError, Data: ToolErrorData{ID: c.ID, Name: c.Name, Error: res.Error, Code: string(res.Code)}})
				}
				outputs = append(outputs, provider.ToolOutput{ToolCallID: c.ID, Output: res.Output()})
			}

			stream, err = s.provider.SubmitToolOutputs(ctx, threadID, runID, outputs)
			if err != nil {
				if ctx.Err() != nil {
					return s.abandon(ctx, log, threadID, runID)
				}
				return s.fail(rlog, sink, runID, fmt.Errorf("submit tool outputs: %w", err))
			}

		case provider.RunCompleted:
			msgs, err := s.provider.ListMessages(ctx, threadID, s.messageLimit)
			if err != nil {
				if ctx.Err() != nil {
					return s.abandon(ctx, log, threadID, runID)
				}
				return s.fail(rlog, sink, runID, fmt.Errorf("list messages: %w", err))
			}
			if msgs == nil {
				msgs = []provider.Message{}
			}
			sink.Send(Event{Type: EventComplete, Data: CompleteData{Messages: msgs}})
			rlog.Info("run phase", "phase", "completed", "messages", len(msgs))
			return Outcome{Status: OutcomeCompleted, RunID: runID}

		case provider.RunExpired:
			return s.terminal(rlog, sink, run, OutcomeExpired)
		case provider.RunCancelled:
			return s.terminal(rlog, sink, run, OutcomeCancelled)
		case provider.RunFailed, provider.RunIncomplete:
			return s.terminal(rlog, sink, run, OutcomeFailed)
		default:
			return s.fail(rlog, sink, runID, fmt.Errorf("run stream ended while %s", run.Status))
		}
	}
}

// consume reads one stream to its end, forwarding text and collecting tool-call fragments.
// It returns the last run status reported by the stream.
func (s *Service) consume(ctx context.Context, log *slog.Logger, stream provider.RunStream, sink Sink, acc *toolCallAccumulator, runID string) (provider.Run, error) {
	last := provider.Run{ID: runID}
	log.Debug("run phase", "phase", "streaming", "run_id", runID)
	for ctx.Err() == nil && stream.Next() {
		ev := stream.Current()
		switch ev.Kind {
		case provider.EventTextDelta:
			if ev.Text != "" && ctx.Err() == nil {
				sink.Send(Event{Type: EventContent, Data: ev.Text})
			}
		case provider.EventToolCallDelta:
			acc.add(ev.ToolCall)
		case provider.EventRunStatus:
			if ev.Run.ID == "" {
				ev.Run.ID = last.ID
			}
			if ev.Run.ID != last.ID && last.ID != "" {
				log.Debug("run id changed mid-stream", "from", last.ID, "to", ev.Run.ID)
			}
			last = ev.Run
		}
	}
	return last, stream.Err()
}

func (s *Service) terminal(log *slog.Logger, sink Sink, run provider.Run, status OutcomeStatus) Outcome {
	msg := run.LastError
	if msg == "" {
		msg = fmt.Sprintf("Assistant run %s", run.Status)
	}
	log.Warn("run phase", "phase", "terminal", "status", run.Status, "error", msg)
	sink.Send(Event{Type: EventError, Data: ErrorData{Error: msg}})
	return Outcome{Status: status, RunID: run.ID, Err: errors.New(msg)}
}

func (s *Service) fail(log *slog.Logger, sink Sink, runID string, err error) Outcome {
	log.Error("run phase", "phase", "failed", "error", err)
	data := ErrorData{Error: "The assistant could not complete the request"}
	if errors.Is(err, provider.ErrUnauthorized) {
		data = ErrorData{Error: "The assistant provider rejected its credentials", Code: CodeProviderAuth}
	}
	sink.Send(Event{Type: EventError, Data: data})
	return Outcome{Status: OutcomeFailed, RunID: runID, Err: err}
}

// abandon stops a turn whose caller went away. Nothing more is sent to the sink.
func (s *Service) abandon(ctx context.Context, log *slog.Logger, threadID string, runID string) Outcome {
	log.Info("run phase", "phase", "cancelled", "run_id", runID)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), providerCancelTimeout)
	defer cancel()

	ids := []string{runID}
	if runID == "" {
		runs, err := s.provider.ActiveRuns(cctx, threadID)
		if err != nil {
			log.Warn("listing runs to cancel failed", "error", err)
		}
		ids = ids[:0]
		for _, r := range runs {
			ids = append(ids, r.ID)
		}
	}
	for _, id := range ids {
		if err := s.provider.CancelRun(cctx, threadID, id); err != nil && !errors.Is(err, provider.ErrNotFound) {
			log.Warn("provider run cancel failed", "run_id", id, "error", err)
		}
	}
	return Outcome{Status: OutcomeCancelled, RunID: runID, Err: ctx.Err()}
}

func (s *Service) auditToolCall(threadID, runID string, ec tools.ExecutionContext, c tools.Call, res tools.Result) {
	e := auditlog.Entry{
		Tool:     c.Name,
		CallID:   c.ID,
		Status:   auditlog.StatusSuccess,
		ThreadID: threadID,
		RunID:    runID,
		UserID:   ec.Meta.UserID,
	}
	if !res.Success {
		e.Status = auditlog.StatusFailure
		e.Error = res.Error
		e.Code = string(res.Code)
	}
	s.audit.Append(e)
}
