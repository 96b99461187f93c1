package ai

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/floegence/aria-agent/internal/ai/provider"
	"github.com/floegence/aria-agent/internal/ai/threadstore"
	"github.com/floegence/aria-agent/internal/ai/tools"
	"github.com/floegence/aria-agent/internal/auditlog"
	"github.com/floegence/aria-agent/internal/session"
)

const maxRequestBodyBytes = 1 << 20

// Actions accepted by the assistant endpoint.
const (
	ActionSendMessage  = "send_message"
	ActionCreateThread = "create_thread"
	ActionGetMessages  = "get_messages"
	ActionCancelRun    = "cancel_run"
)

// AssistantRequest is the body of POST /api/chat/assistant.
type AssistantRequest struct {
	Action      string               `json:"action"`
	ThreadID    string               `json:"threadId,omitempty"`
	Message     string               `json:"message,omitempty"`
	UserContext *session.UserContext `json:"userContext,omitempty"`
}

// Error codes carried next to the message so clients can branch without parsing text.
// Provider credential failures reuse CodeProviderAuth.
const (
	CodeThreadBusy = "thread_busy"
	CodeSuperseded = "superseded"
)

// Envelope is the JSON response of every non-streaming answer.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type ThreadResponse struct {
	Success bool            `json:"success"`
	Thread  provider.Thread `json:"thread"`
}

type MessagesResponse struct {
	Success  bool               `json:"success"`
	Messages []provider.Message `json:"messages"`
}

type RunsResponse struct {
	Success bool               `json:"success"`
	Runs    []threadstore.Turn `json:"runs"`
}

type ToolCallsResponse struct {
	Success   bool             `json:"success"`
	ToolCalls []auditlog.Entry `json:"toolCalls"`
}

type handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler serves the chat endpoints:
//
//	POST /api/chat/assistant   actions send_message (SSE), create_thread, get_messages, cancel_run
//	GET  /api/chat/assistant   ?threadId= lists messages
//	GET  /api/chat/runs        ?threadId= lists recorded turns
//	GET  /api/chat/tool-calls  ?threadId= lists audited tool invocations
func NewHandler(svc *Service, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{svc: svc, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/assistant", h.handleAction)
	mux.HandleFunc("GET /api/chat/assistant", h.handleGetMessages)
	mux.HandleFunc("GET /api/chat/runs", h.handleListRuns)
	mux.HandleFunc("GET /api/chat/tool-calls", h.handleListToolCalls)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Envelope{Success: false, Error: msg})
}

func (h *handler) handleAction(w http.ResponseWriter, r *http.Request) {
	var req AssistantRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch strings.TrimSpace(req.Action) {
	case ActionSendMessage:
		h.sendMessage(w, r, req)
	case ActionCreateThread:
		th, err := h.svc.CreateThread(r.Context())
		if err != nil {
			h.log.Error("create thread failed", "error", err)
			writeError(w, statusFor(err), "Failed to create thread")
			return
		}
		writeJSON(w, http.StatusOK, ThreadResponse{Success: true, Thread: th})
	case ActionGetMessages:
		h.getMessages(w, r, req.ThreadID)
	case ActionCancelRun:
		if strings.TrimSpace(req.ThreadID) == "" {
			writeError(w, http.StatusBadRequest, "Thread ID is required")
			return
		}
		h.svc.CancelTurn(req.ThreadID)
		writeJSON(w, http.StatusOK, Envelope{Success: true})
	default:
		writeError(w, http.StatusBadRequest, "Invalid action")
	}
}

func (h *handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	h.getMessages(w, r, r.URL.Query().Get("threadId"))
}

func (h *handler) getMessages(w http.ResponseWriter, r *http.Request, threadID string) {
	msgs, err := h.svc.GetMessages(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, ErrThreadRequired) {
			writeError(w, http.StatusBadRequest, "Thread ID is required")
			return
		}
		h.log.Error("get messages failed", "thread_id", threadID, "error", err)
		writeError(w, statusFor(err), "Failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Success: true, Messages: msgs})
}

func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	turns, err := h.svc.ListTurns(r.Context(), q.Get("threadId"), limit)
	if err != nil {
		if errors.Is(err, ErrThreadRequired) {
			writeError(w, http.StatusBadRequest, "Thread ID is required")
			return
		}
		h.log.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, RunsResponse{Success: true, Runs: turns})
}

func (h *handler) handleListToolCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := h.svc.ListToolCalls(q.Get("threadId"), limit)
	if err != nil {
		h.log.Error("list tool calls failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list tool calls")
		return
	}
	writeJSON(w, http.StatusOK, ToolCallsResponse{Success: true, ToolCalls: entries})
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request, req AssistantRequest) {
	var stream *sseStream
	err := h.svc.SendMessage(r.Context(), SendRequest{
		ThreadID: req.ThreadID,
		Message:  req.Message,
		Exec:     tools.ExecutionContext{Meta: session.FromRequest(r), User: req.UserContext},
	}, func() Sink {
		stream = newSSEStream(w, h.svc.streamWriteTO, h.log)
		return stream
	})
	if stream != nil {
		stream.Close()
		return
	}

	switch {
	case err == nil:
		writeError(w, http.StatusInternalServerError, "Stream was not opened")
	case errors.Is(err, ErrThreadRequired):
		writeError(w, http.StatusBadRequest, "Thread ID is required")
	case errors.Is(err, ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "Message is required")
	case errors.Is(err, ErrMessageTooLong):
		writeError(w, http.StatusBadRequest, "Message is too long")
	case errors.Is(err, ErrThreadBusy):
		writeJSON(w, http.StatusConflict, Envelope{Error: "Another request is still running on this thread", Code: CodeThreadBusy})
	case errors.Is(err, ErrTurnCancelled):
		writeJSON(w, http.StatusConflict, Envelope{Error: "Request superseded", Code: CodeSuperseded})
	case errors.Is(err, provider.ErrNotFound):
		writeError(w, http.StatusNotFound, "Thread not found")
	case errors.Is(err, provider.ErrUnauthorized):
		h.log.Error("assistant provider rejected credentials", "thread_id", req.ThreadID, "error", err)
		writeJSON(w, http.StatusBadGateway, Envelope{Error: "Assistant provider rejected the API key", Code: CodeProviderAuth})
	default:
		h.log.Warn("send message rejected", "thread_id", req.ThreadID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to add message")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrUnauthorized):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
