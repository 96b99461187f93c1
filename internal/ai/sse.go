package ai

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// sseStream writes events as `data: <json>\n\n` frames. Once closed, or after the first failed
// write, every Send is a no-op.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	log     *slog.Logger
	closed  bool
}

// newSSEStream sets the event-stream headers and commits the response.
func newSSEStream(w http.ResponseWriter, writeTimeout time.Duration, log *slog.Logger) *sseStream {
	if log == nil {
		log = slog.Default()
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &sseStream{w: w, rc: http.NewResponseController(w), timeout: writeTimeout, log: log}
	_ = s.rc.Flush()
	return s
}

func (s *sseStream) Send(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("sse encode failed", "type", ev.Type, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timeout > 0 {
		_ = s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	frame := make([]byte, 0, len(b)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, b...)
	frame = append(frame, '\n', '\n')
	if _, err := s.w.Write(frame); err != nil {
		s.closed = true
		s.log.Debug("sse write failed; stream closed", "error", err)
		return
	}
	if err := s.rc.Flush(); err != nil {
		s.closed = true
		s.log.Debug("sse flush failed; stream closed", "error", err)
	}
}

// Close marks the stream finished. It is safe to call more than once.
func (s *sseStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.timeout > 0 {
		_ = s.rc.SetWriteDeadline(time.Time{})
	}
}

func (s *sseStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
