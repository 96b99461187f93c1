package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/floegence/aria-agent/internal/monitor"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Logger *slog.Logger
	// Addr is the listen address, e.g. 127.0.0.1:8787. Port 0 picks a free port.
	Addr string

	// Chat serves /api/chat/*.
	Chat http.Handler
	// Monitor backs /healthz. Optional.
	Monitor *monitor.Service

	Version string
}

type Server struct {
	log     *slog.Logger
	addr    string
	version string
	chat    http.Handler
	mon     *monitor.Service

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Chat == nil {
		return nil, errors.New("missing Chat handler")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("missing Addr")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid Addr %q: %w", addr, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		log:     logger,
		addr:    addr,
		version: strings.TrimSpace(opts.Version),
		chat:    opts.Chat,
		mon:     opts.Monitor,
	}, nil
}

// Handler is the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/chat/", s.chat)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start binds the listener and serves in the background until ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: chat responses are long-lived SSE streams with their own per-frame deadline.
		IdleTimeout: 2 * time.Minute,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.ln = ln
	s.srv = srv

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("aria-agent listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Close shuts down gracefully, waiting up to shutdownTimeout for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown incomplete", "error", err)
		return srv.Close()
	}
	return nil
}

type healthResp struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Process *monitor.Snapshot `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResp{Status: "ok", Version: s.version}
	if s.mon != nil {
		snap := s.mon.Snapshot(r.Context())
		resp.Process = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      "aria-agent",
		"version":   s.version,
		"endpoints": []string{"POST /api/chat/assistant", "GET /api/chat/assistant", "GET /api/chat/runs", "GET /healthz"},
	})
}
