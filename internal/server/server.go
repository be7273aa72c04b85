// Package server exposes running tasks, the scenario catalog and run
// history over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/marcus/sentinel/internal/logging"
	"github.com/marcus/sentinel/internal/state"
	"github.com/marcus/sentinel/internal/tasks"
)

// History is the read side of the run store.
type History interface {
	RecentRuns(n int, scenario string) ([]state.RunRecord, error)
	GetRun(idOrPrefix string) (state.RunRecord, error)
}

// Server serves the HTTP API.
type Server struct {
	launcher *tasks.Launcher
	history  History
	logger   *logging.Logger

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the /runs endpoints.
func WithHistory(h History) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a server launching tasks through l.
func New(l *tasks.Launcher, opts ...Option) *Server {
	s := &Server{launcher: l}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("server")
	}
	return s
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.InfoCtx("listening", map[string]any{"addr": ln.Addr().String()})
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and cancels every unfinished task.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.launcher.Manager().CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
