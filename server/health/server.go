// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/chainstream/broker"
)

const checkTimeout = 2 * time.Second

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	InstanceID      string
}

// Pinger is a dependency whose availability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checkpointer reports the last ingested block.
type Checkpointer interface {
	Last() (uint64, bool, error)
}

// filePather is a Checkpointer backed by a file.
type filePather interface {
	Path() string
}

// Group is a consumer group reported by /status.
type Group struct {
	Topic string
	Group string
}

type check struct {
	name   string
	pinger Pinger
}

// Option configures the server.
type Option func(*Server)

// WithCheck adds a readiness check.
func WithCheck(name string, p Pinger) Option {
	return func(s *Server) {
		s.checks = append(s.checks, check{name: name, pinger: p})
	}
}

// WithBroker reports the committed offsets and lag of groups on /status.
func WithBroker(b broker.Broker, groups ...Group) Option {
	return func(s *Server) {
		s.broker = b
		s.groups = groups
	}
}

// WithCheckpoint reports the ingest checkpoint on /status.
func WithCheckpoint(c Checkpointer) Option {
	return func(s *Server) {
		s.checkpoint = c
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config     Config
	checks     []check
	broker     broker.Broker
	groups     []Group
	checkpoint Checkpointer
	metrics    http.Handler
	logger     *slog.Logger
	server     *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string            `json:"status"`
	Details string            `json:"details,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK only if every check succeeds.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	for _, c := range s.checks {
		if err := c.pinger.Ping(ctx); err != nil {
			resp.Checks[c.name] = err.Error()
			resp.Status = "not_ready"
			resp.Details = fmt.Sprintf("%s unavailable", c.name)
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}

	writeJSON(w, status, resp)
}

// GroupStatus is the position of one consumer group.
type GroupStatus struct {
	Topic  string `json:"topic"`
	Group  string `json:"group"`
	Offset int64  `json:"offset"`
	Lag    *int64 `json:"lag,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CheckpointStatus is the ingest checkpoint.
type CheckpointStatus struct {
	File      string  `json:"file,omitempty"`
	LastBlock *uint64 `json:"last_block"`
	Error     string  `json:"error,omitempty"`
}

// StatusResponse represents pipeline progress.
type StatusResponse struct {
	InstanceID string            `json:"instance_id,omitempty"`
	Groups     []GroupStatus     `json:"groups"`
	Checkpoint *CheckpointStatus `json:"checkpoint,omitempty"`
}

// handleStatus returns consumer group offsets and the ingest checkpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := StatusResponse{
		InstanceID: s.config.InstanceID,
		Groups:     []GroupStatus{},
	}

	if s.broker != nil {
		for _, g := range s.groups {
			resp.Groups = append(resp.Groups, s.groupStatus(ctx, g))
		}
	}

	if s.checkpoint != nil {
		cs := &CheckpointStatus{}
		if fp, ok := s.checkpoint.(filePather); ok {
			cs.File = fp.Path()
		}
		n, ok, err := s.checkpoint.Last()
		switch {
		case err != nil:
			cs.Error = err.Error()
		case ok:
			cs.LastBlock = &n
		}
		resp.Checkpoint = cs
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) groupStatus(ctx context.Context, g Group) GroupStatus {
	gs := GroupStatus{Topic: g.Topic, Group: g.Group}

	off, err := s.broker.Offset(ctx, g.Topic, g.Group)
	if err != nil {
		gs.Error = err.Error()
		return gs
	}
	gs.Offset = off

	lag, err := broker.Lag(ctx, s.broker, g.Topic, g.Group)
	switch {
	case errors.Is(err, errors.ErrUnsupported):
	case err != nil:
		gs.Error = err.Error()
	default:
		gs.Lag = &lag
	}

	return gs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
