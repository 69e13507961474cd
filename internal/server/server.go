// Package server exposes the bridge's operational HTTP surface: health,
// Prometheus metrics, per-server status, one-shot command execution and a
// websocket event stream.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"rconbridge-go/internal/events"
	"rconbridge-go/internal/health"
	"rconbridge-go/internal/metrics"
	"rconbridge-go/internal/rcon"
	"rconbridge-go/internal/upstream"
	"rconbridge-go/internal/upstream/types"
)

const (
	statusRefreshTimeout = 5 * time.Second
	maxExecBodyBytes     = 16 * 1024
)

// Options wires the server to the rest of the bridge. Monitor and Exporter are optional.
type Options struct {
	Listen   string
	Registry *upstream.Registry
	Monitor  *health.Monitor
	Exporter *metrics.Exporter
	EventBus *events.Bus
	Logger   *zap.Logger
}

// Server is the ops HTTP server.
type Server struct {
	opts   Options
	logger *zap.Logger
	ws     *WebSocketManager

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	running    bool
	shutdown   bool
}

// New creates a server. Nothing listens until Start.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		opts:   opts,
		logger: logger.Named("http"),
	}
	if opts.EventBus != nil {
		s.ws = NewWebSocketManager(opts.EventBus, s.logger)
	}
	return s
}

// ServerStatus is one entry of /api/servers.
type ServerStatus struct {
	Tag        string               `json:"tag"`
	Name       string               `json:"name"`
	Address    string               `json:"address"`
	Connected  bool                 `json:"connected"`
	Connection types.ConnectionInfo `json:"connection"`
	Metrics    *metrics.Snapshot    `json:"metrics,omitempty"`
	History    []float64            `json:"ups_history,omitempty"`
	Health     *health.Record       `json:"health,omitempty"`
	Message    string               `json:"message,omitempty"`
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Server   string `json:"server"`
	Command  string `json:"command"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.opts.Exporter != nil {
		mux.Handle("GET /metrics", s.opts.Exporter.Handler())
	}
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("GET /api/servers/{tag}", s.handleServer)
	mux.HandleFunc("POST /api/servers/{tag}/exec", s.handleExec)
	if s.ws != nil {
		mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			s.ws.HandleWebSocket(w, r, r.URL.Query().Get("server"))
		})
	}
	return s.loggingHandler(mux)
}

func (s *Server) loggingHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status_code", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		}
		if wrapped.statusCode >= 500 {
			s.logger.Warn("Request completed with error", fields...)
			return
		}
		s.logger.Debug("Request completed", fields...)
	})
}

// responseWriter captures the status code. Hijack is forwarded for /ws.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	tags := s.opts.Registry.All()
	connected := 0
	for _, tag := range tags {
		if c := s.opts.Registry.ClientFor(tag); c != nil && c.IsConnected() {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"servers":   len(tags),
		"connected": connected,
	})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") != "" {
		ctx, cancel := context.WithTimeout(r.Context(), statusRefreshTimeout)
		defer cancel()
		s.opts.Registry.GatherAll(ctx)
	}

	tags := s.opts.Registry.All()
	out := make([]ServerStatus, 0, len(tags))
	for _, tag := range tags {
		if st, ok := s.status(tag); ok {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": out,
		"total":   len(out),
	})
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	if r.URL.Query().Get("refresh") != "" {
		if engine := s.opts.Registry.MetricsFor(tag); engine != nil {
			ctx, cancel := context.WithTimeout(r.Context(), statusRefreshTimeout)
			defer cancel()
			_, _ = engine.GatherAll(ctx)
		}
	}
	st, ok := s.status(tag)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown server %q", tag))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) status(tag string) (ServerStatus, bool) {
	client := s.opts.Registry.ClientFor(tag)
	cfg := s.opts.Registry.ConfigFor(tag)
	if client == nil || cfg == nil {
		return ServerStatus{}, false
	}

	info := client.GetConnectionInfo()
	st := ServerStatus{
		Tag:        tag,
		Name:       cfg.DisplayName(),
		Address:    net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Connected:  client.IsConnected(),
		Connection: info,
	}
	if client.StateManager.LastError() != nil {
		st.Message = rcon.Describe(client.StateManager.LastError())
	}
	if engine := s.opts.Registry.MetricsFor(tag); engine != nil {
		snap := engine.Latest()
		if !snap.SampledAt.IsZero() {
			st.Metrics = &snap
		}
		st.History = engine.History()
	}
	if s.opts.Monitor != nil {
		if rec, ok := s.opts.Monitor.Record(tag); ok {
			st.Health = &rec
		}
	}
	return st, true
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")

	var req execRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExecBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	start := time.Now()
	out, err := s.opts.Registry.Execute(r.Context(), tag, req.Command)
	resp := execResponse{
		Server:   tag,
		Command:  req.Command,
		Output:   out,
		Duration: time.Since(start).String(),
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Message = rcon.Describe(err)
		s.logger.Info("Command failed",
			zap.String("server", tag),
			zap.Error(err))
		writeJSON(w, execStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// execStatus maps the error taxonomy onto HTTP status codes.
func execStatus(err error) int {
	switch {
	case errors.Is(err, upstream.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, rcon.ErrNotConnected), errors.Is(err, rcon.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, rcon.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.shutdown {
		return errors.New("server already shut down")
	}

	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Listen, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.running = true

	s.logger.Info("Starting ops HTTP server",
		zap.String("address", ln.Addr().String()),
		zap.Strings("endpoints", []string{"/healthz", "/metrics", "/api/servers", "/ws"}))

	httpServer := s.httpServer
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, closes websocket clients and waits for
// active requests until ctx ends, then forces the listener closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	httpServer := s.httpServer
	s.mu.Unlock()

	if s.ws != nil {
		s.ws.Stop()
	}
	if httpServer == nil {
		return nil
	}

	s.logger.Info("Gracefully shutting down HTTP server")
	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server forced shutdown due to timeout", zap.Error(err))
		_ = httpServer.Close()
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
