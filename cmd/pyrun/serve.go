package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pyrun/broker"
	"github.com/caffeineduck/pyrun/consumer"
	"github.com/caffeineduck/pyrun/internal/config"
	"github.com/caffeineduck/pyrun/loader"
	"github.com/caffeineduck/pyrun/sink"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for code execution",
		Long: `Start an HTTP server that provides REST endpoints for code execution.
The runtime loads in the background; requests wait for it.

Every request and console runs in the same interpreter, so variables and
imports defined by one are visible to all of them. A console keeps only its
own output history. A run that times out restarts the interpreter and drops
that shared state. Request timeouts are clamped to [1s, session.timeout], and
a client disconnect does not stop a run that already started.

Endpoints:
  POST   /execute                Execute code once
  POST   /sessions               Create console, returns {"session_id":"..."}
  POST   /sessions/{id}/exec     Execute in console (own output history)
  GET    /sessions/{id}/output   Console output, ?since=N for new chunks
  POST   /sessions/{id}/clear    Clear console output
  DELETE /sessions/{id}          Close console
  GET    /status                 Runtime state
  GET    /health                 Health check`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Address to listen on (default from config, :8080)")
	return cmd
}

const (
	reapInterval    = time.Minute
	shutdownTimeout = 10 * time.Second

	// Bounds for per-request run timeouts. The upper bound is the configured
	// session timeout, or defaultRunTimeout when that is unset.
	minRunTimeout     = time.Second
	defaultRunTimeout = 30 * time.Second
)

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.Flags().Changed("addr") {
		a.cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
	}

	srv := newServer(a.loader, a.cfg, a.logger)
	httpSrv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           srv.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.loader.Start(logSink(a.logger))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		srv.sessions.run(ctx, reapInterval)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("pyrun server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.sessions.closeAll()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// logSink turns the loader's status line into a log record.
func logSink(logger *slog.Logger) sink.Sink {
	return sink.Funcs{
		OnStdout: func(text string) { logger.Info(strings.TrimSpace(text)) },
		OnStderr: func(text string) { logger.Warn(strings.TrimSpace(text)) },
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

var errTooManySessions = errors.New("too many sessions")

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.Mutex
	ttl      time.Duration
	max      int
}

type serverSession struct {
	console  *consumer.Console
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration, maxSessions int) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		max:      maxSessions,
	}
}

func (sm *sessionManager) create(console *consumer.Console) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.max > 0 && len(sm.sessions) >= sm.max {
		return "", errTooManySessions
	}
	id := generateSessionID()
	sm.sessions[id] = &serverSession{console: console, lastUsed: time.Now()}
	return id, nil
}

func (sm *sessionManager) get(id string) (*consumer.Console, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.console, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	if ok {
		ss.console.Unmount()
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	return ok
}

func (sm *sessionManager) len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// reap closes sessions idle for longer than the TTL and returns how many
// were closed.
func (sm *sessionManager) reap(now time.Time) int {
	if sm.ttl <= 0 {
		return 0
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	n := 0
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl && !ss.console.Busy() {
			ss.console.Unmount()
			delete(sm.sessions, id)
			n++
		}
	}
	return n
}

func (sm *sessionManager) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sm.reap(now)
		}
	}
}

func (sm *sessionManager) closeAll() {
	sm.mu.Lock()
	for id, ss := range sm.sessions {
		ss.console.Unmount()
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
}

func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// =============================================================================
// HTTP
// =============================================================================

type server struct {
	loader      *loader.Loader
	logger      *slog.Logger
	sessions    *sessionManager
	maxCodeSize int64
	runTimeout  time.Duration
	readyWait   time.Duration
}

func newServer(l *loader.Loader, cfg config.Config, logger *slog.Logger) *server {
	return &server{
		loader:      l,
		logger:      logger,
		sessions:    newSessionManager(cfg.Server.SessionTTL, cfg.Server.MaxSessions),
		maxCodeSize: cfg.Server.MaxCodeSize,
		runTimeout:  cfg.Session.Timeout,
		readyWait:   cfg.Loader.LoadTimeout,
	}
}

type chunkJSON struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

type executeRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
}

type executeResponse struct {
	Output     string      `json:"output"`
	Chunks     []chunkJSON `json:"chunks"`
	Route      string      `json:"route"`
	DurationMs int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type outputResponse struct {
	Output string      `json:"output"`
	Chunks []chunkJSON `json:"chunks"`
	Next   int         `json:"next"`
}

type statusResponse struct {
	State    string `json:"state"`
	Ready    bool   `json:"ready"`
	Cause    string `json:"cause,omitempty"`
	Sessions int    `json:"sessions"`
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/exec", s.handleSessionExec)
	mux.HandleFunc("GET /sessions/{id}/output", s.handleSessionOutput)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleSessionClear)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleSessionClose)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return s.logRequests(mux)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecute(w, r)
	if !ok {
		return
	}
	if !s.waitReady(r.Context()) {
		http.Error(w, consumer.ErrNotReady.Error(), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := s.runContext(r.Context(), req.Timeout)
	defer cancel()

	buf := sink.NewBuffer()
	b := broker.New(s.loader, buf, broker.WithLogger(s.logger))

	start := time.Now()
	route := b.Run(ctx, req.Code)
	writeJSON(w, http.StatusOK, runResponse(buf.Chunks(), route, time.Since(start)))
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.create(consumer.NewConsole(s.loader, broker.WithLogger(s.logger)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

func (s *server) handleSessionExec(w http.ResponseWriter, r *http.Request) {
	console, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	req, ok := s.decodeExecute(w, r)
	if !ok {
		return
	}
	if !s.waitReady(r.Context()) {
		http.Error(w, consumer.ErrNotReady.Error(), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := s.runContext(r.Context(), req.Timeout)
	defer cancel()

	mark := console.Len()
	start := time.Now()
	route, err := console.Run(ctx, req.Code)
	switch {
	case errors.Is(err, consumer.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, consumer.ErrUnmounted):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, runResponse(console.Since(mark), route, time.Since(start)))
}

func (s *server) handleSessionOutput(w http.ResponseWriter, r *http.Request) {
	console, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}

	chunks := console.Since(since)
	// After a clear the cursor moves back to the new end.
	next := min(since+len(chunks), console.Len())
	writeJSON(w, http.StatusOK, outputResponse{
		Output: joinChunks(chunks),
		Chunks: toJSON(chunks),
		Next:   next,
	})
}

func (s *server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	console, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	console.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.close(r.PathValue("id")) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:    s.loader.State().String(),
		Ready:    s.loader.Ready(),
		Sessions: s.sessions.len(),
	}
	if cause := s.loader.Cause(); cause != nil {
		resp.Cause = cause.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) decodeExecute(w http.ResponseWriter, r *http.Request) (executeRequest, bool) {
	var req executeRequest
	body := io.Reader(r.Body)
	if s.maxCodeSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxCodeSize)
	}
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return req, false
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return req, false
	}
	if req.Code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// waitReady blocks until the loader is terminal, the request ends or
// readyWait passes.
func (s *server) waitReady(ctx context.Context) bool {
	if s.loader.Ready() {
		return true
	}
	if s.readyWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.readyWait)
		defer cancel()
	}
	select {
	case <-s.loader.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

// runContext bounds a run by runDeadline. It is detached from the request so
// a client hanging up cannot cancel a run mid-flight and take down the
// interpreter every console shares.
func (s *server) runContext(ctx context.Context, timeout string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.runDeadline(timeout))
}

// runDeadline returns the run timeout for a request. An unparsable or
// non-positive value falls back to the server limit.
func (s *server) runDeadline(timeout string) time.Duration {
	limit := s.runTimeout
	if limit <= 0 {
		limit = defaultRunTimeout
	}
	if timeout == "" {
		return limit
	}
	d, err := time.ParseDuration(timeout)
	if err != nil || d <= 0 {
		return limit
	}
	return min(max(d, minRunTimeout), max(limit, minRunTimeout))
}

func runResponse(chunks []sink.Chunk, route broker.Route, d time.Duration) executeResponse {
	resp := executeResponse{
		Output:     joinChunks(chunks),
		Chunks:     toJSON(chunks),
		Route:      route.String(),
		DurationMs: d.Milliseconds(),
	}
	if route == broker.RouteFailed {
		resp.Error = strings.TrimSpace(textOf(chunks, sink.Stderr))
	}
	return resp
}

func joinChunks(chunks []sink.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func textOf(chunks []sink.Chunk, stream sink.Stream) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Stream == stream {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func toJSON(chunks []sink.Chunk) []chunkJSON {
	out := make([]chunkJSON, len(chunks))
	for i, c := range chunks {
		out[i] = chunkJSON{Stream: c.Stream.String(), Text: c.Text}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
