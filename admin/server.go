package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/id"
	"github.com/inimical023/callflow/stream"
	"github.com/inimical023/callflow/workflow"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	dlqRetention = 30 * 24 * time.Hour
)

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator sets the token authenticator.
func WithAuthenticator(a Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithAddr sets the listen address used by Start.
func WithAddr(addr string) Option { return func(s *Server) { s.addr = addr } }

// Server serves the admin HTTP API.
type Server struct {
	svc    *Service
	broker *stream.Broker
	auth   Authenticator
	logger *slog.Logger
	addr   string

	httpSrv *http.Server
	watches *watchSet
}

// NewServer creates a Server. broker may be nil, in which case /v1/watch
// is not registered.
func NewServer(svc *Service, broker *stream.Broker, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		broker:  broker,
		auth:    NoopAuthenticator{},
		logger:  slog.Default(),
		addr:    ":8080",
		watches: newWatchSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /v1/workflows", requireScope(s.auth, ScopeWorkflowRead, s.listWorkflows))
	mux.HandleFunc("GET /v1/workflows/{correlationId}", requireScope(s.auth, ScopeWorkflowRead, s.getWorkflow))
	mux.HandleFunc("POST /v1/workflows/{correlationId}/retry", requireScope(s.auth, ScopeWorkflowWrite, s.retryWorkflow))
	mux.HandleFunc("POST /v1/workflows/{correlationId}/cancel", requireScope(s.auth, ScopeWorkflowWrite, s.cancelWorkflow))
	mux.HandleFunc("GET /v1/stats", requireScope(s.auth, ScopeWorkflowRead, s.stats))

	mux.HandleFunc("GET /v1/dlq", requireScope(s.auth, ScopeDLQRead, s.listDLQ))
	mux.HandleFunc("GET /v1/dlq/{entryId}", requireScope(s.auth, ScopeDLQRead, s.getDLQ))
	mux.HandleFunc("POST /v1/dlq/{entryId}/replay", requireScope(s.auth, ScopeDLQWrite, s.replayDLQ))
	mux.HandleFunc("POST /v1/dlq/purge", requireScope(s.auth, ScopeDLQWrite, s.purgeDLQ))

	if s.broker != nil {
		mux.HandleFunc("GET /v1/watch", requireScope(s.auth, ScopeWatch, s.watch))
	}
	return mux
}

// Start listens on the configured address in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.addr, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("admin server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down and closes open watch connections.
func (s *Server) Stop(ctx context.Context) error {
	s.watches.closeAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ──────────────────────────────────────────────────
// Workflows
// ──────────────────────────────────────────────────

// commandRequest is the optional body of retry and cancel.
type commandRequest struct {
	Reason string `json:"reason,omitempty"`
}

// commandResponse acknowledges a published command.
type commandResponse struct {
	CorrelationID string `json:"correlation_id"`
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	states, err := s.svc.ListWorkflows(r.Context(), workflow.ListOpts{
		Stage:         workflow.Stage(q.Get("stage")),
		CorrelationID: q.Get("correlation_id"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if states == nil {
		states = []*workflow.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetWorkflow(r.Context(), r.PathValue("correlationId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) retryWorkflow(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.svc.Retry)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.svc.Cancel)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string, string) (*envelope.Envelope, error)) {
	var req commandRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	requestedBy := ""
	if id := IdentityFrom(r.Context()); id != nil {
		requestedBy = id.Subject
	}
	env, err := fn(r.Context(), r.PathValue("correlationId"), requestedBy, req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, commandResponse{
		CorrelationID: env.CorrelationID,
		EventID:       env.EventID,
		Type:          string(env.Type),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ──────────────────────────────────────────────────
// Dead letters
// ──────────────────────────────────────────────────

// purgeResponse reports removed entries.
type purgeResponse struct {
	Purged int64 `json:"purged"`
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, err := s.svc.ListDeadLetters(r.Context(), dlq.ListOpts{
		Limit:         limit,
		Offset:        offset,
		Topic:         q.Get("topic"),
		CorrelationID: q.Get("correlation_id"),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDLQID(r.PathValue("entryId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid dead-letter id: %v", err))
		return
	}
	entry, err := s.svc.GetDeadLetter(r.Context(), entryID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) replayDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDLQID(r.PathValue("entryId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid dead-letter id: %v", err))
		return
	}
	env, err := s.svc.ReplayDeadLetter(r.Context(), entryID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, env)
}

func (s *Server) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	age := dlqRetention
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
			return
		}
		age = d
	}
	n, err := s.svc.PurgeDeadLetters(r.Context(), age)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Purged: n})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client gone
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, callflow.ErrWorkflowNotFound), errors.Is(err, callflow.ErrDLQNotFound):
		return http.StatusNotFound
	case errors.Is(err, callflow.ErrNotRetryable), errors.Is(err, callflow.ErrInvalidState):
		return http.StatusConflict
	}
	switch callflow.KindOf(err) {
	case callflow.KindValidation:
		return http.StatusBadRequest
	case callflow.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
