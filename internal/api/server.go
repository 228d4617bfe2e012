// Package api exposes the user actions and external-event ingestion of the
// orchestrator over HTTP.
//
//	GET  /health
//	GET  /tasks/{id}
//	POST /tasks/{id}/action          {"action": "pause" | "resume"}
//	POST /tasks/{id}/answer          {"request_id": "...", "answer": "..."}
//	POST /tasks/{id}/events/{name}   raw JSON payload (webhook)
//	POST /subtasks/{id}/approve
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/overhuman/longform/internal/observability"
	"github.com/overhuman/longform/internal/orchestrator"
	"github.com/overhuman/longform/internal/storage"
	"github.com/overhuman/longform/internal/task"
)

// maxEventBody caps webhook payloads.
const maxEventBody = 1 << 20

// Triggers are the orchestrator operations the API drives.
type Triggers interface {
	Get(ctx context.Context, taskID string) (*task.Task, error)
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	AnswerClarification(ctx context.Context, taskID, requestID, answer string) error
	ExternalEvent(ctx context.Context, taskID, name string, payload json.RawMessage) error
	ApproveSubtask(ctx context.Context, childID string) error
}

// Server is the HTTP front of the daemon.
type Server struct {
	addr    string
	ops     Triggers
	log     *observability.Logger
	started time.Time

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a server listening on addr, e.g. "127.0.0.1:9090".
func NewServer(addr string, ops Triggers, log *observability.Logger) *Server {
	if log == nil {
		log = observability.Discard()
	}
	return &Server{addr: addr, ops: ops, log: log.Component("api"), started: time.Now()}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("POST /tasks/{id}/action", s.handleAction)
	mux.HandleFunc("POST /tasks/{id}/answer", s.handleAnswer)
	mux.HandleFunc("POST /tasks/{id}/events/{name}", s.handleEvent)
	mux.HandleFunc("POST /subtasks/{id}/approve", s.handleApprove)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("api: listen: %w", err)
	}
	s.listener = ln
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.ops.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type actionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := r.PathValue("id")
	var err error
	switch req.Action {
	case "pause":
		err = s.ops.Pause(r.Context(), id)
	case "resume":
		err = s.ops.Resume(r.Context(), id)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "ok", "action": req.Action})
}

type answerRequest struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := r.PathValue("id")
	if err := s.ops.AnswerClarification(r.Context(), id, req.RequestID, req.Answer); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "answered"})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(body) > maxEventBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	id, name := r.PathValue("id"), r.PathValue("name")
	if err := s.ops.ExternalEvent(r.Context(), id, name, body); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Debug("event accepted", "task_id", id, "event", name, "source", r.Header.Get("X-Webhook-Source"))
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "event": name, "status": "accepted"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ops.ApproveSubtask(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sub_task_id": id, "status": "approved"})
}

// statusOf maps orchestrator errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, orchestrator.ErrStepNotFound):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
