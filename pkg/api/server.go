package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opsentry/opsentry/pkg/approval"
	"github.com/opsentry/opsentry/pkg/contracts"
	"github.com/opsentry/opsentry/pkg/lock"
	"github.com/opsentry/opsentry/pkg/orchestrator"
)

// ResourceLocker serializes actions on the same resource. lock.RedisLock
// implements it; tests substitute fakes.
type ResourceLocker interface {
	Acquire(ctx context.Context, resourceID string) (token string, ok bool, err error)
	Release(ctx context.Context, resourceID, token string) error
}

// Server exposes the pipeline over HTTP: submit, status, cancel, and
// the approval callback that responders' buttons land on.
type Server struct {
	orch      *orchestrator.Orchestrator
	approvals *approval.Coordinator
	signer    *approval.CallbackSigner
	limiter   *RateLimiter
	locks     ResourceLocker
	logger    *slog.Logger
}

// NewServer wires the HTTP surface. signer may be nil to accept
// unsigned callbacks (development only).
func NewServer(orch *orchestrator.Orchestrator, approvals *approval.Coordinator, signer *approval.CallbackSigner, limiter *RateLimiter) *Server {
	return &Server{
		orch:      orch,
		approvals: approvals,
		signer:    signer,
		limiter:   limiter,
		logger:    slog.Default().With("component", "api"),
	}
}

// WithResourceLocks enables per-resource serialization: while a lock is
// held, submissions targeting the same resource are rejected with 409
// rather than queued. The lock is released when the action reaches a
// terminal state; the TTL is only a backstop against process crashes.
func (s *Server) WithResourceLocks(locks ResourceLocker) *Server {
	s.locks = locks
	return s
}

// Routes returns the handler tree with rate limiting applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions", s.handleSubmit)
	mux.HandleFunc("GET /v1/actions", s.handleList)
	mux.HandleFunc("GET /v1/actions/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/actions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/approvals/callback", s.handleApprovalCallback)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

type submitResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var action contracts.Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	release := func() {}
	if s.locks != nil && action.Resource != "" {
		token, ok, err := s.locks.Acquire(r.Context(), action.Resource)
		if err != nil {
			s.logger.Error("resource lock acquire failed", "resource", action.Resource, "error", err)
			WriteInternal(w, err)
			return
		}
		if !ok {
			WriteConflict(w, "another action currently holds this resource")
			return
		}
		resource := action.Resource
		release = func() {
			// Detached context: the lock must be freed even when the
			// submitting request is long gone.
			if err := s.locks.Release(context.Background(), resource, token); err != nil && !errors.Is(err, lock.ErrNotHeld) {
				s.logger.Warn("resource lock release failed", "resource", resource, "error", err)
			}
		}
	}

	id, err := s.orch.Submit(r.Context(), action)
	switch {
	case errors.Is(err, contracts.ErrInvalidAction):
		release()
		WriteBadRequest(w, err.Error())
		return
	case errors.Is(err, contracts.ErrDuplicateAction):
		release()
		WriteConflict(w, err.Error())
		return
	case err != nil:
		release()
		s.logger.Error("submit failed", "error", err)
		WriteInternal(w, err)
		return
	}

	// The lock lives as long as the action: freed at the terminal state.
	go func() {
		<-s.orch.Done(id)
		release()
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitResponse{ID: id, State: string(contracts.StateSubmitted)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.GetStatus(r.Context(), r.PathValue("id"))
	if errors.Is(err, contracts.ErrRecordNotFound) {
		WriteNotFound(w, "no such action")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.orch.List(r.Context(), 50)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.GetStatus(r.Context(), id); errors.Is(err, contracts.ErrRecordNotFound) {
		WriteNotFound(w, "no such action")
		return
	}

	cancelled := s.orch.Cancel(r.Context(), id)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

type callbackBody struct {
	Reason string `json:"reason"`
}

// handleApprovalCallback lands responder decisions. The token binds the
// link to one action and one responder; a stolen link cannot answer for
// anything else.
func (s *Server) handleApprovalCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actionID := q.Get("action_id")
	responderID := q.Get("responder_id")
	decision := q.Get("decision")
	if actionID == "" || responderID == "" || (decision != "approve" && decision != "deny") {
		WriteBadRequest(w, "action_id, responder_id and decision=approve|deny are required")
		return
	}

	if s.signer != nil {
		if err := s.signer.Verify(q.Get("token"), actionID, responderID); err != nil {
			WriteUnauthorized(w, "invalid or expired callback token")
			return
		}
	}

	var body callbackBody
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	if err := s.approvals.Respond(actionID, responderID, decision == "approve", body.Reason); err != nil {
		WriteNotFound(w, "no pending approval for this action")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
}
