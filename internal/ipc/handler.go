// Package ipc provides the HTTP API for the clause review engine.
package ipc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/clauseguard/engine/internal/domain"
	"github.com/clauseguard/engine/internal/review"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Orchestrator *review.Orchestrator
}

// CreateReviewRequest is the body for POST /api/v1/review.
// Documents maps role to raw text; the primary document is required.
type CreateReviewRequest struct {
	SessionID string            `json:"session_id"`
	Documents map[string]string `json:"documents"`
}

// DecideRequest is the body for a single-diff decision.
type DecideRequest struct {
	Decision     string `json:"decision"`
	Feedback     string `json:"feedback"`
	OverrideText string `json:"override_text"`
}

// DecideBatchRequest is the body for a batch decision.
type DecideBatchRequest struct {
	Decisions []review.DecideItem `json:"decisions"`
}

// DraftResponse is the response for GET /api/v1/review/{sessionID}/draft.
type DraftResponse struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateReview handles POST /api/v1/review. The session is created
// and its run loop started in one call.
func (h *Handler) CreateReview(w http.ResponseWriter, r *http.Request) {
	var req CreateReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	docs := make(map[domain.DocumentRole]string, len(req.Documents))
	for role, text := range req.Documents {
		docs[domain.DocumentRole(role)] = text
	}

	state, err := h.Orchestrator.Create(r.Context(), review.CreateRequest{
		SessionID: req.SessionID,
		Documents: docs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Orchestrator.Start(r.Context(), state.SessionID); err != nil {
		writeError(w, err)
		return
	}

	state, err = h.Orchestrator.Status(r.Context(), state.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

// GetReview handles GET /api/v1/review/{sessionID}.
func (h *Handler) GetReview(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	state, err := h.Orchestrator.Status(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ResumeReview handles POST /api/v1/review/{sessionID}/resume.
func (h *Handler) ResumeReview(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if err := h.Orchestrator.Resume(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelReview handles POST /api/v1/review/{sessionID}/cancel.
func (h *Handler) CancelReview(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if err := h.Orchestrator.Cancel(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListDiffs handles GET /api/v1/review/{sessionID}/diffs?state=pending.
func (h *Handler) ListDiffs(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var diffs []domain.Diff
	var err error
	if state := r.URL.Query().Get("state"); state == string(domain.DiffPending) {
		diffs, err = h.Orchestrator.PendingDiffs(r.Context(), sessionID)
	} else {
		diffs, err = h.Orchestrator.Diffs(r.Context(), sessionID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if diffs == nil {
		diffs = []domain.Diff{}
	}
	writeJSON(w, http.StatusOK, diffs)
}

// Decide handles POST /api/v1/review/{sessionID}/diffs/{diffID}/decide.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	diffID := r.PathValue("diffID")
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Decision == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "decision is required"})
		return
	}

	newState, err := h.Orchestrator.Decide(r.Context(), review.DecideItem{
		DiffID:       diffID,
		Decision:     review.Decision(req.Decision),
		Feedback:     req.Feedback,
		OverrideText: req.OverrideText,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, review.DecideResult{DiffID: diffID, NewState: newState})
}

// DecideBatch handles POST /api/v1/review/{sessionID}/diffs/decide.
// Each decision succeeds or fails on its own.
func (h *Handler) DecideBatch(w http.ResponseWriter, r *http.Request) {
	var req DecideBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if len(req.Decisions) == 0 {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "decisions is required"})
		return
	}
	results := h.Orchestrator.DecideBatch(r.Context(), req.Decisions)
	writeJSON(w, http.StatusOK, results)
}

// Revert handles POST /api/v1/review/{sessionID}/diffs/{diffID}/revert.
func (h *Handler) Revert(w http.ResponseWriter, r *http.Request) {
	diffID := r.PathValue("diffID")
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if err := h.Orchestrator.RevertDiff(r.Context(), diffID, req.Feedback); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSummary handles GET /api/v1/review/{sessionID}/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	summary, err := h.Orchestrator.Summary(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetDraft handles GET /api/v1/review/{sessionID}/draft.
func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	text, err := h.Orchestrator.Draft(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DraftResponse{SessionID: sessionID, Text: text})
}

// ListEvents handles GET /api/v1/review/{sessionID}/events?since_seq=N.
// The response is always the delta past since_seq, never full state.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.Orchestrator.Events(r.Context(), sessionID, sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.StreamEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamEvents handles GET /api/v1/review/{sessionID}/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial batch of events.
	events, err := h.Orchestrator.Events(r.Context(), sessionID, sinceSeq)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	lastSeq := sinceSeq
	for _, ev := range events {
		writeSSEEvent(w, flusher, ev)
		lastSeq = ev.SeqNo
	}

	// Poll for new events; heartbeat keeps idle connections alive.
	ctx := r.Context()
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, "event: %s\ndata: {}\n\n", domain.EventHeartbeat)
			flusher.Flush()
		case <-poll.C:
			newEvents, err := h.Orchestrator.Events(ctx, sessionID, lastSeq)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, ev)
				lastSeq = ev.SeqNo
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if engErr, ok := err.(*domain.EngineError); ok {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrSessionNotFound.Code, domain.ErrDiffNotFound.Code,
			domain.ErrCheckpointMissing.Code, domain.ErrClauseNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateSession.Code, domain.ErrDuplicateDiff.Code,
			domain.ErrSessionRunning.Code:
			status = http.StatusConflict
		case domain.ErrEmptyDocument.Code, domain.ErrBadPattern.Code,
			domain.ErrConfigInvalid.Code:
			status = http.StatusBadRequest
		case domain.ErrInvalidTransition.Code, domain.ErrSessionTerminal.Code,
			domain.ErrNotInterrupted.Code, domain.ErrApprovalsIncomplete.Code,
			domain.ErrDiffNotPending.Code, domain.ErrDiffNotApplied.Code:
			status = http.StatusUnprocessableEntity
		default:
			if engErr.Retryable() {
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

// writeSSEEvent frames one feed event: the data line is the kind's
// payload JSON, and the id line carries the sequence number so a
// client can resume with ?since_seq=.
func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.StreamEvent) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SeqNo, ev.Kind, ev.PayloadJSON)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
