package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clauseguard/engine/internal/docparse"
	"github.com/clauseguard/engine/internal/domain"
	"github.com/clauseguard/engine/internal/ledger"
	"github.com/clauseguard/engine/internal/review"
	"github.com/clauseguard/engine/internal/skill"
	"github.com/clauseguard/engine/internal/store"
	"github.com/clauseguard/engine/internal/stream"
)

const testDoc = `1 Alpha
First clause body.
2 Beta
Second clause body.
3 Gamma
Third clause body.`

// newTestHandler wires an engine with one local skill that proposes a
// replace on clause 2.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry := skill.NewRegistry(skill.Config{}, nil, nil)
	proposer := func(ctx context.Context, input domain.SkillInput) (domain.SkillOutput, error) {
		if input.ClauseID != "2" {
			return domain.SkillOutput{}, nil
		}
		return domain.SkillOutput{Mutations: []domain.ProposedMutation{{
			Kind:     domain.MutationReplace,
			Params:   domain.MutationParams{NewText: "2 Rewritten\nBetter wording."},
			Reason:   "tighten wording",
			Severity: "high",
		}}}, nil
	}
	if err := registry.Register(domain.SkillRegistration{ID: "proposer", Backend: domain.BackendLocal}, proposer, nil); err != nil {
		t.Fatal(err)
	}
	registry.Freeze()

	checklist, err := review.NewChecklist([]domain.ChecklistItem{
		{ClausePattern: ".*", Priority: 1, Skills: []string{"proposer"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	orch := review.NewOrchestrator(
		store.NewSessionRepo(db),
		store.NewDocRepo(db),
		ledger.New(store.NewDiffRepo(db)),
		registry,
		stream.NewPublisher(store.NewEventRepo(db)),
		review.NewSessions(time.Hour),
		checklist,
		review.GatePolicy{},
		docparse.Options{},
		nil,
	)
	return &Handler{Orchestrator: orch}
}

func createSession(t *testing.T, h *Handler, sessionID string) {
	t.Helper()
	body, _ := json.Marshal(CreateReviewRequest{
		SessionID: sessionID,
		Documents: map[string]string{"primary": testDoc},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/review", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.CreateReview(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func waitInterrupted(t *testing.T, h *Handler, sessionID string) *domain.SessionState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := h.Orchestrator.Status(context.Background(), sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if state.Status == domain.StatusInterrupted {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never interrupted")
	return nil
}

func TestCreateReview_Success(t *testing.T) {
	h := newTestHandler(t)
	createSession(t, h, "s1")
}

func TestCreateReview_InvalidBody(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/review", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	h.CreateReview(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateReview_MissingPrimary(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/review", bytes.NewBufferString(`{"session_id":"s1"}`))
	w := httptest.NewRecorder()

	h.CreateReview(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetReview_NotFound(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/review/nonexistent", nil)
	req.SetPathValue("sessionID", "nonexistent")
	w := httptest.NewRecorder()

	h.GetReview(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDecideAndResume(t *testing.T) {
	h := newTestHandler(t)
	createSession(t, h, "s1")
	state := waitInterrupted(t, h, "s1")
	diffID := state.GatePending[0]

	// Resume before deciding: 422.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/review/s1/resume", nil)
	req.SetPathValue("sessionID", "s1")
	w := httptest.NewRecorder()
	h.ResumeReview(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("resume before approval: expected 422, got %d: %s", w.Code, w.Body.String())
	}

	// Approve the gated diff.
	body := `{"decision":"approve","feedback":"looks right"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/review/s1/diffs/"+diffID+"/decide", bytes.NewBufferString(body))
	req.SetPathValue("sessionID", "s1")
	req.SetPathValue("diffID", diffID)
	w = httptest.NewRecorder()
	h.Decide(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("decide: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res review.DecideResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.NewState != domain.DiffApplied {
		t.Errorf("new state = %s, want applied", res.NewState)
	}

	// Deciding twice: 422.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/review/s1/diffs/"+diffID+"/decide", bytes.NewBufferString(body))
	req.SetPathValue("sessionID", "s1")
	req.SetPathValue("diffID", diffID)
	w = httptest.NewRecorder()
	h.Decide(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("double decide: expected 422, got %d", w.Code)
	}

	// Resume now succeeds.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/review/s1/resume", nil)
	req.SetPathValue("sessionID", "s1")
	w = httptest.NewRecorder()
	h.ResumeReview(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("resume: expected 204, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListDiffsFilterPending(t *testing.T) {
	h := newTestHandler(t)
	createSession(t, h, "s1")
	waitInterrupted(t, h, "s1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/review/s1/diffs?state=pending", nil)
	req.SetPathValue("sessionID", "s1")
	w := httptest.NewRecorder()

	h.ListDiffs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var diffs []domain.Diff
	json.NewDecoder(w.Body).Decode(&diffs)
	if len(diffs) != 1 || diffs[0].State != domain.DiffPending {
		t.Errorf("pending diffs = %+v", diffs)
	}
}

func TestBatchDecide(t *testing.T) {
	h := newTestHandler(t)
	createSession(t, h, "s1")
	state := waitInterrupted(t, h, "s1")

	body, _ := json.Marshal(DecideBatchRequest{Decisions: []review.DecideItem{
		{DiffID: state.GatePending[0], Decision: review.DecisionReject, Feedback: "keep original"},
		{DiffID: "ghost", Decision: review.DecisionApprove},
	}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/review/s1/diffs/decide", bytes.NewReader(body))
	req.SetPathValue("sessionID", "s1")
	w := httptest.NewRecorder()

	h.DecideBatch(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var results []review.DecideResult
	json.NewDecoder(w.Body).Decode(&results)
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Err != "" || results[0].NewState != domain.DiffRejected {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].Err == "" {
		t.Error("second result should fail independently")
	}
}

func TestListEventsSinceSeq(t *testing.T) {
	h := newTestHandler(t)
	createSession(t, h, "s1")
	waitInterrupted(t, h, "s1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/review/s1/events", nil)
	req.SetPathValue("sessionID", "s1")
	w := httptest.NewRecorder()
	h.ListEvents(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var all []domain.StreamEvent
	json.NewDecoder(w.Body).Decode(&all)
	if len(all) < 3 {
		t.Fatalf("expected progress + diff_proposed + approval_required, got %d", len(all))
	}

	// Cursor past the first event returns only the delta.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/review/s1/events?since_seq=1", nil)
	req.SetPathValue("sessionID", "s1")
	w = httptest.NewRecorder()
	h.ListEvents(w, req)
	var delta []domain.StreamEvent
	json.NewDecoder(w.Body).Decode(&delta)
	if len(delta) != len(all)-1 {
		t.Errorf("delta = %d events, want %d", len(delta), len(all)-1)
	}
}

func TestStreamEvents_SSEFraming(t *testing.T) {
	h := newTestHandler(t)
	createSession(t, h, "s1")
	waitInterrupted(t, h, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/review/s1/events/stream", nil).WithContext(ctx)
	req.SetPathValue("sessionID", "s1")
	w := httptest.NewRecorder()

	h.StreamEvents(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: progress\n") {
		t.Errorf("missing progress frame: %q", body)
	}
	if !strings.Contains(body, "id: ") {
		t.Error("frames should carry an id line with the sequence number")
	}
	if !strings.Contains(body, "\n\n") {
		t.Error("frames must be blank-line terminated")
	}

	// The data line is the kind's payload JSON, not the feed envelope.
	const marker = "event: diff_proposed\ndata: "
	i := strings.Index(body, marker)
	if i < 0 {
		t.Fatalf("missing diff_proposed frame: %q", body)
	}
	data := body[i+len(marker):]
	if j := strings.Index(data, "\n"); j >= 0 {
		data = data[:j]
	}
	var payload domain.DiffProposedPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("diff_proposed data is not the payload JSON: %v (%q)", err, data)
	}
	if payload.DiffID == "" || payload.ClauseID != "2" || payload.Severity != "high" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestGetDraft(t *testing.T) {
	h := newTestHandler(t)
	createSession(t, h, "s1")
	state := waitInterrupted(t, h, "s1")

	// Approve, then the draft shows the rewritten clause.
	body := `{"decision":"approve"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/review/s1/diffs/"+state.GatePending[0]+"/decide", bytes.NewBufferString(body))
	req.SetPathValue("diffID", state.GatePending[0])
	w := httptest.NewRecorder()
	h.Decide(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("decide: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/review/s1/draft", nil)
	req.SetPathValue("sessionID", "s1")
	w = httptest.NewRecorder()
	h.GetDraft(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("draft: %d", w.Code)
	}
	var draft DraftResponse
	json.NewDecoder(w.Body).Decode(&draft)
	if !strings.Contains(draft.Text, "Better wording.") {
		t.Errorf("draft missing applied text: %q", draft.Text)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *domain.EngineError
		want int
	}{
		{"session not found", domain.ErrSessionNotFound, http.StatusNotFound},
		{"duplicate session", domain.ErrDuplicateSession, http.StatusConflict},
		{"not interrupted", domain.ErrNotInterrupted, http.StatusUnprocessableEntity},
		{"diff not pending", domain.ErrDiffNotPending, http.StatusUnprocessableEntity},
		{"empty document", domain.ErrEmptyDocument, http.StatusBadRequest},
		{"checkpoint failed", domain.ErrCheckpointFailed, http.StatusServiceUnavailable},
		{"skill execution", domain.ErrSkillExecution, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var apiErr APIError
			json.NewDecoder(w.Body).Decode(&apiErr)
			if apiErr.Code != tt.err.Code {
				t.Errorf("body code = %d, want %d", apiErr.Code, tt.err.Code)
			}
		})
	}
}

func TestCORSHeaders(t *testing.T) {
	h := newTestHandler(t)
	srv := NewServer(h, ":0")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/review/s1", nil)
	w := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin *")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", w.Code)
	}
}
