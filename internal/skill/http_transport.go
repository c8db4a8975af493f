package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clauseguard/engine/internal/domain"
)

// HTTPTransport talks to a remote workflow service over JSON:
// POST {base}/workflows/{workflow}/executions submits an input and
// returns an execution id; GET {base}/executions/{id} reports status.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTransport creates a transport with a bounded per-request
// timeout. The poll budget is enforced by the dispatcher, not here.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Submit implements Transport.
func (t *HTTPTransport) Submit(ctx context.Context, workflowID string, input domain.SkillInput) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}

	url := fmt.Sprintf("%s/workflows/%s/executions", t.BaseURL, workflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("submit workflow: unexpected status %d", resp.StatusCode)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.ExecutionID == "" {
		return "", fmt.Errorf("submit response has no execution id")
	}
	return sr.ExecutionID, nil
}

// Poll implements Transport.
func (t *HTTPTransport) Poll(ctx context.Context, executionID string) (*RemoteStatus, error) {
	url := fmt.Sprintf("%s/executions/%s", t.BaseURL, executionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll execution: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll execution: unexpected status %d", resp.StatusCode)
	}

	var status RemoteStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &status, nil
}
