package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes bounds how much content a backend response may carry.
const maxResponseBytes = 4 << 20

// Live submits tasks to an HTTP research backend.
type Live struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewLive builds a live driver against the given endpoint. An empty
// apiKey sends unauthenticated requests.
func NewLive(endpoint, apiKey string, timeout time.Duration) *Live {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Live{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type liveResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// SubmitTask posts the task and returns the backend's content.
func (l *Live) SubmitTask(ctx context.Context, task Task) (Result, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return Result{}, fmt.Errorf("driver: encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("driver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("driver: submit task: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("driver: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("driver: backend returned %d for stage %s", resp.StatusCode, task.Stage)
	}

	var out liveResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("driver: decode response: %w", err)
	}
	if out.Error != "" {
		return Result{}, fmt.Errorf("driver: backend error: %s", out.Error)
	}
	return Result{Content: []byte(out.Content)}, nil
}
