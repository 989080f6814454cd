package reliability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HeaderReplayRecord names the DLQ record a replayed task came from.
const HeaderReplayRecord = "x-reliability-dlq-record"

const maxExecutorResponseBytes = 1 << 20

// HTTPExecutor POSTs tasks as JSON to a task-execution endpoint. Any 2xx is
// success; the decoded JSON body (or nil for an empty one) is the result.
type HTTPExecutor struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPExecutor returns an executor for url. A nil client uses
// http.DefaultClient; a positive timeout bounds each call.
func NewHTTPExecutor(url string, timeout time.Duration, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{url: url, timeout: timeout, client: client}
}

// Execute has the Executor signature.
func (e *HTTPExecutor) Execute(ctx context.Context, task Task) (any, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if task.RecordID != "" {
		req.Header.Set(HeaderReplayRecord, task.RecordID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxExecutorResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// the status code stays in the message so retry.IsTransient can see it
		return nil, fmt.Errorf("task endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal task result: %w", err)
	}
	return out, nil
}
