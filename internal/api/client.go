// Package api holds the outbound HTTP client for the workflow backend.
// Responses to submitted messages arrive later over the event stream, never
// in the HTTP reply, so this client only reports whether the submission
// itself was accepted.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pipewatch/internal/logging"
)

// Config configures the backend client.
type Config struct {
	// BaseURL is the backend root, e.g. http://host:8080.
	BaseURL string
	// Timeout bounds each request.
	Timeout time.Duration
}

// Client submits user messages to the workflow backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient builds a backend client.
func NewClient(cfg Config, logger logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

// MessageRequest is the submission body. Start is true only on the very
// first message of a session.
type MessageRequest struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Start     bool   `json:"start"`
	UserInput string `json:"user_input"`
}

// SubmitMessage posts one user message. A non-2xx status or transport
// failure is the only failure signal; the agent's answer comes back on the
// stream independently of this call.
func (c *Client) SubmitMessage(ctx context.Context, req MessageRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode message request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("submit message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a little of the body for the log line, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("message submission rejected: status=%d body=%s", resp.StatusCode, snippet)
		return fmt.Errorf("submit message: backend returned %d", resp.StatusCode)
	}
	return nil
}
