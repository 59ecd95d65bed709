package tutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Backend is the request/response surface of the remote tutoring agent.
// Every operation is a single attempt with a bounded timeout; the caller
// decides whether to retry.
type Backend interface {
	// StartSession creates a new tutoring session from the given configuration.
	StartSession(ctx context.Context, cfg StartConfig) (*StartResult, error)

	// SubmitAnswer sends the learner's answer for the current step.
	SubmitAnswer(ctx context.Context, sessionID, text string) (*ProcessResult, error)

	// RequestContinue asks the agent to advance past the current step. The
	// resulting output may arrive via the push channel rather than here.
	RequestContinue(ctx context.Context, sessionID string) error

	// EndSession tears the session down. Best-effort: failures are logged by
	// the implementation and returned, but callers must not treat them as
	// fatal to their own cleanup.
	EndSession(ctx context.Context, sessionID string) error

	// SessionStatus fetches a diagnostic snapshot of the session.
	SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 30 * time.Second,
	}
}

// Client is the HTTP implementation of Backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the tutoring backend at baseURL.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tutor client: base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultClientConfig().RequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// StartSession creates a new tutoring session.
func (c *Client) StartSession(ctx context.Context, cfg StartConfig) (*StartResult, error) {
	var result StartResult
	if err := c.do(ctx, "start_session", http.MethodPost, "/api/session/start", cfg, &result); err != nil {
		return nil, err
	}
	if result.SessionID == "" {
		return nil, &BackendError{Op: "start_session", Message: "backend returned empty session id"}
	}
	return &result, nil
}

// SubmitAnswer sends the learner's answer for evaluation.
func (c *Client) SubmitAnswer(ctx context.Context, sessionID, text string) (*ProcessResult, error) {
	body := map[string]string{"answer": text}
	path := "/api/session/" + sessionID + "/process"
	var result ProcessResult
	if err := c.do(ctx, "submit_answer", http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RequestContinue asks the agent to advance to the next step.
func (c *Client) RequestContinue(ctx context.Context, sessionID string) error {
	path := "/api/session/" + sessionID + "/continue"
	return c.do(ctx, "request_continue", http.MethodPost, path, nil, nil)
}

// EndSession tears down the session on the backend.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	path := "/api/session/" + sessionID
	if err := c.do(ctx, "end_session", http.MethodDelete, path, nil, nil); err != nil {
		c.logger.Warn("best-effort session teardown failed", "session_id", sessionID, "error", err)
		return err
	}
	return nil
}

// SessionStatus fetches a snapshot of topic and per-topic mastery.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	path := "/api/session/" + sessionID + "/status"
	var status SessionStatus
	if err := c.do(ctx, "session_status", http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// errorBody is the backend's structured failure shape.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "op", op, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(op, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &BackendError{Op: op, Status: resp.StatusCode, Message: "malformed response body: " + err.Error()}
	}
	return nil
}

// statusError maps a non-2xx response to the error taxonomy. HTTP 404 and the
// session_not_found error code both mean the backend dropped the session.
func (c *Client) statusError(op string, resp *http.Response) error {
	var eb errorBody
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if readErr == nil {
		_ = json.Unmarshal(data, &eb)
	}

	if resp.StatusCode == http.StatusNotFound || eb.Code == "session_not_found" {
		return &SessionNotFoundError{SessionID: sessionIDFromPath(resp.Request)}
	}

	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &BackendError{Op: op, Status: resp.StatusCode, Message: msg}
}

func sessionIDFromPath(req *http.Request) string {
	if req == nil {
		return ""
	}
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	for i, p := range parts {
		if p == "session" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
