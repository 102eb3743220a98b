// Package webhook implements the outgoing HTTP client that wakes the agent
// host (spec component C9): a bounded-retry POST with exponential backoff,
// grounded on the teacher's internal/budget package's plain mutex-and-loop
// concurrency discipline rather than a third-party backoff library — the
// whole retry policy is three bounds (timeout, retry count, backoff cap)
// that don't warrant an extra dependency.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Status is what gets recorded on a TriggerHistoryEntry after a call.
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	Status4xx     Status = "4xx"
	Status5xx     Status = "5xx"
	StatusError   Status = "error" // transport failure after exhausting retries
)

// Result is what Wake and Ping return to the daemon.
type Result struct {
	OK         bool
	Status     Status
	HTTPStatus int
	SessionKey string
	Auth       string // "missing" when no token was configured
}

// Config controls endpoint composition, auth, and retry policy.
type Config struct {
	BaseURL        string // scheme+host, e.g. "https://agent.example.com"
	Token          string
	AuthHeaderName string // default "Authorization"
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffStart   time.Duration
	BackoffCap     time.Duration
}

// DefaultConfig returns spec defaults: 10s timeout, 500ms initial backoff
// capped at 5s, "Authorization" header.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:        baseURL,
		Token:          token,
		AuthHeaderName: "Authorization",
		RequestTimeout: 10 * time.Second,
		MaxRetries:     3,
		BackoffStart:   500 * time.Millisecond,
		BackoffCap:     5 * time.Second,
	}
}

// Client is the webhook dispatcher. One Client serves both the agent-turn
// and auxiliary-wake endpoints; the path alone differs, composed from the
// configured scheme+host rather than string substitution (spec §4.7).
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.AuthHeaderName == "" {
		cfg.AuthHeaderName = "Authorization"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.BackoffStart <= 0 {
		cfg.BackoffStart = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// AuthMissing reports whether no bearer token is configured. The daemon
// logs this as a startup warning (spec §4.7), not a failure.
func (c *Client) AuthMissing() bool { return c.cfg.Token == "" }

// Wake posts to /hooks/agent, the turn-trigger endpoint.
func (c *Client) Wake(ctx context.Context, message string, metadata map[string]interface{}) Result {
	return c.post(ctx, "/hooks/agent", message, metadata)
}

// Ping posts to /hooks/wake, the auxiliary-notification endpoint.
func (c *Client) Ping(ctx context.Context, message string, metadata map[string]interface{}) Result {
	return c.post(ctx, "/hooks/wake", message, metadata)
}

type requestBody struct {
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata"`
}

type responseBody struct {
	SessionKey string `json:"session_key"`
}

func (c *Client) post(ctx context.Context, path, message string, metadata map[string]interface{}) Result {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return Result{OK: false, Status: StatusError}
	}

	payload, err := json.Marshal(requestBody{Message: message, Metadata: metadata})
	if err != nil {
		return Result{OK: false, Status: StatusError}
	}

	auth := "present"
	if c.AuthMissing() {
		auth = "missing"
	}

	backoff := c.cfg.BackoffStart
	lastStatus := StatusError
	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{OK: false, Status: StatusTimeout, Auth: auth}
			case <-timer.C:
			}
			backoff *= 2
			if backoff > c.cfg.BackoffCap {
				backoff = c.cfg.BackoffCap
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return Result{OK: false, Status: StatusError, Auth: auth}
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.Token != "" {
			req.Header.Set(c.cfg.AuthHeaderName, "Bearer "+c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Result{OK: false, Status: StatusTimeout, Auth: auth}
			}
			lastStatus = StatusError
			continue // transport error: retry
		}

		body := resp.Body
		var parsed responseBody
		_ = json.NewDecoder(body).Decode(&parsed)
		body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return Result{OK: true, Status: StatusOK, HTTPStatus: resp.StatusCode, SessionKey: parsed.SessionKey, Auth: auth}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return Result{OK: false, Status: Status4xx, HTTPStatus: resp.StatusCode, Auth: auth}
		default:
			lastStatus = Status5xx
			continue // 5xx: retry
		}
	}

	return Result{OK: false, Status: lastStatus, Auth: auth}
}

func (c *Client) endpoint(path string) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("webhook: parse base url: %w", err)
	}
	base.Path = path
	return base.String(), nil
}
