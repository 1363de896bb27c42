// Package persist is the reliable request/response channel: it durably
// stores a message on the backend even when the push channel is down.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"heartline/internal/domain"
	"heartline/internal/metrics"
)

// Error reports a persist request that did not result in a stored
// message. It is surfaced to the UI layer attached to the specific
// message record, never thrown globally.
type Error struct {
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("persist: %v", e.Cause)
	}
	return fmt.Sprintf("persist: HTTP %d", e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Cause }

// Client implements domain.Persister against the backend's REST API.
type Client struct {
	base   string
	self   string
	http   *http.Client
	logger *slog.Logger
}

// Config configures the persist client.
type Config struct {
	BaseURL  string // e.g. http://localhost:8080
	Identity string // local identity id, sent as X-User-ID
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewClient creates a persist client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:   cfg.BaseURL,
		self:   cfg.Identity,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}
}

type persistBody struct {
	Content    string `json:"content"`
	ReceiverID string `json:"receiverId"`
}

// Persist stores one message for the given conversation and returns the
// created record. The request is idempotent: the message's localId rides
// along as X-Idempotency-Key, so transparent retries cannot duplicate.
func (c *Client) Persist(ctx context.Context, req domain.PersistRequest) (*domain.PersistedMessage, error) {
	payload, err := json.Marshal(persistBody{Content: req.Content, ReceiverID: req.ReceiverID})
	if err != nil {
		return nil, &Error{Cause: err}
	}

	url := fmt.Sprintf("%s/conversations/%s/messages", c.base, req.ConversationID)
	build := func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-User-ID", c.self)
		if req.IdempotencyKey != "" {
			r.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
		}
		return r, nil
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, c.http, build, c.logger)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &Error{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("persist rejected", "status", resp.StatusCode, "body", string(body))
		return nil, &Error{StatusCode: resp.StatusCode}
	}

	var rec domain.PersistedMessage
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, &Error{Cause: fmt.Errorf("decode response: %w", err)}
	}
	if rec.ID == "" {
		return nil, &Error{Cause: fmt.Errorf("response missing message id")}
	}
	return &rec, nil
}
