// Package classifier is the HTTP client for the remote classification
// service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dtnitsch/pagewarden/models"
)

var (
	// ErrUnauthorized means the credential is missing or was rejected (401/403).
	ErrUnauthorized = errors.New("classifier rejected credential")
	// ErrPaymentRequired means the account has no active subscription (402).
	ErrPaymentRequired = errors.New("subscription required")
)

// StatusError is a non-2xx response that is neither an auth nor a payment failure.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("classifier returned status %d", e.Code)
	}
	return fmt.Sprintf("classifier returned status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// TokenSource supplies the bearer credential.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	Endpoint   string
	Timeout    time.Duration
	Retries    int
	BaseDelay  time.Duration
	HTTPClient *http.Client
}

// Client talks to POST {endpoint}/api/check and POST {endpoint}/api/log.
type Client struct {
	endpoint  string
	client    *http.Client
	tokens    TokenSource
	timeout   time.Duration
	retries   int
	baseDelay time.Duration
	logger    *slog.Logger
}

const maxErrorBody = 512

// New creates a Client. Zero options fall back to the defaults in
// models.DefaultConfig.
func New(opts Options, tokens TokenSource, logger *slog.Logger) *Client {
	defaults := models.DefaultConfig()
	if opts.Endpoint == "" {
		opts.Endpoint = defaults.Endpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.RequestTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.RetryBaseDelay
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoint:  strings.TrimRight(opts.Endpoint, "/"),
		client:    opts.HTTPClient,
		tokens:    tokens,
		timeout:   opts.Timeout,
		retries:   opts.Retries,
		baseDelay: opts.BaseDelay,
		logger:    logger,
	}
}

// Check asks the service for a decision on obs. Each attempt is bounded by
// the request timeout; network errors, timeouts, 429 and 5xx are retried
// with exponential backoff. Auth and payment failures return at once.
func (c *Client) Check(ctx context.Context, obs models.PageObservation) (models.ClassifierResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return models.ClassifierResponse{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	body, err := json.Marshal(obs)
	if err != nil {
		return models.ClassifierResponse{}, fmt.Errorf("failed to encode observation: %w", err)
	}

	attempt := 0
	op := func() (models.ClassifierResponse, error) {
		attempt++
		resp, err := c.checkOnce(ctx, token, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return resp, backoff.Permanent(ctx.Err())
		}
		var se *StatusError
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrPaymentRequired) ||
			(errors.As(err, &se) && !se.Retryable()) || errors.Is(err, errMalformed) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Classifier check failed, retrying", "url", obs.URL, "attempt", attempt, "wait", wait, "error", err)
	}

	resp, err := backoff.RetryNotifyWithData(op, c.newBackOff(ctx), notify)
	if err != nil {
		return models.ClassifierResponse{}, fmt.Errorf("failed to check %s after %d attempt(s): %w", obs.URL, attempt, err)
	}
	return resp, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx)
}

var errMalformed = errors.New("malformed classifier response")

type wireResponse struct {
	Decision     string `json:"decision"`
	Reason       string `json:"reason"`
	Title        string `json:"title"`
	ActivePrompt string `json:"activePrompt"`
	CacheVersion int64  `json:"cacheVersion"`
}

func (c *Client) checkOnce(ctx context.Context, token string, body []byte) (models.ClassifierResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, "/api/check", token, body)
	if err != nil {
		return models.ClassifierResponse{}, err
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return models.ClassifierResponse{}, err
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return models.ClassifierResponse{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	return models.ClassifierResponse{
		Decision:     models.ParseDecision(wire.Decision),
		Reason:       wire.Reason,
		Title:        wire.Title,
		ActivePrompt: wire.ActivePrompt,
		CacheVersion: wire.CacheVersion,
	}, nil
}

// LogEvent uploads one activity entry. It is best effort: a single attempt,
// failures are logged at debug level and otherwise ignored.
func (c *Client) LogEvent(ctx context.Context, entry models.ActivityLogEntry) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Debug("Skipping log upload without credential", "error", err)
		return
	}
	body, err := json.Marshal(entry)
	if err != nil {
		c.logger.Debug("Failed to encode log entry", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, "/api/log", token, body)
	if err != nil {
		c.logger.Debug("Failed to upload log entry", "id", entry.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		c.logger.Debug("Log upload rejected", "id", entry.ID, "error", err)
	}
	io.Copy(io.Discard, resp.Body)
}

func (c *Client) post(ctx context.Context, path, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrPaymentRequired
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
