// Package submit delivers finished session payloads to the evaluation
// backend.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/bosley/interlog/session"
)

// Config configures an HTTPSubmitter.
type Config struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	RetryMax int
	Logger   *slog.Logger
}

// HTTPSubmitter POSTs payloads as JSON, retrying transient failures.
type HTTPSubmitter struct {
	url    string
	apiKey string
	client *retryablehttp.Client
}

// NewHTTPSubmitter creates a submitter for cfg.URL.
func NewHTTPSubmitter(cfg Config) *HTTPSubmitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = cfg.Logger.With("component", "submit")

	return &HTTPSubmitter{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: client,
	}
}

// Submit implements session.Submitter.
func (h *HTTPSubmitter) Submit(ctx context.Context, p session.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("evaluation backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// LogSubmitter logs payloads instead of sending them. Used when no backend
// URL is configured.
type LogSubmitter struct {
	Logger *slog.Logger
}

// NewLogSubmitter returns a LogSubmitter. A nil logger selects the default.
func NewLogSubmitter(logger *slog.Logger) *LogSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSubmitter{Logger: logger}
}

// Submit implements session.Submitter.
func (l *LogSubmitter) Submit(ctx context.Context, p session.Payload) error {
	sessionID := ""
	if p.SessionID != nil {
		sessionID = *p.SessionID
	}
	l.Logger.InfoContext(ctx, "Session payload ready",
		"sessionID", sessionID,
		"segments", len(p.CategorySegments),
		"messages", len(p.FullTranscript))
	return nil
}
