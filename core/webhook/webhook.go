// Package webhook delivers best-effort completion notifications. Failures
// are reported to the caller for logging but must never change a request's
// terminal status.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Config selects a notification destination. Per-request configs override
// the process-wide fallback.
type Config struct {
	URL         string                 `json:"url"`
	ExtraParams map[string]interface{} `json:"extra_params,omitempty"`
	Timeout     int                    `json:"timeout,omitempty"` // seconds
}

// Valid reports whether the webhook URL is well formed.
func (c *Config) Valid() bool {
	if c == nil {
		return false
	}
	parsed, err := url.Parse(c.URL)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}

// Notifier posts JSON payloads with bounded retries.
type Notifier struct {
	client *retryablehttp.Client
}

// NewNotifier constructs a Notifier with the given total request timeout in
// seconds (defaults to 30).
func NewNotifier(timeoutSeconds int) *Notifier {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = time.Duration(timeoutSeconds) * time.Second
	client.Logger = log.New(io.Discard, "", 0)
	return &Notifier{client: client}
}

// Notify posts the payload to dest. Non-2xx responses are returned as errors
// so the caller can log them.
func (n *Notifier) Notify(ctx context.Context, dest string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode, bytes.TrimSpace(text))
	}
	return nil
}
