// Package comfy is the HTTP/WebSocket client for the ComfyUI generation
// backend. It covers exactly what the pipeline needs: workflow submission,
// history lookup, interrupt, and the per-client event stream.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zeng407/comfyui/core/infra/logging"
)

// Endpoints holds the backend URLs, normally derived from the base URL by
// the config package.
type Endpoints struct {
	PromptURL    string
	HistoryURL   string
	InterruptURL string
	WebsocketURL string
}

// Client talks to a single ComfyUI instance.
type Client struct {
	endpoints Endpoints
	http      *http.Client
}

const (
	submitTimeout    = 30 * time.Second
	historyTimeout   = 30 * time.Second
	interruptTimeout = 5 * time.Second
)

func NewClient(endpoints Endpoints) *Client {
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{},
	}
}

// Submit posts a workflow and returns the backend's job handle (prompt id).
// A non-2xx response or a body reporting node errors is a submission failure
// carrying the backend's own error text.
func (c *Client) Submit(ctx context.Context, workflow map[string]interface{}, clientID string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    workflow,
		"client_id": clientID,
	})
	if err != nil {
		return "", fmt.Errorf("encode workflow: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.endpoints.PromptURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post workflow: %w", err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("backend error (status %d): %s", resp.StatusCode, bytes.TrimSpace(text))
	}

	var decoded struct {
		PromptID   string          `json:"prompt_id"`
		NodeErrors json.RawMessage `json:"node_errors"`
		Error      json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(text, &decoded); err != nil {
		return "", fmt.Errorf("invalid submit response: %w", err)
	}
	switch {
	case decoded.PromptID != "":
		return decoded.PromptID, nil
	case len(decoded.NodeErrors) > 0 && string(decoded.NodeErrors) != "{}" && string(decoded.NodeErrors) != "null":
		return "", fmt.Errorf("backend node errors: %s", decoded.NodeErrors)
	case len(decoded.Error) > 0 && string(decoded.Error) != "null":
		return "", fmt.Errorf("backend error: %s", decoded.Error)
	default:
		return "", fmt.Errorf("unexpected submit response: %s", bytes.TrimSpace(text))
	}
}

// History returns the history entry for one prompt id. An empty map means
// the backend has no record of the job yet.
func (c *Client) History(ctx context.Context, promptID string) (map[string]interface{}, error) {
	return c.fetchHistory(ctx, c.endpoints.HistoryURL+"/"+promptID)
}

// HistoryAll returns the backend's full history, keyed by prompt id.
func (c *Client) HistoryAll(ctx context.Context) (map[string]interface{}, error) {
	return c.fetchHistory(ctx, c.endpoints.HistoryURL)
}

func (c *Client) fetchHistory(ctx context.Context, url string) (map[string]interface{}, error) {
	cctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history request failed (status %d): %s", resp.StatusCode, bytes.TrimSpace(text))
	}
	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return data, nil
}

// Interrupt asks the backend to cancel a running job. Best effort: callers
// log failures and move on.
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	if c.endpoints.InterruptURL == "" {
		return fmt.Errorf("interrupt endpoint not configured")
	}
	body, _ := json.Marshal(map[string]string{"prompt_id": promptID})

	cctx, cancel := context.WithTimeout(ctx, interruptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.endpoints.InterruptURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("interrupt request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("interrupt failed (status %d): %s", resp.StatusCode, bytes.TrimSpace(text))
	}
	logging.Debug("comfy", "interrupted backend job", "prompt_id", promptID)
	return nil
}
