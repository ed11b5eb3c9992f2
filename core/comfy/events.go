package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one message from the backend's event channel. The channel is
// shared across every job submitted under the same client id, so each event
// carries the prompt id it belongs to.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event types the pipeline interprets.
const (
	EventExecutionStart  = "execution_start"
	EventExecutionCached = "execution_cached"
	EventExecuting       = "executing"
	EventProgress        = "progress"
	EventExecutionError  = "execution_error"
	EventExecuted        = "executed"
)

// ExecInfo is the decoded payload common to execution events. Node is a
// pointer because "executing" with a null node means the job finished.
type ExecInfo struct {
	PromptID string   `json:"prompt_id"`
	Node     *string  `json:"node"`
	Nodes    []string `json:"nodes"`
	Value    float64  `json:"value"`
	Max      float64  `json:"max"`
}

// Info decodes the event payload; undecodable payloads yield a zero value so
// the caller simply ignores the event.
func (e *Event) Info() ExecInfo {
	var info ExecInfo
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &info)
	}
	return info
}

// EventConn is one WebSocket connection to the backend's event channel,
// scoped by client id so concurrent jobs across workers do not cross-deliver.
// A dedicated reader goroutine owns the socket: gorilla read errors are
// permanent, so the socket is read exactly once per message with no deadline
// and silence is the caller's concern, observed as an idle Events channel.
type EventConn struct {
	ws *websocket.Conn

	events  chan *Event
	done    chan struct{}
	closing sync.Once
	err     error
}

// Connect opens the event channel for a client id and starts reading it.
func (c *Client) Connect(ctx context.Context, clientID string) (*EventConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	url := c.endpoints.WebsocketURL + "?clientId=" + clientID
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect event channel: %w", err)
	}
	conn := &EventConn{
		ws:     ws,
		events: make(chan *Event),
		done:   make(chan struct{}),
	}
	go conn.read()
	return conn, nil
}

// read pumps decoded text events into the channel until the connection fails
// or Close is called. Binary frames (preview image blobs) are skipped.
func (c *EventConn) read() {
	defer close(c.events)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// tolerate malformed frames; the stream keeps flowing
			continue
		}
		select {
		case c.events <- &ev:
		case <-c.done:
			return
		}
	}
}

// Events is the stream of decoded events. It closes when the connection
// fails or Close is called; Err reports why.
func (c *EventConn) Events() <-chan *Event {
	return c.events
}

// Err reports why the stream ended. Only meaningful once Events is closed.
func (c *EventConn) Err() error {
	return c.err
}

// Close tears down the connection and unblocks the reader.
func (c *EventConn) Close() error {
	c.closing.Do(func() { close(c.done) })
	return c.ws.Close()
}
