package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/gatekeeper/internal/event"
)

// SSEEvent is one frame of the /event stream. Type is taken from the
// payload envelope, not the SSE event name.
type SSEEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SSEClient provides SSE client utilities for testing
type SSEClient struct {
	BaseURL    string
	HTTPClient *http.Client

	mu       sync.Mutex
	events   []SSEEvent
	eventsCh chan SSEEvent
	errCh    chan error
	cancel   context.CancelFunc
	body     io.ReadCloser
}

// NewSSEClient creates a new SSE test client
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		eventsCh:   make(chan SSEEvent, 256),
		errCh:      make(chan error, 1),
	}
}

// Connect opens /event and reads frames in the background.
func (c *SSEClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/event", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return fmt.Errorf("unexpected content type: %s", ct)
	}

	c.body = resp.Body
	go c.readEvents(resp.Body)
	return nil
}

func (c *SSEClient) readEvents(body io.Reader) {
	defer func() {
		close(c.eventsCh)
		close(c.errCh)
	}()

	reader := bufio.NewReader(body)
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && err != context.Canceled {
				c.errCh <- err
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt SSEEvent
			if err := json.Unmarshal([]byte(data.String()), &evt); err == nil {
				c.record(evt)
			}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			c.record(SSEEvent{Type: "heartbeat"})
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (c *SSEClient) record(evt SSEEvent) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	select {
	case c.eventsCh <- evt:
	default:
	}
}

// WaitForEvent waits for an event of the given type.
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	return c.WaitFor(func(evt SSEEvent) bool { return evt.Type == eventType }, timeout)
}

// WaitFor waits for the first event accepted by match.
func (c *SSEClient) WaitFor(match func(SSEEvent) bool, timeout time.Duration) (*SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.eventsCh:
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			if match(evt) {
				return &evt, nil
			}
		case err := <-c.errCh:
			if err == nil {
				return nil, fmt.Errorf("connection closed")
			}
			return nil, err
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event")
		}
	}
}

// GetAllEvents returns all received events
func (c *SSEClient) GetAllEvents() []SSEEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SSEEvent(nil), c.events...)
}

// CountEventType counts events of a specific type
func (c *SSEClient) CountEventType(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, evt := range c.events {
		if evt.Type == eventType {
			count++
		}
	}
	return count
}

// Close closes the SSE connection
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.body != nil {
		c.body.Close()
	}
}

// Ticket decodes a ticket.created or ticket.updated payload.
func (evt *SSEEvent) Ticket() (*event.TicketData, error) {
	var d event.TicketData
	if err := json.Unmarshal(evt.Data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Session decodes a session.* payload.
func (evt *SSEEvent) Session() (*event.SessionData, error) {
	var d event.SessionData
	if err := json.Unmarshal(evt.Data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
