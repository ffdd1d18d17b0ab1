package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencode-ai/gatekeeper/internal/server"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// APIClient talks to the dashboard API.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient creates a new dashboard client
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Error decodes an API error body.
func (r *Response) Error() server.ErrorResponse {
	var e server.ErrorResponse
	_ = json.Unmarshal(r.Body, &e)
	return e
}

// Get performs HTTP GET request
func (c *APIClient) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs HTTP POST request with a JSON body
func (c *APIClient) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *APIClient) do(ctx context.Context, method, path string, body any) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func (c *APIClient) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	resp, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, resp.String())
	}
	return resp.JSON(v)
}

// ---- Dashboard Helpers ----

// Dashboard fetches the combined snapshot.
func (c *APIClient) Dashboard(ctx context.Context) (*server.Dashboard, error) {
	var d server.Dashboard
	if err := c.getJSON(ctx, "/api/dashboard", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Stats fetches proxy counters.
func (c *APIClient) Stats(ctx context.Context) (*types.Stats, error) {
	var s types.Stats
	if err := c.getJSON(ctx, "/api/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Sessions lists live sessions.
func (c *APIClient) Sessions(ctx context.Context) ([]types.SessionInfo, error) {
	var out []types.SessionInfo
	if err := c.getJSON(ctx, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Tickets lists pending tickets.
func (c *APIClient) Tickets(ctx context.Context) ([]types.Ticket, error) {
	var out []types.Ticket
	if err := c.getJSON(ctx, "/api/tickets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ticket fetches one ticket.
func (c *APIClient) Ticket(ctx context.Context, id string) (*types.Ticket, error) {
	var t types.Ticket
	if err := c.getJSON(ctx, "/api/tickets/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Resolve posts a decision and returns the raw response.
func (c *APIClient) Resolve(ctx context.Context, id string, approved bool) (*Response, error) {
	return c.Post(ctx, "/api/tickets/"+url.PathEscape(id)+"/approve", map[string]bool{"approved": approved})
}

// History fetches one page of closed and live sessions.
func (c *APIClient) History(ctx context.Context, page, pageSize int) (*types.Page[types.SessionInfo], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	var p types.Page[types.SessionInfo]
	if err := c.getJSON(ctx, "/api/history", q, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Terminal fetches the captured output of a session.
func (c *APIClient) Terminal(ctx context.Context, sessionID string) (*server.TerminalResponse, error) {
	var t server.TerminalResponse
	if err := c.getJSON(ctx, "/api/terminal/"+url.PathEscape(sessionID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ---- Websocket ----

// WSClient is a dashboard websocket connection.
type WSClient struct {
	conn *websocket.Conn
}

// DialWS opens the dashboard websocket.
func (c *APIClient) DialWS(ctx context.Context) (*WSClient, error) {
	u := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return &WSClient{conn: conn}, nil
}

// Send writes one message.
func (w *WSClient) Send(msg server.WSMessage) error {
	return w.conn.WriteJSON(msg)
}

// Next reads the next message within timeout.
func (w *WSClient) Next(timeout time.Duration) (*server.WSMessage, error) {
	w.conn.SetReadDeadline(time.Now().Add(timeout))
	var msg server.WSMessage
	if err := w.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// WaitFor skips messages until one of type typ arrives.
func (w *WSClient) WaitFor(typ string, timeout time.Duration) (*server.WSMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timeout waiting for %s", typ)
		}
		msg, err := w.Next(remaining)
		if err != nil {
			return nil, err
		}
		if msg.Type == typ {
			return msg, nil
		}
	}
}

// Close closes the connection.
func (w *WSClient) Close() error {
	return w.conn.Close()
}
