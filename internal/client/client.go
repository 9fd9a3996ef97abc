// Package client provides a Go client for the kbchat server: REST session
// management plus the realtime websocket turn protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/kbchat/internal/models"
)

// Client talks to a kbchat server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. If baseURL is empty, uses the KBCHAT_SERVER_URL env
// var or defaults to localhost:8470.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("KBCHAT_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8470"
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListSessions returns the user's active sessions, most recent first.
func (c *Client) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	err := c.getJSON(ctx, "/api/users/"+url.PathEscape(userID)+"/sessions", &sessions)
	return sessions, err
}

// SearchSessions searches the user's sessions by title, summary and content.
func (c *Client) SearchSessions(ctx context.Context, userID, query string) ([]models.Session, error) {
	var sessions []models.Session
	path := "/api/users/" + url.PathEscape(userID) + "/sessions/search?q=" + url.QueryEscape(query)
	err := c.getJSON(ctx, path, &sessions)
	return sessions, err
}

// CreateSession creates a session for the user. An empty title gets the
// server default.
func (c *Client) CreateSession(ctx context.Context, userID, title string) (*models.Session, error) {
	payload, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/users/"+url.PathEscape(userID)+"/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var session models.Session
	if err := c.do(req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// RenameSession sets a session's title.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string) (*models.Session, error) {
	payload, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/sessions/"+url.PathEscape(sessionID), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var session models.Session
	if err := c.do(req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Messages returns a session's messages in order.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := c.getJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", &messages)
	return messages, err
}

// envelope mirrors the server's websocket wire frame.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatConn is one realtime chat connection bound to a session.
type ChatConn struct {
	sock      *websocket.Conn
	sessionID string

	// OnTitle, when set, receives the generated session title.
	OnTitle func(title string)
}

// Dial opens the websocket endpoint.
func (c *Client) Dial(ctx context.Context) (*ChatConn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	sock, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &ChatConn{sock: sock}, nil
}

// Close closes the connection.
func (cc *ChatConn) Close() error {
	return cc.sock.Close()
}

// SessionID returns the active session id, set by InitSession.
func (cc *ChatConn) SessionID() string {
	return cc.sessionID
}

// InitSession binds the connection to a session: resumes sessionID when
// given, otherwise has the server create a new one.
func (cc *ChatConn) InitSession(userID, sessionID string) (string, error) {
	payload := map[string]string{"userId": userID}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	if err := cc.send("init_session", payload); err != nil {
		return "", err
	}

	for {
		env, err := cc.read()
		if err != nil {
			return "", err
		}
		switch env.Type {
		case "session_initialized":
			var resp struct {
				SessionID string `json:"sessionId"`
			}
			if err := json.Unmarshal(env.Payload, &resp); err != nil {
				return "", fmt.Errorf("decode session_initialized: %w", err)
			}
			cc.sessionID = resp.SessionID
			return resp.SessionID, nil
		case "error":
			return "", serverError(env.Payload)
		default:
			// sessions_updated and other broadcasts
		}
	}
}

// Send submits one user message and blocks until the turn completes.
// Streamed fragments are passed to onDelta as they arrive; the full
// assistant text is returned.
func (cc *ChatConn) Send(text string, onDelta func(string)) (string, error) {
	if err := cc.send("message", map[string]string{"text": text}); err != nil {
		return "", err
	}

	var full strings.Builder
	for {
		env, err := cc.read()
		if err != nil {
			return full.String(), err
		}
		switch env.Type {
		case "message_stream", "message":
			var resp struct {
				Delta string `json:"delta"`
				Text  string `json:"text"`
			}
			if err := json.Unmarshal(env.Payload, &resp); err != nil {
				return full.String(), fmt.Errorf("decode %s: %w", env.Type, err)
			}
			fragment := resp.Delta
			if env.Type == "message" {
				fragment = resp.Text
			}
			full.WriteString(fragment)
			if onDelta != nil {
				onDelta(fragment)
			}
		case "message_done":
			return full.String(), nil
		case "session_title_updated":
			var resp struct {
				Title string `json:"title"`
			}
			if err := json.Unmarshal(env.Payload, &resp); err == nil && cc.OnTitle != nil {
				cc.OnTitle(resp.Title)
			}
		case "error":
			return full.String(), serverError(env.Payload)
		}
	}
}

func (cc *ChatConn) send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return cc.sock.WriteJSON(envelope{Type: event, Payload: raw})
}

func (cc *ChatConn) read() (envelope, error) {
	var env envelope
	if err := cc.sock.ReadJSON(&env); err != nil {
		return env, fmt.Errorf("read event: %w", err)
	}
	return env, nil
}

func serverError(payload json.RawMessage) error {
	var resp struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Reason == "" {
		return fmt.Errorf("server error")
	}
	return fmt.Errorf("server error: %s", resp.Reason)
}
