package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/kbchat/internal/chat"
	"github.com/raphaelgruber/kbchat/internal/models"
)

// Realtime protocol event names. Client sends init_session and message;
// everything else flows server to client.
const (
	evInitSession        = "init_session"
	evSessionInitialized = "session_initialized"
	evSessionsUpdated    = "sessions_updated"
	evMessage            = "message"
	evMessageStream      = "message_stream"
	evMessageDone        = "message_done"
	evTitleUpdated       = "session_title_updated"
	evError              = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same-origin enforced by the deployment proxy
	},
}

// envelope is the wire frame: an event name plus its JSON payload.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type initSessionPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

type messagePayload struct {
	Text string `json:"text"`
}

// wsConn is one websocket client. Reads are sequential by construction
// (one read loop); writes are serialized by mu because turn output and
// side-task notifications can race.
type wsConn struct {
	sock *websocket.Conn
	mu   sync.Mutex

	userID    string
	sessionID uuid.UUID
}

func (c *wsConn) send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteJSON(envelope{Type: event, Payload: raw})
}

func (c *wsConn) sendError(reason string) {
	_ = c.send(evError, map[string]string{"reason": reason})
}

// wsEmitter adapts a connection to the orchestrator's output interface.
type wsEmitter struct {
	conn *wsConn
}

func (e *wsEmitter) Delta(text string) error {
	return e.conn.send(evMessageStream, map[string]string{"delta": text})
}

func (e *wsEmitter) Done() error {
	return e.conn.send(evMessageDone, struct{}{})
}

func (e *wsEmitter) Message(text string) error {
	return e.conn.send(evMessage, map[string]string{"text": text})
}

func (e *wsEmitter) TitleUpdated(sessionID uuid.UUID, title string) {
	_ = e.conn.send(evTitleUpdated, map[string]string{
		"sessionId": sessionID.String(),
		"title":     title,
	})
}

// handleWS upgrades the connection and runs its event loop. One turn at a
// time per connection: the loop does not read the next frame until the
// current turn finishes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer sock.Close()

	conn := &wsConn{sock: sock}
	logger := s.logger.With("remote", sock.RemoteAddr().String())
	logger.Debug("websocket connected")

	// Turns keep running to completion if the client drops mid-stream so
	// accumulated assistant text still persists.
	ctx := context.WithoutCancel(r.Context())

	for {
		var env envelope
		if err := sock.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "error", err)
			} else {
				logger.Debug("websocket disconnected")
			}
			return
		}

		switch env.Type {
		case evInitSession:
			s.handleInitSession(ctx, conn, env.Payload)
		case evMessage:
			s.handleTurn(ctx, conn, env.Payload, logger)
		default:
			conn.sendError("unknown event: " + env.Type)
		}
	}
}

func (s *Server) handleInitSession(ctx context.Context, conn *wsConn, payload json.RawMessage) {
	var req initSessionPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.UserID == "" {
		conn.sendError("Failed to initialize session")
		return
	}
	conn.userID = req.UserID

	action := "session_resumed"
	if req.SessionID != "" {
		sessionID, err := uuid.Parse(req.SessionID)
		if err != nil {
			conn.sendError("Failed to initialize session")
			return
		}
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			conn.sendError("Failed to initialize session")
			return
		}
		conn.sessionID = sessionID
	} else {
		session, err := s.store.CreateSession(ctx, req.UserID, models.DefaultSessionTitle)
		if err != nil {
			conn.sendError("Failed to initialize session")
			return
		}
		conn.sessionID = session.ID
		action = "session_created"
	}

	_ = conn.send(evSessionInitialized, map[string]string{
		"sessionId": conn.sessionID.String(),
	})
	_ = conn.send(evSessionsUpdated, map[string]string{
		"userId":    conn.userID,
		"action":    action,
		"sessionId": conn.sessionID.String(),
	})
}

func (s *Server) handleTurn(ctx context.Context, conn *wsConn, payload json.RawMessage, logger *slog.Logger) {
	if conn.sessionID == uuid.Nil || conn.userID == "" {
		conn.sendError("Session not initialized")
		return
	}

	var req messagePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Text == "" {
		conn.sendError("message text is required")
		return
	}

	turn := chat.Turn{SessionID: conn.sessionID, UserID: conn.userID, Text: req.Text}
	if err := s.turns.Run(ctx, turn, &wsEmitter{conn: conn}); err != nil {
		logger.Error("turn failed", "session_id", conn.sessionID, "error", err)
		conn.sendError("Error occurred")
	}
}
