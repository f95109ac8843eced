package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/freeeve/bandit-arena/internal/auth"
	"github.com/freeeve/bandit-arena/internal/middleware"
	"github.com/freeeve/bandit-arena/internal/model"
	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second // Must be less than pongWait
	maxMsgSize  = 4096
	sendBufSize = 256
)

const subscribeTimeout = 5 * time.Second

// Client actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// ExperimentLookup resolves an experiment on behalf of a user, failing when
// the user may not see it. Satisfied by *service.ExperimentService.
type ExperimentLookup interface {
	Get(ctx context.Context, id, userID string) (*model.Experiment, error)
}

// WSHandler handles WebSocket connections.
type WSHandler struct {
	hub         *Hub
	jwtMgr      *auth.JWTManager
	experiments ExperimentLookup
	upgrader    websocket.Upgrader
}

// NewWSHandler creates a WSHandler. allowedOrigins is the CORS setting: "*"
// or a comma-separated list of origins permitted to open a socket.
func NewWSHandler(hub *Hub, jwtMgr *auth.JWTManager, experiments ExperimentLookup, allowedOrigins string) *WSHandler {
	return &WSHandler{
		hub:         hub,
		jwtMgr:      jwtMgr,
		experiments: experiments,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

// ServeWS handles GET /api/v1/ws and upgrades to WebSocket.
// Auth via ?token= query parameter (WebSocket can't send headers).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, `{"error":"missing token parameter"}`, http.StatusUnauthorized)
		return
	}

	claims, err := h.jwtMgr.ValidateKind(tokenStr, auth.KindAccess)
	if err != nil {
		http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSConn{
		conn:   conn,
		userID: claims.UserID,
		send:   make(chan []byte, sendBufSize),
	}
	h.hub.Register(client)

	// Send a welcome message so the client can confirm the connection is live.
	welcome, _ := json.Marshal(WSEvent{Type: EventConnected, Data: map[string]any{}})
	client.send <- welcome

	go h.writePump(client)
	go h.readPump(client)

	log.Info().Str("userId", claims.UserID).Int("total", h.hub.ConnectionCount()).Msg("WebSocket client connected")
}

// readPump reads messages from the WebSocket connection.
func (h *WSHandler) readPump(c *WSConn) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
		log.Info().Str("userId", c.userID).Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("userId", c.userID).Msg("WebSocket unexpected close")
			}
			break
		}

		h.handleMessage(c, message)
	}
}

// handleMessage applies one client message. Malformed messages and unknown
// actions are answered with an error event; the connection stays open.
func (h *WSHandler) handleMessage(c *WSConn, message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		h.hub.sendTo(c, WSEvent{Type: EventError, Data: map[string]string{"error": "malformed message"}})
		return
	}
	if msg.ExperimentID == "" {
		h.hub.sendTo(c, WSEvent{Type: EventError, Data: map[string]string{"error": "experiment_id is required"}})
		return
	}

	switch msg.Action {
	case actionSubscribe:
		h.subscribe(c, msg.ExperimentID)
	case actionUnsubscribe:
		h.hub.Unsubscribe(c, msg.ExperimentID)
	default:
		h.hub.sendTo(c, WSEvent{
			Type:         EventError,
			ExperimentID: msg.ExperimentID,
			Data:         map[string]string{"error": "unknown action " + msg.Action},
		})
	}
}

// subscribe joins c to an experiment channel the user owns and replies with
// the experiment's current state, so a client that subscribes after the run
// finished still sees the outcome.
func (h *WSHandler) subscribe(c *WSConn, experimentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	exp, err := h.experiments.Get(ctx, experimentID, c.userID)
	if err != nil {
		log.Debug().Err(err).Str("userId", c.userID).Str("experimentId", experimentID).Msg("WebSocket subscribe rejected")
		h.hub.sendTo(c, WSEvent{
			Type:         EventError,
			ExperimentID: experimentID,
			Data:         map[string]string{"error": err.Error()},
		})
		return
	}
	h.hub.Subscribe(c, experimentID)
	h.hub.sendTo(c, WSEvent{Type: EventSubscribed, ExperimentID: experimentID, Data: exp})
}

// writePump writes messages to the WebSocket connection.
func (h *WSHandler) writePump(c *WSConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued messages into the same write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
