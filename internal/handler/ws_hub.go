package handler

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Connection-level event types. Experiment progress events are defined by
// the service package.
const (
	EventConnected  = "connected"
	EventSubscribed = "subscribed"
	EventError      = "error"
)

// WSEvent is the envelope for all WebSocket messages.
type WSEvent struct {
	Type         string `json:"type"`
	ExperimentID string `json:"experiment_id"`
	Data         any    `json:"data"`
}

// ClientMessage is the envelope for messages sent from the client.
type ClientMessage struct {
	Action       string `json:"action"` // "subscribe" or "unsubscribe"
	ExperimentID string `json:"experiment_id"`
}

// WSConn wraps a WebSocket connection with its user and subscriptions.
type WSConn struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub manages WebSocket connections and per-experiment subscriptions.
type Hub struct {
	mu          sync.RWMutex
	connections map[*WSConn]bool
	experiments map[string]map[*WSConn]bool // experimentID -> set of connections
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*WSConn]bool),
		experiments: make(map[string]map[*WSConn]bool),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *WSConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c] = true
}

// Unregister removes a connection from the hub and all its subscriptions.
func (h *Hub) Unregister(c *WSConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connections[c] {
		return
	}
	delete(h.connections, c)
	for experimentID, conns := range h.experiments {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.experiments, experimentID)
		}
	}
	close(c.send)
}

// Subscribe adds a connection to an experiment channel.
func (h *Hub) Subscribe(c *WSConn, experimentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.experiments[experimentID] == nil {
		h.experiments[experimentID] = make(map[*WSConn]bool)
	}
	h.experiments[experimentID][c] = true
}

// Unsubscribe removes a connection from an experiment channel.
func (h *Hub) Unsubscribe(c *WSConn, experimentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.experiments[experimentID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.experiments, experimentID)
		}
	}
}

// BroadcastToExperiment sends an event to all connections subscribed to an experiment.
func (h *Hub) BroadcastToExperiment(experimentID string, event WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("experimentId", experimentID).Msg("Failed to marshal WebSocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.experiments[experimentID] {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("userId", c.userID).Str("experimentId", experimentID).Msg("Dropping WebSocket message, buffer full")
		}
	}
}

// BroadcastToUser sends an event to a specific user across all their connections.
func (h *Hub) BroadcastToUser(userID string, event WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("Failed to marshal WebSocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.connections {
		if c.userID == userID {
			select {
			case c.send <- data:
			default:
			}
		}
	}
}

// sendTo queues an event for a single connection.
func (h *Hub) sendTo(c *WSConn, event WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.connections[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ConnectionCount returns the total number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ExperimentSubscriberCount returns the number of connections subscribed to an experiment.
func (h *Hub) ExperimentSubscriberCount(experimentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.experiments[experimentID])
}
