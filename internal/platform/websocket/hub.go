// Package websocket implements the notification gateway: authenticated
// WebSocket connections grouped into per-user and per-tenant rooms, fed by the
// cross-instance relay.
package websocket

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Frame is the wire format in both directions. Inbound commands carry an ID
// that the matching ack echoes back.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the data of an "ack" frame.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

const (
	EventAck               = "ack"
	EventNotificationNew   = "notification:new"
	EventNotificationCount = "notification:count"
	EventNotificationRead  = "notification:read"
	EventMarkRead          = "notification:markRead"
	EventMarkAllRead       = "notification:markAllRead"
)

func UserRoom(tenantID, userID string) string { return "user:" + tenantID + ":" + userID }

func TenantRoom(tenantID string) string { return "tenant:" + tenantID }

// Client is one WebSocket connection.
type Client struct {
	ID       string
	TenantID string
	UserID   string
	Rooms    []string
	Send     chan []byte
}

func (c *Client) enqueue(b []byte) bool {
	select {
	case c.Send <- b:
		return true
	default:
		return false
	}
}

// Hub tracks which local clients belong to which rooms. All operations are
// thread-safe via sync.RWMutex.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	all    map[*Client]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger,
	}
}

// Register adds a client to the hub and to each of its rooms.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, room := range client.Rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]struct{})
		}
		h.rooms[room][client] = struct{}{}
	}
}

// Unregister removes a client from every room and closes its Send channel.
// Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, room := range client.Rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Emit sends frame to every client in room and returns how many accepted it.
// A client whose buffer is full misses the frame.
func (h *Hub) Emit(room string, frame Frame) int {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("event", frame.Event).Msg("marshal frame")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.rooms[room] {
		if client.enqueue(data) {
			sent++
		} else {
			h.logger.Warn().Str("client_id", client.ID).Str("event", frame.Event).
				Msg("client buffer full, frame dropped")
		}
	}
	return sent
}

func (h *Hub) EmitToUser(tenantID, userID string, frame Frame) int {
	return h.Emit(UserRoom(tenantID, userID), frame)
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func encodeFrame(event, id string, data any) ([]byte, error) {
	f := Frame{Event: event, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}
