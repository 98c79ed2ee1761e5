package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/myclinic/clinic/internal/domain/notification"
	"github.com/myclinic/clinic/internal/platform/auth"
	"github.com/myclinic/clinic/internal/platform/metrics"
	"github.com/myclinic/clinic/internal/platform/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
	commandTimeout = 10 * time.Second

	authSubprotocol = "access_token"
)

// Inbox is the persistence side of the commands a client can send.
type Inbox interface {
	UnreadCount(ctx context.Context, tenantID, userID string) (int64, error)
	MarkRead(ctx context.Context, tenantID, userID, notificationID string) error
	MarkAllRead(ctx context.Context, tenantID, userID string) (int64, error)
}

// Publisher sends envelopes to every instance through the relay.
type Publisher interface {
	PublishData(ctx context.Context, typ relay.EnvelopeType, tenantID, userID string, data any) error
}

type GatewayConfig struct {
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
}

// Gateway accepts notification WebSocket connections and bridges them with
// the relay.
type Gateway struct {
	hub      *Hub
	registry *Registry
	verifier *auth.Verifier
	relay    Publisher
	inbox    Inbox
	logger   zerolog.Logger
	upgrader gorillawebsocket.Upgrader
}

func NewGateway(hub *Hub, registry *Registry, verifier *auth.Verifier, pub Publisher, inbox Inbox,
	cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		hub:      hub,
		registry: registry,
		verifier: verifier,
		relay:    pub,
		inbox:    inbox,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
	g.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{authSubprotocol},
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

// SetInbox wires the persistence side after construction; the notification
// service needs the gateway as its notifier and the gateway needs the service
// as its inbox.
func (g *Gateway) SetInbox(inbox Inbox) { g.inbox = inbox }

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (g *Gateway) RegisterRoutes(e *echo.Group) {
	e.GET("/ws/notifications", g.HandleConnect)
}

// HandleConnect authenticates the handshake, upgrades it, joins the caller's
// user and tenant rooms and pushes the current unread count. A missing or
// invalid token is rejected with 401 before any upgrade happens.
func (g *Gateway) HandleConnect(c echo.Context) error {
	claims, err := g.verifier.Verify(auth.TokenFromRequest(c.Request()))
	if err != nil {
		metrics.WSConnectionsRejected.Inc()
		g.logger.Debug().Err(err).Str("remote_ip", c.RealIP()).Msg("rejecting websocket handshake")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing access token")
	}
	id := claims.Identity()

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := &Client{
		ID:       uuid.NewString(),
		TenantID: id.TenantID,
		UserID:   id.UserID,
		Rooms:    []string{UserRoom(id.TenantID, id.UserID), TenantRoom(id.TenantID)},
		Send:     make(chan []byte, sendBuffer),
	}
	g.hub.Register(client)
	g.registry.Add(client.TenantID, client.UserID, client.ID)
	metrics.WSConnections.Inc()

	g.logger.Info().Str("client_id", client.ID).Str("tenant_id", client.TenantID).
		Str("user_id", client.UserID).Msg("websocket connected")

	go g.writePump(client, ws)
	g.pushUnreadCount(client)
	go g.readPump(client, ws)

	return nil
}

func (g *Gateway) pushUnreadCount(client *Client) {
	if g.inbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	count, err := g.inbox.UnreadCount(ctx, client.TenantID, client.UserID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", client.UserID).Msg("initial unread count failed")
		return
	}
	b, err := encodeFrame(EventNotificationCount, "", relay.CountData{Count: count})
	if err == nil {
		client.enqueue(b)
	}
}

func (g *Gateway) disconnect(client *Client) {
	g.hub.Unregister(client)
	g.registry.Remove(client.TenantID, client.UserID, client.ID)
	metrics.WSConnections.Dec()
	g.logger.Info().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("websocket disconnected")
}

// readPump reads commands from the connection and answers each with an ack.
func (g *Gateway) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		g.disconnect(client)
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				g.logger.Debug().Err(err).Str("client_id", client.ID).Msg("unexpected websocket close")
			}
			return
		}

		id, ack := g.handleCommand(client, message)
		b, err := encodeFrame(EventAck, id, ack)
		if err != nil {
			continue
		}
		if !client.enqueue(b) {
			g.logger.Warn().Str("client_id", client.ID).Msg("ack dropped, client buffer full")
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (g *Gateway) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type markReadRequest struct {
	NotificationID string `json:"notificationId"`
}

func (g *Gateway) handleCommand(client *Client, raw []byte) (string, Ack) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", Ack{Error: "malformed frame"}
	}
	if g.inbox == nil {
		return f.ID, Ack{Error: "notifications unavailable"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch f.Event {
	case EventMarkRead:
		var req markReadRequest
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &req); err != nil {
				return f.ID, Ack{Error: "malformed data"}
			}
		}
		if req.NotificationID == "" {
			return f.ID, Ack{Error: "notificationId is required"}
		}
		if err := g.inbox.MarkRead(ctx, client.TenantID, client.UserID, req.NotificationID); err != nil {
			if errors.Is(err, notification.ErrNotFound) {
				return f.ID, Ack{Error: "notification not found"}
			}
			g.logger.Error().Err(err).Str("user_id", client.UserID).Msg("mark read failed")
			return f.ID, Ack{Error: "failed to mark notification as read"}
		}
		return f.ID, Ack{Success: true}

	case EventMarkAllRead:
		if _, err := g.inbox.MarkAllRead(ctx, client.TenantID, client.UserID); err != nil {
			g.logger.Error().Err(err).Str("user_id", client.UserID).Msg("mark all read failed")
			return f.ID, Ack{Error: "failed to mark notifications as read"}
		}
		return f.ID, Ack{Success: true}

	default:
		return f.ID, Ack{Error: "unknown event " + f.Event}
	}
}

// ---------------------------------------------------------------------------
// Relay bridge
// ---------------------------------------------------------------------------

// RelayHandler emits received envelopes to this instance's connections.
func (g *Gateway) RelayHandler() relay.Handler {
	return func(_ context.Context, env relay.Envelope) error {
		var event string
		switch env.Type {
		case relay.TypeNewNotification:
			event = EventNotificationNew
		case relay.TypeCountUpdate:
			event = EventNotificationCount
		case relay.TypeMarkRead:
			event = EventNotificationRead
		default:
			return errors.New("unhandled envelope type " + string(env.Type))
		}
		if !g.registry.IsOnline(env.TenantID, env.UserID) {
			return nil
		}
		g.hub.EmitToUser(env.TenantID, env.UserID, Frame{Event: event, Data: env.Data})
		return nil
	}
}

// Deliver publishes a freshly stored notification to its recipient.
func (g *Gateway) Deliver(ctx context.Context, n *notification.Notification) error {
	return g.relay.PublishData(ctx, relay.TypeNewNotification, n.TenantID, n.UserID, n)
}

func (g *Gateway) PublishCount(ctx context.Context, tenantID, userID string, count int64) error {
	return g.relay.PublishData(ctx, relay.TypeCountUpdate, tenantID, userID, relay.CountData{Count: count})
}

// PublishRead announces that one notification, or all when notificationID is
// empty, was marked read.
func (g *Gateway) PublishRead(ctx context.Context, tenantID, userID, notificationID string) error {
	return g.relay.PublishData(ctx, relay.TypeMarkRead, tenantID, userID,
		relay.MarkReadData{NotificationID: notificationID, All: notificationID == ""})
}
