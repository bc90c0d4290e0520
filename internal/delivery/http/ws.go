package http

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jamhub/listenroom/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Identity comes from the signed token, not the origin.
		return true
	},
}

// wsConn adapts a websocket connection to the fanout delivery interface.
// gorilla connections allow one concurrent writer, so sends are serialized
// under a mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(event models.RoomEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(event)
}

// ServeWS upgrades the request and keeps the connection attached to the
// room's fanout until the client goes away. Joining the room set and the
// joined/left broadcasts are tied to the connection lifetime.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	identity := IdentityFrom(r.Context())
	ctx := r.Context()

	state, err := h.roomSvc.JoinRoom(ctx, slug, identity.UserID, identity.Guest)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf(ctx, "WebSocket upgrade failed: %v", err)
		return
	}

	conn := &wsConn{conn: raw}
	if err := h.fanout.Attach(ctx, conn, slug); err != nil {
		h.logger.Errorf(ctx, "Failed to attach connection: %v", err)
		raw.Close()
		return
	}

	h.publishParticipant(slug, models.EventParticipantJoined, identity.UserID)

	// Seed the client with the current playback snapshot before any
	// broadcasts arrive.
	if err := conn.Send(models.RoomEvent{
		Type:     models.EventPlaybackUpdate,
		Data:     state.Playback,
		RoomSlug: slug,
	}); err != nil {
		h.logger.Warnf(ctx, "Failed to send initial state: %v", err)
	}

	h.logger.Infof(ctx, "WebSocket connected: room=%s user=%s", slug, identity.UserID)

	// Inbound frames are only pings and client keepalives; the read loop
	// exists to detect disconnects.
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			break
		}
	}

	h.fanout.Detach(context.Background(), conn, slug)
	raw.Close()

	// The request context is canceled once the client is gone; teardown
	// still has to reach the state store.
	bg := context.Background()
	if err := h.roomSvc.LeaveRoom(bg, slug, identity.UserID); err != nil {
		h.logger.Warnf(bg, "Failed to remove participant: %v", err)
	}

	h.publishParticipant(slug, models.EventParticipantLeft, identity.UserID)

	h.logger.Infof(bg, "WebSocket disconnected: room=%s user=%s", slug, identity.UserID)
}

// publishParticipant runs on a background context: the left event fires
// after the request context is already canceled.
func (h *Handler) publishParticipant(slug string, eventType models.EventType, userID string) {
	ctx := context.Background()

	count, err := h.roomSvc.ParticipantCount(ctx, slug)
	if err != nil {
		h.logger.Warnf(ctx, "Failed to count participants: %v", err)
	}

	if err := h.fanout.Publish(ctx, slug, eventType, models.ParticipantUpdateData{
		UserID: userID,
		Count:  count,
	}); err != nil {
		h.logger.Warnf(ctx, "Failed to broadcast participant update: %v", err)
	}
}
