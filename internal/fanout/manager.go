package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jamhub/listenroom/internal/models"
	"github.com/jamhub/listenroom/pkg/logger"
)

// ErrNotStarted is returned by Attach when the shared listener has not
// been started; a connection attached then would never receive bus events.
var ErrNotStarted = errors.New("fanout: manager not started")

// Conn is one locally attached client connection. Send failures mark the
// connection dead; the manager prunes it on the next broadcast to its room.
type Conn interface {
	Send(event models.RoomEvent) error
}

// Manager relays room events between the shared Redis pub/sub bus and the
// clients attached to this process. The process holds exactly one PubSub
// listener regardless of how many rooms or clients it serves: room channels
// are subscribed when the first local connection for the room attaches and
// unsubscribed when the last one detaches. The registry mutex is never held
// across a network call.
type Manager struct {
	cli          *redis.Client
	l            logger.Logger
	restartDelay time.Duration

	mu     sync.Mutex
	conns  map[string]map[Conn]struct{}
	pubsub *redis.PubSub
	closed bool
}

type Stats struct {
	Rooms            int `json:"rooms"`
	Subscriptions    int `json:"subscriptions"`
	TotalConnections int `json:"total_connections"`
}

func NewManager(cli *redis.Client, l logger.Logger) *Manager {
	return &Manager{
		cli:          cli,
		l:            l,
		restartDelay: time.Second,
		conns:        make(map[string]map[Conn]struct{}),
	}
}

// Start opens the shared PubSub connection and spawns the listener.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pubsub != nil {
		return
	}

	m.pubsub = m.cli.Subscribe(ctx)
	go m.listen(ctx, m.pubsub)

	m.l.Info(ctx, "Shared pub/sub listener started")
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.pubsub != nil {
		return m.pubsub.Close()
	}

	return nil
}

// Attach registers a local connection under a room, subscribing the shared
// listener to the room's channel if this is the first local connection.
func (m *Manager) Attach(ctx context.Context, conn Conn, slug string) error {
	m.mu.Lock()
	if m.pubsub == nil {
		m.mu.Unlock()
		return ErrNotStarted
	}
	set, ok := m.conns[slug]
	if !ok {
		set = make(map[Conn]struct{})
		m.conns[slug] = set
	}
	set[conn] = struct{}{}
	first := len(set) == 1
	pubsub := m.pubsub
	m.mu.Unlock()

	if first {
		if err := pubsub.Subscribe(ctx, channelFor(slug)); err != nil {
			m.l.Errorf(ctx, "fanout.Manager.Attach: subscribe %s: %v", slug, err)
			return err
		}
		m.l.Infof(ctx, "PubSub subscribed: %s", slug)
	}

	return nil
}

// Detach removes the connection and unsubscribes the process from the
// room's channel when no local connections remain.
func (m *Manager) Detach(ctx context.Context, conn Conn, slug string) {
	m.mu.Lock()
	last := false
	if set, ok := m.conns[slug]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(m.conns, slug)
			last = true
		}
	}
	pubsub := m.pubsub
	m.mu.Unlock()

	if last && pubsub != nil {
		if err := pubsub.Unsubscribe(ctx, channelFor(slug)); err != nil {
			m.l.Warnf(ctx, "fanout.Manager.Detach: unsubscribe %s: %v", slug, err)
			return
		}
		m.l.Infof(ctx, "PubSub unsubscribed: %s", slug)
	}
}

// Publish serializes the event and publishes it once to the shared bus.
// Every subscribed process, including this one, relays it to its own local
// connections.
func (m *Manager) Publish(ctx context.Context, slug string, eventType models.EventType, data any) error {
	event := models.RoomEvent{
		Type:     eventType,
		Data:     data,
		RoomSlug: slug,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := m.cli.Publish(ctx, channelFor(slug), payload).Err(); err != nil {
		m.l.Errorf(ctx, "fanout.Manager.Publish: %v", err)
		return err
	}

	return nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, set := range m.conns {
		total += len(set)
	}

	return Stats{
		Rooms:            len(m.conns),
		Subscriptions:    len(m.conns),
		TotalConnections: total,
	}
}

// listen is the single reader of the shared PubSub connection. On abnormal
// termination it respawns itself after a short delay; events published
// during the gap are lost, which clients recover from by refetching state.
func (m *Manager) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer func() {
		if r := recover(); r != nil {
			m.l.Errorf(ctx, "PubSub listener panicked: %v", r)
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			m.l.Info(ctx, "PubSub listener stopped")
			return
		}

		time.Sleep(m.restartDelay)
		m.restart(ctx)
	}()

	for msg := range pubsub.Channel() {
		var event models.RoomEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			m.l.Warnf(ctx, "PubSub parse error: %v", err)
			continue
		}

		m.broadcastLocal(ctx, event.RoomSlug, event)
	}
}

// restart re-creates the PubSub connection, resubscribes every room with
// local connections and spawns a fresh listener.
func (m *Manager) restart(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	stale := m.pubsub
	m.pubsub = m.cli.Subscribe(ctx)
	pubsub := m.pubsub
	channels := make([]string, 0, len(m.conns))
	for slug := range m.conns {
		channels = append(channels, channelFor(slug))
	}
	m.mu.Unlock()

	// The crashed connection is useless but still holds a socket.
	if stale != nil {
		if err := stale.Close(); err != nil {
			m.l.Warnf(ctx, "fanout.Manager.restart: close stale pubsub: %v", err)
		}
	}

	if len(channels) > 0 {
		if err := pubsub.Subscribe(ctx, channels...); err != nil {
			m.l.Errorf(ctx, "fanout.Manager.restart: resubscribe: %v", err)
		}
	}

	m.l.Warnf(ctx, "PubSub listener restarted (%d channels)", len(channels))
	go m.listen(ctx, pubsub)
}

// broadcastLocal fans one event out to this process's connections for the
// room, pruning any connection whose send fails.
func (m *Manager) broadcastLocal(ctx context.Context, slug string, event models.RoomEvent) {
	m.mu.Lock()
	set := m.conns[slug]
	targets := make([]Conn, 0, len(set))
	for conn := range set {
		targets = append(targets, conn)
	}
	m.mu.Unlock()

	var dead []Conn
	for _, conn := range targets {
		if err := conn.Send(event); err != nil {
			dead = append(dead, conn)
		}
	}

	for _, conn := range dead {
		m.l.Infof(ctx, "Removing dead connection in room %s", slug)
		m.Detach(ctx, conn, slug)
	}
}

func channelFor(slug string) string {
	return fmt.Sprintf("room_events:%s", slug)
}
