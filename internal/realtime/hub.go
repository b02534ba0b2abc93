package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/lottery"
	"github.com/aura-webinar/attendance/internal/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	publishTimeout = 5 * time.Second
)

// Draw room events.
const (
	EventRoomSize    = "room_size"
	EventDrawStarted = "draw_started"
	EventVoucherDraw = "voucher_draw"
)

// Publisher fans a room event out to other instances.
type Publisher interface {
	PublishRoomEvent(ctx context.Context, room uuid.UUID, event string, payload []byte) error
}

// Subscriber delivers room events published by any instance, including this one.
type Subscriber interface {
	SubscribeRoom(room uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// DrawStarted announces a draw before the winners are revealed.
type DrawStarted struct {
	Requested int `json:"requested"`
	PoolSize  int `json:"pool_size"`
}

// VoucherDraw carries the winners of a draw.
type VoucherDraw struct {
	Winners []string `json:"winners"`
	Short   bool     `json:"short"`
}

// Hub maintains room id -> set of connections and broadcasts draw events.
// With Redis configured, events go through pub/sub so every instance delivers them once.
type Hub struct {
	rooms   map[uuid.UUID]map[string]*Client
	subs    map[uuid.UUID]func()
	pending map[uuid.UUID]bool
	mu      sync.RWMutex
	logger  *zap.Logger
	pub     Publisher
	sub     Subscriber
}

// NewHub creates a new WebSocket hub. pub and sub may be nil for a single instance.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	return &Hub{
		rooms:   make(map[uuid.UUID]map[string]*Client),
		subs:    make(map[uuid.UUID]func()),
		pending: make(map[uuid.UUID]bool),
		logger:  logger,
		pub:     pub,
		sub:     sub,
	}
}

// Register adds a client to a room. Starts the Redis subscription for the room
// when it has none, so a failed subscribe is retried by the next client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.Room] == nil {
		h.rooms[c.Room] = make(map[string]*Client)
	}
	h.rooms[c.Room][c.ID] = c
	count := len(h.rooms[c.Room])
	subscribe := h.sub != nil && h.subs[c.Room] == nil && !h.pending[c.Room]
	if subscribe {
		h.pending[c.Room] = true
	}
	h.mu.Unlock()

	if subscribe {
		h.subscribe(c.Room)
	}
	metrics.DrawRoomClients.Inc()
	h.Broadcast(c.Room, EventRoomSize, map[string]int{"count": count})
	h.logger.Debug("client joined draw room", zap.String("client_id", c.ID), zap.String("room", c.Room.String()))
}

// subscribe runs without h.mu held. The subscription is dropped if the room
// emptied while it was being set up.
func (h *Hub) subscribe(room uuid.UUID) {
	cancel, err := h.sub.SubscribeRoom(room, func(event string, payload []byte) {
		h.Broadcast(room, event, json.RawMessage(payload))
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, room)
	if err != nil {
		h.logger.Warn("draw room subscribe failed", zap.String("room", room.String()), zap.Error(err))
		return
	}
	if len(h.rooms[room]) == 0 {
		cancel()
		return
	}
	h.subs[room] = cancel
}

// Unregister removes a client from a room. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	m, ok := h.rooms[c.Room]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := m[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(m, c.ID)
	close(c.send)
	count := len(m)
	if count == 0 {
		delete(h.rooms, c.Room)
		if cancel, ok := h.subs[c.Room]; ok {
			cancel()
			delete(h.subs, c.Room)
		}
	}
	h.mu.Unlock()

	metrics.DrawRoomClients.Dec()
	if count > 0 {
		h.Broadcast(c.Room, EventRoomSize, map[string]int{"count": count})
	}
	h.logger.Debug("client left draw room", zap.String("client_id", c.ID), zap.String("room", c.Room.String()))
}

// Broadcast sends a message to all clients in a room on this instance.
func (h *Hub) Broadcast(room uuid.UUID, event string, payload any) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Error("marshal room event", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[room] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to a room across all instances. The subscriber
// callback does the local delivery; without a publisher, or while this instance
// has no subscription for the room, the event is also broadcast locally.
func (h *Hub) Publish(ctx context.Context, room uuid.UUID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	_, subscribed := h.subs[room]
	h.mu.RUnlock()
	if h.pub == nil || !subscribed {
		h.Broadcast(room, event, json.RawMessage(data))
	}
	if h.pub == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return h.pub.PublishRoomEvent(ctx, room, event, data)
}

// AnnounceDraw publishes draw_started followed by voucher_draw for a completed draw.
func (h *Hub) AnnounceDraw(ctx context.Context, room uuid.UUID, d lottery.Draw) error {
	if err := h.Publish(ctx, room, EventDrawStarted, DrawStarted{Requested: d.Requested, PoolSize: d.PoolSize}); err != nil {
		return err
	}
	winners := d.Winners
	if winners == nil {
		winners = []string{}
	}
	return h.Publish(ctx, room, EventVoucherDraw, VoucherDraw{Winners: winners, Short: d.Short})
}

// RoomSize returns the number of connected clients in a room on this instance.
func (h *Hub) RoomSize(room uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
