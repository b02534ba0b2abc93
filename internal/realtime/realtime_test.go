package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/auth"
	"github.com/aura-webinar/attendance/internal/lottery"
	"github.com/aura-webinar/attendance/internal/metrics"
)

func newTestClient(hub *Hub, room uuid.UUID) *Client {
	return &Client{ID: uuid.NewString(), Room: room, hub: hub, send: make(chan WSMessage, sendBacklog), logger: zap.NewNop()}
}

func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func events(msgs []WSMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out
}

func TestHubLocalAnnounce(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	room := uuid.New()
	before := testutil.ToFloat64(metrics.DrawRoomClients)

	a := newTestClient(hub, room)
	b := newTestClient(hub, room)
	other := newTestClient(hub, uuid.New())
	hub.Register(a)
	hub.Register(b)
	hub.Register(other)
	assert.Equal(t, 2, hub.RoomSize(room))
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.DrawRoomClients))
	drain(a)
	drain(b)
	drain(other)

	d := lottery.Draw{Winners: []string{"BOB"}, Requested: 5, PoolSize: 1, Short: true}
	require.NoError(t, hub.AnnounceDraw(context.Background(), room, d))

	got := drain(a)
	require.Equal(t, []string{EventDrawStarted, EventVoucherDraw}, events(got))
	var started DrawStarted
	require.NoError(t, json.Unmarshal(got[0].Data, &started))
	assert.Equal(t, DrawStarted{Requested: 5, PoolSize: 1}, started)
	var draw VoucherDraw
	require.NoError(t, json.Unmarshal(got[1].Data, &draw))
	assert.Equal(t, VoucherDraw{Winners: []string{"BOB"}, Short: true}, draw)

	assert.Len(t, drain(b), 2)
	assert.Empty(t, drain(other))

	hub.Unregister(a)
	_, open := <-a.send
	assert.False(t, open)
	assert.Equal(t, []string{EventRoomSize}, events(drain(b)))
	hub.Unregister(a)
	hub.Unregister(b)
	hub.Unregister(other)
	assert.Zero(t, hub.RoomSize(room))
	assert.Equal(t, before, testutil.ToFloat64(metrics.DrawRoomClients))
}

func TestHubEmptyDrawSendsNoWinners(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil, nil)
	room := uuid.New()
	c := newTestClient(hub, room)
	hub.Register(c)
	drain(c)

	require.NoError(t, hub.AnnounceDraw(context.Background(), room, lottery.Draw{Requested: 3, Short: true}))
	got := drain(c)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"winners":[],"short":true}`, string(got[1].Data))
	hub.Unregister(c)
}

// bus loops published events back to subscribers, standing in for Redis.
type bus struct {
	mu        sync.Mutex
	handlers  map[uuid.UUID]func(string, []byte)
	cancelled int
	fail      error
	subFails  int
}

func newBus() *bus { return &bus{handlers: make(map[uuid.UUID]func(string, []byte))} }

func (b *bus) PublishRoomEvent(_ context.Context, room uuid.UUID, event string, payload []byte) error {
	if b.fail != nil {
		return b.fail
	}
	b.mu.Lock()
	h := b.handlers[room]
	b.mu.Unlock()
	if h != nil {
		h(event, payload)
	}
	return nil
}

func (b *bus) SubscribeRoom(room uuid.UUID, handler func(string, []byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subFails > 0 {
		b.subFails--
		return nil, errors.New("subscribe refused")
	}
	b.handlers[room] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, room)
		b.cancelled++
	}, nil
}

func TestHubPublishesThroughBus(t *testing.T) {
	b := newBus()
	hub := NewHub(zap.NewNop(), b, b)
	room := uuid.New()
	c := newTestClient(hub, room)
	hub.Register(c)
	drain(c)

	require.NoError(t, hub.AnnounceDraw(context.Background(), room, lottery.Draw{Winners: []string{"ALICE"}, Requested: 1, PoolSize: 4}))
	assert.Equal(t, []string{EventDrawStarted, EventVoucherDraw}, events(drain(c)))

	b.fail = errors.New("redis down")
	assert.Error(t, hub.AnnounceDraw(context.Background(), room, lottery.Draw{}))

	hub.Unregister(c)
	assert.Equal(t, 1, b.cancelled)
}

func TestHubRetriesFailedSubscribe(t *testing.T) {
	b := newBus()
	b.subFails = 1
	hub := NewHub(zap.NewNop(), b, b)
	room := uuid.New()
	d := lottery.Draw{Winners: []string{"ALICE"}, Requested: 1, PoolSize: 2}

	a := newTestClient(hub, room)
	hub.Register(a)
	drain(a)
	require.NoError(t, hub.AnnounceDraw(context.Background(), room, d))
	assert.Equal(t, []string{EventDrawStarted, EventVoucherDraw}, events(drain(a)), "unsubscribed room falls back to local delivery")

	c := newTestClient(hub, room)
	hub.Register(c)
	drain(a)
	drain(c)
	require.NoError(t, hub.AnnounceDraw(context.Background(), room, d))
	assert.Equal(t, []string{EventDrawStarted, EventVoucherDraw}, events(drain(a)))
	assert.Equal(t, []string{EventDrawStarted, EventVoucherDraw}, events(drain(c)))

	hub.Unregister(a)
	hub.Unregister(c)
	assert.Equal(t, 1, b.cancelled)
}

type validatorFunc func(string) (*auth.Claims, error)

func (f validatorFunc) Validate(token string) (*auth.Claims, error) { return f(token) }

func TestServeWs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(zap.NewNop(), nil, nil)
	userID := uuid.New()
	validator := validatorFunc(func(token string) (*auth.Claims, error) {
		if token != "good" {
			return nil, auth.ErrInvalidToken
		}
		return &auth.Claims{UserID: userID}, nil
	})
	r := gin.New()
	r.GET("/ws/draws", ServeWs(hub, NewUpgrader(nil), validator, zap.NewNop()))
	srv := httptest.NewServer(r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/draws"
	room := uuid.New()

	t.Run("rejects bad requests", func(t *testing.T) {
		cases := []struct {
			query  string
			status int
		}{
			{"?token=good", http.StatusBadRequest},
			{"?room=nope&token=good", http.StatusBadRequest},
			{"?room=" + room.String() + "&token=bad", http.StatusUnauthorized},
		}
		for _, tc := range cases {
			_, resp, err := websocket.DefaultDialer.Dial(base+tc.query, nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake, tc.query)
			assert.Equal(t, tc.status, resp.StatusCode, tc.query)
			resp.Body.Close()
		}
	})

	t.Run("streams draw events", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(base+"?room="+room.String()+"&token=good", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, EventRoomSize, msg.Event)
		assert.JSONEq(t, `{"count":1}`, string(msg.Data))

		require.NoError(t, hub.AnnounceDraw(context.Background(), room, lottery.Draw{Winners: []string{"CAROL"}, Requested: 1, PoolSize: 2}))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, EventDrawStarted, msg.Event)
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, EventVoucherDraw, msg.Event)
		assert.JSONEq(t, `{"winners":["CAROL"],"short":false}`, string(msg.Data))
	})
}

func TestUpgraderOrigins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/draws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, NewUpgrader([]string{"https://app.example"}).CheckOrigin(req))
	assert.True(t, NewUpgrader([]string{"*"}).CheckOrigin(req))
	req.Header.Set("Origin", "https://app.example")
	assert.True(t, NewUpgrader([]string{"https://app.example"}).CheckOrigin(req))
}

func TestEncodeEvent(t *testing.T) {
	body, err := encodeEvent(EventVoucherDraw, []byte(`{"winners":["A"]}`), time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"voucher_draw","data":{"winners":["A"]},"at":1700000000}`, string(body))
	assert.Equal(t, "draws:"+uuid.Nil.String(), roomChannel(uuid.Nil))
}
