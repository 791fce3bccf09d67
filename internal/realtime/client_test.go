package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
)

type fakeServer struct {
	srv       *httptest.Server
	upgrader  gws.Upgrader
	connected chan *gws.Conn
	frames    chan Envelope

	mu     sync.Mutex
	tokens []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		connected: make(chan *gws.Conn, 8),
		frames:    make(chan Envelope, 64),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.tokens = append(fs.tokens, r.URL.Query().Get("token"))
		fs.mu.Unlock()
		fs.connected <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				fs.frames <- env
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) waitConn(t *testing.T) *gws.Conn {
	t.Helper()
	select {
	case c := <-fs.connected:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (fs *fakeServer) waitFrame(t *testing.T, typ string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-fs.frames:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame", typ)
			return Envelope{}
		}
	}
}

func newTestClient(fs *fakeServer, b *bus.Bus) *Client {
	return NewClient(Config{URL: fs.url(), Token: "tok-1", WriteTimeout: time.Second}, b, nil)
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, nil)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	fs.waitConn(t)

	select {
	case <-fs.connected:
		t.Fatal("second Connect opened another connection")
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, c.Connected())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []string{"tok-1"}, fs.tokens)
}

func TestInboundEventsPublishedOnBus(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	sub := b.Subscribe("realtime.", 8)
	defer sub.Close()

	c := newTestClient(fs, b)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	server := fs.waitConn(t)

	env, err := NewEnvelope(TypeChat, 7, ChatPayload{
		Action:  ActionNew,
		Message: model.Message{ID: 42, SenderID: "u2", Content: "hi"},
	})
	require.NoError(t, err)
	data, _ := json.Marshal(env)
	require.NoError(t, server.WriteMessage(gws.TextMessage, data))

	heartbeat, _ := json.Marshal(Envelope{Type: TypeHeartbeat})
	require.NoError(t, server.WriteMessage(gws.TextMessage, heartbeat))

	typing, _ := NewEnvelope(TypeTyping, 7, TypingPayload{UserID: "u2", IsTyping: true})
	data, _ = json.Marshal(typing)
	require.NoError(t, server.WriteMessage(gws.TextMessage, data))

	select {
	case evt := <-sub.C:
		require.Equal(t, KindMessageNew, evt.Kind)
		got := evt.Payload.(Event)
		assert.Equal(t, int64(7), got.ConversationID)
		require.NotNil(t, got.Message)
		assert.Equal(t, int64(42), got.Message.ID)
		assert.Equal(t, int64(7), got.Message.GroupID)
		assert.Equal(t, "hi", got.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no chat event")
	}

	select {
	case evt := <-sub.C:
		require.Equal(t, KindTyping, evt.Kind, "heartbeat frames are not published")
		got := evt.Payload.(Event)
		assert.Equal(t, "u2", got.Typing.UserID)
		assert.True(t, got.Typing.IsTyping)
	case <-time.After(2 * time.Second):
		t.Fatal("no typing event")
	}
}

func TestMessageBurstNotDropped(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	sub := b.SubscribeLossless("realtime.", 2)
	defer sub.Close()

	c := newTestClient(fs, b)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	server := fs.waitConn(t)

	const n = 50
	for i := 1; i <= n; i++ {
		env, err := NewEnvelope(TypeChat, 7, ChatPayload{
			Action:  ActionNew,
			Message: model.Message{ID: int64(i), SenderID: "u2", Content: "burst"},
		})
		require.NoError(t, err)
		data, _ := json.Marshal(env)
		require.NoError(t, server.WriteMessage(gws.TextMessage, data))
	}

	for i := 1; i <= n; i++ {
		select {
		case evt := <-sub.C:
			got := evt.Payload.(Event)
			require.Equal(t, int64(i), got.Message.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d messages delivered", i-1, n)
		}
	}
}

func TestDurableKinds(t *testing.T) {
	assert.True(t, Durable(KindMessageNew))
	assert.True(t, Durable(KindMessageUpdated))
	assert.True(t, Durable(KindMessageDeleted))
	assert.False(t, Durable(KindTyping))
	assert.False(t, Durable(KindPresence))
}

func TestSubscriptionsReplayedAfterReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, nil)
	defer c.Close()

	dropped := make(chan error, 1)
	c.OnDrop(func(err error) { dropped <- err })

	ctx := context.Background()
	require.NoError(t, c.SubscribeGroup(ctx, 5))
	require.NoError(t, c.Connect(ctx))
	server := fs.waitConn(t)
	assert.Equal(t, int64(5), fs.waitFrame(t, TypeSubscribe).ConversationID)

	_ = server.Close()
	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drop not reported")
	}
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect(ctx))
	fs.waitConn(t)
	assert.Equal(t, int64(5), fs.waitFrame(t, TypeSubscribe).ConversationID)
}

func TestUnsubscribeGroup(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, nil)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	fs.waitConn(t)
	require.NoError(t, c.SubscribeGroup(ctx, 3))
	fs.waitFrame(t, TypeSubscribe)
	require.NoError(t, c.UnsubscribeGroup(ctx, 3))
	assert.Equal(t, int64(3), fs.waitFrame(t, TypeUnsubscribe).ConversationID)
	assert.Empty(t, c.Subscriptions())
}

func TestCloseDoesNotReportDrop(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, nil)

	dropped := make(chan error, 1)
	c.OnDrop(func(err error) { dropped <- err })
	require.NoError(t, c.Connect(context.Background()))
	fs.waitConn(t)

	_ = c.Close()
	select {
	case err := <-dropped:
		t.Fatalf("intentional close reported as drop: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Error(t, c.Connect(context.Background()), "closed client must not reconnect")
}

func TestProbe(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Probe(ctx), "probe dials when disconnected")
	fs.waitConn(t)
	require.NoError(t, c.Probe(ctx), "probe pings when connected")
}

func TestProbeFailsWhenServerDown(t *testing.T) {
	fs := newFakeServer(t)
	fs.srv.Close()
	c := newTestClient(fs, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, c.Probe(ctx))
	assert.False(t, c.Connected())
}

func TestHeartbeatSent(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(Config{URL: fs.url(), HeartbeatInterval: 20 * time.Millisecond, WriteTimeout: time.Second}, nil, nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	fs.waitConn(t)
	fs.waitFrame(t, TypeHeartbeat)
}

func TestSendNotConnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, nil, nil)
	err := c.Send(context.Background(), Envelope{Type: TypeTyping})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDecode(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	tests := []struct {
		name string
		env  Envelope
		kind string
		ok   bool
	}{
		{"chat updated", Envelope{Type: TypeChat, Payload: raw(ChatPayload{Action: ActionUpdated})}, KindMessageUpdated, true},
		{"chat deleted", Envelope{Type: TypeChat, Payload: raw(ChatPayload{Action: ActionDeleted})}, KindMessageDeleted, true},
		{"chat unknown action", Envelope{Type: TypeChat, Payload: raw(ChatPayload{Action: "pinned"})}, "", false},
		{"presence", Envelope{Type: TypePresence, Payload: raw(PresencePayload{UserID: "u", Status: "online"})}, KindPresence, true},
		{"reaction", Envelope{Type: TypeReaction, Payload: json.RawMessage(`{"emoji":"+1"}`)}, KindReaction, true},
		{"heartbeat", Envelope{Type: TypeHeartbeat}, "", false},
		{"garbage", Envelope{Type: TypeTyping, Payload: json.RawMessage(`[`)}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok := decode(tt.env)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, evt.Kind)
		})
	}
}
