package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/collabsync/internal/push"
)

func envelopeFor(t *testing.T, room, id string) push.Envelope {
	t.Helper()
	env, err := push.NewRecordEnvelope(push.EventTaskUpdated, room, push.VerbUpsert, id, map[string]string{"id": id}, push.Origin{ClientID: "client-b", OpID: "op-1"}, t0)
	require.NoError(t, err)
	return env
}

func collect(ch push.Channel, event string) (func() []push.Envelope, func()) {
	var mu sync.Mutex
	var got []push.Envelope
	cancel := ch.On(event, func(env push.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})
	return func() []push.Envelope {
		mu.Lock()
		defer mu.Unlock()
		return append([]push.Envelope(nil), got...)
	}, cancel
}

func TestRedisChannelDeliversToRoomMembers(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	ctx := context.Background()
	a, err := NewRedisChannel(ctx, RedisOptions{Client: rc})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisChannel(ctx, RedisOptions{Client: rc})
	require.NoError(t, err)
	defer b.Close()

	room := push.TaskRoom("p-1")
	got, cancel := collect(a, push.EventTaskUpdated)
	defer cancel()
	require.NoError(t, a.Subscribe(ctx, room))
	require.Eventually(t, func() bool {
		return len(m.PubSubChannels("")) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Emit(ctx, envelopeFor(t, push.TaskRoom("p-2"), "other")))
	require.NoError(t, b.Emit(ctx, envelopeFor(t, room, "t-1")))
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 10*time.Millisecond)
	env := got()[0]
	assert.Equal(t, "t-1", env.RecordID)
	assert.Equal(t, "op-1", env.OriginOpID)

	require.NoError(t, a.Unsubscribe(ctx, room))
	require.NoError(t, b.Emit(ctx, envelopeFor(t, room, "t-2")))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got(), 1)
}

func TestRedisChannelClose(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	c, err := NewRedisChannel(context.Background(), RedisOptions{Client: rc})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Emit(context.Background(), envelopeFor(t, "r", "x")), push.ErrChannelClosed)
	assert.ErrorIs(t, c.Subscribe(context.Background(), "r"), push.ErrChannelClosed)
}

// relayServer is a minimal push hub: it records subscriptions per
// connection and relays event frames to subscribers of the room.
type relayServer struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]map[string]bool
	subs  []string
}

func newRelayServer(t *testing.T) (*relayServer, *httptest.Server) {
	rs := &relayServer{conns: map[*websocket.Conn]map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(rs.serve))
	t.Cleanup(srv.Close)
	return rs, srv
}

func (rs *relayServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	rs.mu.Lock()
	rs.conns[conn] = map[string]bool{}
	rs.mu.Unlock()
	defer func() {
		rs.mu.Lock()
		delete(rs.conns, conn)
		rs.mu.Unlock()
	}()
	ctx := r.Context()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		rs.mu.Lock()
		switch f.Type {
		case FrameSubscribe:
			rs.conns[conn][f.Room] = true
			rs.subs = append(rs.subs, f.Room)
		case FrameUnsubscribe:
			delete(rs.conns[conn], f.Room)
		case FrameEvent:
			for c, rooms := range rs.conns {
				if rooms[f.Room] {
					_ = wsjson.Write(ctx, c, f)
				}
			}
		}
		rs.mu.Unlock()
	}
}

func (rs *relayServer) subscriptions() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.subs...)
}

func (rs *relayServer) dropAll() {
	rs.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(rs.conns))
	for c := range rs.conns {
		conns = append(conns, c)
	}
	rs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "restart")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConnected(t *testing.T, ch *WebSocketChannel) {
	t.Helper()
	select {
	case <-ch.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("websocket did not connect")
	}
}

func TestWebSocketChannelRelaysEvents(t *testing.T) {
	rs, srv := newRelayServer(t)
	ctx := context.Background()
	room := push.TaskRoom("p-1")

	a := NewWebSocketChannel(WebSocketOptions{URL: wsURL(srv), Token: "token", ClientID: "client-a"})
	defer a.Close()
	require.NoError(t, a.Subscribe(ctx, room), "subscribing before connect is remembered")
	require.NoError(t, a.Connect(ctx))
	waitConnected(t, a)

	b := NewWebSocketChannel(WebSocketOptions{URL: wsURL(srv), Token: "token", ClientID: "client-b"})
	defer b.Close()
	require.NoError(t, b.Connect(ctx))
	waitConnected(t, b)

	got, cancel := collect(a, "*")
	defer cancel()
	require.Eventually(t, func() bool { return len(rs.subscriptions()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Emit(ctx, envelopeFor(t, room, "t-1")))
	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "t-1", got()[0].RecordID)
}

func TestWebSocketChannelResubscribesAfterReconnect(t *testing.T) {
	rs, srv := newRelayServer(t)
	ctx := context.Background()
	room := push.ChatRoom("p-1")

	c := NewWebSocketChannel(WebSocketOptions{
		URL:           wsURL(srv),
		Token:         "token",
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	})
	defer c.Close()
	require.NoError(t, c.Connect(ctx))
	waitConnected(t, c)
	require.NoError(t, c.Subscribe(ctx, room))
	require.Eventually(t, func() bool { return len(rs.subscriptions()) == 1 }, time.Second, 10*time.Millisecond)

	rs.dropAll()
	waitConnected(t, c)
	require.Eventually(t, func() bool { return len(rs.subscriptions()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{room, room}, rs.subscriptions())
	assert.Equal(t, 1, c.Reconnects())
}

func TestWebSocketChannelRejectsBadToken(t *testing.T) {
	_, srv := newRelayServer(t)
	c := NewWebSocketChannel(WebSocketOptions{URL: wsURL(srv), Token: "wrong"})
	defer c.Close()
	assert.Error(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Emit(context.Background(), envelopeFor(t, "r", "x")), ErrNotConnected)
}
