package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/model"
	redisutil "imagine-engine-server/modules/common/redis"
)

type tokenVerifier map[string]*auth.User

func (v tokenVerifier) Verify(ctx context.Context, token string) (*auth.User, error) {
	if u, ok := v[token]; ok {
		return u, nil
	}
	return nil, auth.ErrInvalidToken
}

type testEnv struct {
	hub    *Hub
	store  *redisutil.Store
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisutil.NewStore(rdb)

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx, store) }()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() > 0 }, 2*time.Second, 10*time.Millisecond)

	verifier := tokenVerifier{
		"tok-1": {ID: "user-1"},
		"tok-2": {ID: "user-2"},
	}
	r := mux.NewRouter()
	NewHandler(hub, verifier, "https://imagine.example").RegisterPublicRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testEnv{hub: hub, store: store, server: server}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var welcome Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, TypeConnected, welcome.Type)
	return conn
}

func TestWebSocket_ForwardsOwnEventsOnly(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t, "tok-1")
	second := env.dial(t, "tok-1")
	other := env.dial(t, "tok-2")

	require.NoError(t, env.store.PublishEvent(context.Background(), "user-1", model.Event{Type: "job_done", JobID: "job-9", Status: model.StatusCompleted}))

	for _, conn := range []*websocket.Conn{first, second} {
		var event model.Event
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, "job_done", event.Type)
		assert.Equal(t, "job-9", event.JobID)
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocket_PingPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "tok-1")

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))

	var reply Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypePong, reply.Type)
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=nope"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=tok-1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_UnregistersOnClose(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "tok-1")

	_, clients, users := env.hub.Snapshot()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, users)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, clients, _ := env.hub.Snapshot()
		return clients == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.dial(t, "tok-1")
	env.dial(t, "tok-2")

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Server struct {
			TotalConnections int    `json:"totalConnections"`
			CurrentClients   int    `json:"currentClients"`
			ActiveUsers      int    `json:"activeUsers"`
			Uptime           string `json:"uptime"`
		} `json:"server"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Server.TotalConnections)
	assert.Equal(t, 2, body.Server.CurrentClients)
	assert.Equal(t, 2, body.Server.ActiveUsers)
	assert.NotEmpty(t, body.Server.Uptime)
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	hub := NewHub()
	slow := &Client{hub: hub, userID: "u1", send: make(chan []byte, 1)}
	fast := hub.newClient(nil, "u1")
	hub.Register(slow)
	hub.Register(fast)

	assert.Equal(t, 2, hub.Broadcast("u1", []byte(`{"n":1}`)))
	assert.Equal(t, 1, hub.Broadcast("u1", []byte(`{"n":2}`)))

	metrics, clients, _ := hub.Snapshot()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, metrics.DroppedClients)

	// 끊긴 클라이언트는 버퍼를 비운 뒤 닫힌 채널을 받음
	<-slow.send
	_, open := <-slow.send
	assert.False(t, open)

	hub.Unregister(slow)
	assert.Equal(t, 0, hub.Broadcast("nobody", []byte(`{}`)))
}
