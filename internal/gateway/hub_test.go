package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/iotdserver/internal/persistence"
	"github.com/KevinKickass/iotdserver/internal/registry"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	registry *registry.Registry
	hub      *Hub
	server   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	writer := persistence.NewWriter(afero.NewMemMapFs(), persistence.Options{Directory: "/data"}, zap.NewNop())
	reg := registry.New(writer, registry.Options{SaveThreshold: 100, FlushWorkers: 1}, zap.NewNop())
	reg.Start()
	t.Cleanup(reg.Close)

	hub := NewHub(reg, FixedArity(3), zap.NewNop())
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	t.Cleanup(server.Close)

	return &testServer{registry: reg, hub: hub, server: server}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) records(id types.DeviceID) int {
	info, ok := ts.registry.Device(id)
	if !ok {
		return 0
	}
	return info.Records
}

func TestFramesReachRegistry(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("7,1,21.5")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("7,2,21.75")))

	require.Eventually(t, func() bool { return ts.records(7) == 2 }, time.Second, 5*time.Millisecond)

	info, _ := ts.registry.Device(7)
	assert.True(t, info.Connected)
	require.NotNil(t, info.LastRecord)
	assert.Equal(t, []float64{2, 21.75}, info.LastRecord.Values)

	sessions := ts.hub.Sessions()
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].Device)
	assert.Equal(t, types.DeviceID(7), *sessions[0].Device)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("4,1")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("4,1,2")))

	require.Eventually(t, func() bool { return ts.records(4) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ts.hub.Count())
}

func TestCommandDeliveredAsTextFrame(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("2,0,0")))
	require.Eventually(t, func() bool { return ts.registry.IsConnected(2) }, time.Second, 5*time.Millisecond)

	s, ok := ts.registry.ResolveSession(2)
	require.True(t, ok)
	require.NoError(t, s.Send("1,1"))
	require.NoError(t, s.Send("2,0.5"))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for _, want := range []string{"1,1", "2,0.5"} {
		kind, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, want, string(msg))
	}
}

func TestDisconnectKeepsIdentity(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("9,1,1")))
	require.Eventually(t, func() bool { return ts.registry.IsConnected(9) }, time.Second, 5*time.Millisecond)

	old, _ := ts.registry.ResolveSession(9)
	conn.Close()

	require.Eventually(t, func() bool { return ts.hub.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, ts.registry.IsConnected(9))
	assert.Equal(t, 1, ts.records(9))
	assert.ErrorIs(t, old.Send("1,1"), ErrSessionClosed)

	again := ts.dial(t)
	require.NoError(t, again.WriteMessage(websocket.TextMessage, []byte("9,2,2")))
	require.Eventually(t, func() bool { return ts.records(9) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, ts.registry.IsConnected(9))
}

func TestShutdownClosesSessions(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("1,1,1")))
	require.Eventually(t, func() bool { return ts.records(1) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.hub.Shutdown(ctx))
	assert.Zero(t, ts.hub.Count())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ts.hub.Reopen()
	ts.dial(t)
	require.Eventually(t, func() bool { return ts.hub.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestShutdownDeadlineStillStopsReadPumps(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("1,1,1")))
	require.Eventually(t, func() bool { return ts.records(1) == 1 }, time.Second, 5*time.Millisecond)

	// The client never reads, so it never answers the close frame.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ts.hub.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Every read pump has exited and detached its session.
	assert.Zero(t, ts.hub.Count())

	_ = conn.WriteMessage(websocket.TextMessage, []byte("1,2,2"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ts.records(1))
}

func TestOnMessageAfterClose(t *testing.T) {
	ts := newTestServer(t)
	ts.dial(t)
	require.Eventually(t, func() bool { return ts.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	s := ts.hub.Sessions()[0]
	session, ok := ts.hub.Get(s.ID)
	require.True(t, ok)

	session.Close()
	assert.ErrorIs(t, session.OnMessage("1,1,1"), ErrSessionClosed)
	assert.Zero(t, ts.records(1))
}
