package websocket

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	opened   []ConnectionID
	messages []string
	closed   []ConnectionID
	sessions chan *Session
	closes   chan ConnectionID
}

func newRecorder() *recorder {
	return &recorder{
		sessions: make(chan *Session, 8),
		closes:   make(chan ConnectionID, 8),
	}
}

func (r *recorder) OnOpen(s *Session) {
	r.mu.Lock()
	r.opened = append(r.opened, s.ID())
	r.mu.Unlock()
	r.sessions <- s
}

func (r *recorder) OnMessage(s *Session, payload []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, string(payload))
	r.mu.Unlock()
	_ = s.Send(append([]byte("echo:"), payload...))
}

func (r *recorder) OnClose(s *Session, err error) {
	r.mu.Lock()
	r.closed = append(r.closed, s.ID())
	r.mu.Unlock()
	r.closes <- s.ID()
}

func startServer(t *testing.T, h Handler, cfg ServerConfig) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv, err := NewServer(cfg, h)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(payload)
}

func waitSession(t *testing.T, ch <-chan *Session) *Session {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("session not opened")
		return nil
	}
}

func waitClose(t *testing.T, ch <-chan ConnectionID) ConnectionID {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed")
		return 0
	}
}

func TestNewServerRequiresHandler(t *testing.T) {
	_, err := NewServer(ServerConfig{}, nil)
	require.ErrorIs(t, err, ErrNilHandler)
}

func TestServeBeforeListen(t *testing.T) {
	srv, err := NewServer(ServerConfig{}, HandlerFuncs{})
	require.NoError(t, err)
	require.ErrorIs(t, srv.Serve(), ErrNotListening)
	assert.Empty(t, srv.Addr())
}

func TestListenBindFailure(t *testing.T) {
	first := startServer(t, HandlerFuncs{}, ServerConfig{})

	second, err := NewServer(ServerConfig{Addr: first.Addr()}, HandlerFuncs{})
	require.NoError(t, err)
	require.Error(t, second.Listen())
}

func TestServerRoundTrip(t *testing.T) {
	rec := newRecorder()
	srv := startServer(t, rec, ServerConfig{PingInterval: time.Second})

	conn := dial(t, srv)
	sess := waitSession(t, rec.sessions)
	assert.Equal(t, ConnectionID(1), sess.ID())
	assert.NotEmpty(t, sess.RemoteAddr())
	assert.Equal(t, 1, srv.SessionCount())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, "echo:hello", readText(t, conn))

	require.NoError(t, sess.Send([]byte("push")))
	assert.Equal(t, "push", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, sess.ID(), waitClose(t, rec.closes))
	require.ErrorIs(t, sess.Send([]byte("late")), ErrNotConnected)

	require.Eventually(t, func() bool { return srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerCloseReleasesSessions(t *testing.T) {
	rec := newRecorder()
	srv := startServer(t, rec, ServerConfig{})

	c1 := dial(t, srv)
	c2 := dial(t, srv)
	waitSession(t, rec.sessions)
	waitSession(t, rec.sessions)
	assert.Equal(t, []ConnectionID{1, 2}, srv.Sessions())

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	assert.Zero(t, srv.SessionCount())

	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := c.ReadMessage()
		require.Error(t, err)
	}

	rec.mu.Lock()
	assert.ElementsMatch(t, []ConnectionID{1, 2}, rec.closed)
	rec.mu.Unlock()

	require.ErrorIs(t, srv.Listen(), ErrServerClosed)
}

func TestServerRoutes(t *testing.T) {
	srv := startServer(t, HandlerFuncs{}, ServerConfig{
		Routes: map[string]http.Handler{
			"/healthz": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}),
		},
	})

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
