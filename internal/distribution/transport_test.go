package distribution

import (
	"testing"
	"time"

	"gateway/pkg/websocket"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWebsocket(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(Config{})
	srv.SetOnMessage(func(id uint64, msg []byte) {
		reply, _ := srv.HandleControl(id, msg)
		_ = srv.Send(id, reply)
	})
	_, err := NewWebsocketListener(srv, websocket.ServerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dialServer(t *testing.T, srv *Server) *gorilla.Conn {
	t.Helper()
	ws, ok := srv.listener.(*websocket.Server)
	require.True(t, ok)
	conn, _, err := gorilla.DefaultDialer.Dial("ws://"+ws.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *gorilla.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(payload)
}

func TestWebsocketSubscribeAndBroadcast(t *testing.T) {
	srv := startWebsocket(t)

	btc := dialServer(t, srv)
	eth := dialServer(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, btc.WriteMessage(gorilla.TextMessage, []byte(`{"method":"subscribe","channels":["book.BTC-PERPETUAL.100ms"]}`)))
	assert.JSONEq(t, `{"method":"subscribe","result":"ok","channels":["book.BTC-PERPETUAL.100ms"]}`, read(t, btc))
	require.NoError(t, eth.WriteMessage(gorilla.TextMessage, []byte(`{"method":"subscribe","channels":["book.ETH-PERPETUAL.100ms"]}`)))
	assert.JSONEq(t, `{"method":"subscribe","result":"ok","channels":["book.ETH-PERPETUAL.100ms"]}`, read(t, eth))

	frame, err := EncodeFrame("book.BTC-PERPETUAL.100ms", []byte(`{"bid":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Broadcast("book.BTC-PERPETUAL.100ms", frame))
	assert.JSONEq(t, `{"channel":"book.BTC-PERPETUAL.100ms","data":{"bid":1}}`, read(t, btc))
}

func TestWebsocketClientCloseDisconnects(t *testing.T) {
	srv := startWebsocket(t)

	disconnected := make(chan uint64, 1)
	srv.SetOnClientDisconnected(func(id uint64) { disconnected <- id })

	conn := dialServer(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	select {
	case id := <-disconnected:
		assert.Equal(t, uint64(1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not disconnected")
	}
	assert.Zero(t, srv.ClientCount())
}

func TestWebsocketStopClosesClients(t *testing.T) {
	srv := startWebsocket(t)
	conn := dialServer(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop())
	assert.Zero(t, srv.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
