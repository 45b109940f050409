package distribution

import (
	"sync"

	"gateway/pkg/websocket"

	"github.com/yanun0323/logs"
)

// Transport binds websocket sessions to server subscribers.
type Transport struct {
	server *Server

	mu  sync.Mutex
	ids map[websocket.ConnectionID]uint64
}

func NewTransport(server *Server) *Transport {
	return &Transport{
		server: server,
		ids:    make(map[websocket.ConnectionID]uint64),
	}
}

// NewWebsocketListener builds a websocket listener feeding the server and
// attaches it. The server must not be running.
func NewWebsocketListener(server *Server, cfg websocket.ServerConfig) (*websocket.Server, error) {
	ws, err := websocket.NewServer(cfg, NewTransport(server))
	if err != nil {
		return nil, err
	}
	if err := server.SetListener(ws); err != nil {
		return nil, err
	}
	return ws, nil
}

func (t *Transport) OnOpen(s *websocket.Session) {
	id := t.server.Connect(s.Send, func() { _ = s.Close() })

	t.mu.Lock()
	t.ids[s.ID()] = id
	t.mu.Unlock()

	logs.Infof("subscriber %d connected from %s", id, s.RemoteAddr())
}

func (t *Transport) OnMessage(s *websocket.Session, payload []byte) {
	id, ok := t.lookup(s.ID())
	if !ok {
		return
	}
	if err := t.server.HandleMessage(id, payload); err != nil {
		logs.Warnf("message from subscriber %d dropped, err: %+v", id, err)
	}
}

func (t *Transport) OnClose(s *websocket.Session, err error) {
	t.mu.Lock()
	id, ok := t.ids[s.ID()]
	delete(t.ids, s.ID())
	t.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		logs.Warnf("subscriber %d connection closed, err: %+v", id, err)
	}
	// already gone when the server dropped it first
	_ = t.server.Disconnect(id)
}

func (t *Transport) lookup(conn websocket.ConnectionID) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.ids[conn]
	return id, ok
}
