package websocket

// Handler receives the lifecycle events of accepted connections.
//
// OnOpen runs before the connection starts reading. OnClose runs exactly once
// per session after the read loop exits, err is nil for a local close.
type Handler interface {
	OnOpen(s *Session)
	OnMessage(s *Session, payload []byte)
	OnClose(s *Session, err error)
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Open    func(s *Session)
	Message func(s *Session, payload []byte)
	Close   func(s *Session, err error)
}

func (h HandlerFuncs) OnOpen(s *Session) {
	if h.Open != nil {
		h.Open(s)
	}
}

func (h HandlerFuncs) OnMessage(s *Session, payload []byte) {
	if h.Message != nil {
		h.Message(s, payload)
	}
}

func (h HandlerFuncs) OnClose(s *Session, err error) {
	if h.Close != nil {
		h.Close(s, err)
	}
}
