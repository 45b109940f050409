package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// Session is one accepted websocket connection. Writes go through a bounded
// Writer drained by a single write loop.
type Session struct {
	id     ConnectionID
	conn   *websocket.Conn
	writer *Writer
	remote string
	opt    *ServerConfig

	closing   atomic.Bool
	closeOnce sync.Once
	cause     error
}

func newSession(id ConnectionID, conn *websocket.Conn, writer *Writer, opt *ServerConfig) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		writer: writer,
		remote: conn.RemoteAddr().String(),
		opt:    opt,
	}
}

func (s *Session) ID() ConnectionID {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return s.remote
}

// Send queues a text frame. It fails once the session is closed or when the
// outbound queue rejects the frame.
func (s *Session) Send(payload []byte) error {
	return s.writer.Send(MessageText, payload)
}

// Pending returns the number of frames waiting to be written.
func (s *Session) Pending() int {
	return s.writer.Len()
}

// Close sends a normal close frame and tears the connection down.
func (s *Session) Close() error {
	return s.CloseWith(CloseNormal, "")
}

// CloseWith sends a close frame with the code and reason and tears the connection down.
func (s *Session) CloseWith(code CloseCode, reason string) error {
	return s.shutdown(code, reason, nil)
}

func (s *Session) fail(cause error) {
	_ = s.shutdown(CloseGoingAway, "", cause)
}

func (s *Session) shutdown(code CloseCode, reason string, cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.cause = cause
		s.closing.Store(true)
		s.writer.Close()
		deadline := time.Now().Add(closeGracePeriod)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(int(code), reason), deadline)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) readLoop(handler Handler) error {
	if s.opt.ReadLimit > 0 {
		s.conn.SetReadLimit(s.opt.ReadLimit)
	}
	if wait := s.pongWait(); wait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return s.cause
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if MessageType(msgType) != MessageText && MessageType(msgType) != MessageBinary {
			continue
		}
		handler.OnMessage(s, payload)
	}
}

func (s *Session) writeLoop() error {
	var ping <-chan time.Time
	if s.opt.PingInterval > 0 {
		ticker := time.NewTicker(s.opt.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.writer.Done():
			return nil
		case frame := <-s.writer.Queue():
			if frame == nil {
				continue
			}
			err := s.write(frame.MsgType, frame.Buf)
			frame.Release()
			if err != nil {
				return err
			}
		case <-ping:
			if err := s.write(MessagePing, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Session) write(msgType MessageType, payload []byte) error {
	if s.opt.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opt.WriteTimeout)); err != nil {
			return err
		}
	}
	err := s.conn.WriteMessage(int(msgType), payload)
	if err != nil && errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (s *Session) pongWait() time.Duration {
	if s.opt.PingInterval <= 0 {
		return 0
	}
	return 2 * s.opt.PingInterval
}
