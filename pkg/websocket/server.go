package websocket

import (
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

var (
	ErrNilHandler    = errors.New("websocket: nil handler")
	ErrNotListening  = errors.New("websocket: server is not listening")
	ErrAlreadyListen = errors.New("websocket: server is already listening")
	ErrServerClosed  = errors.New("websocket: server closed")
)

// ServerConfig defines the accepting side of the transport.
type ServerConfig struct {
	// Addr is the TCP listen address, ":0" picks a free port.
	Addr string
	// Path is the HTTP path upgraded to websocket, defaults to "/ws".
	Path string
	// Routes mounts extra HTTP handlers on the same listener, e.g. /metrics.
	Routes map[string]http.Handler

	WriteQueueSize int
	Overflow       OverflowPolicy
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	BufferSize     int
	CheckOrigin    func(r *http.Request) bool
}

func (c *ServerConfig) normalize() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Server accepts websocket connections and hands them to a Handler.
type Server struct {
	cfg      ServerConfig
	handler  Handler
	upgrader websocket.Upgrader
	pool     *OutboundPool
	nextID   atomic.Uint64
	wg       sync.WaitGroup

	mu       sync.Mutex
	ln       net.Listener
	http     *http.Server
	closed   bool
	sessions map[ConnectionID]*Session
}

// NewServer builds a server. Nothing is bound until Listen.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	cfg.normalize()
	return &Server{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.BufferSize,
			WriteBufferSize: cfg.BufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		pool:     NewOutboundPool(NewBufferPool(cfg.BufferSize)),
		sessions: make(map[ConnectionID]*Session),
	}, nil
}

// Listen binds the listen address. Bind failures are returned to the caller.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil {
		return ErrAlreadyListen
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	for path, h := range s.cfg.Routes {
		mux.Handle(path, h)
	}

	s.ln = ln
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logs.Infof("websocket server listening on %s%s", ln.Addr().String(), s.cfg.Path)
	return nil
}

// Serve accepts connections until Close. It returns nil after Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln, srv := s.ln, s.http
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting, closes every session and waits for their loops.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, sess := range sessions {
		_ = sess.CloseWith(CloseGoingAway, "server shutdown")
	}
	s.wg.Wait()
	return err
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns the open session ids in ascending order.
func (s *Server) Sessions() []ConnectionID {
	s.mu.Lock()
	ids := make([]ConnectionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ServeHTTP upgrades the request and runs the session loops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("websocket upgrade from %s failed, err: %+v", r.RemoteAddr, err)
		return
	}

	id := ConnectionID(s.nextID.Add(1))
	sess := newSession(id, conn, NewWriter(s.pool, s.cfg.WriteQueueSize, s.cfg.Overflow), &s.cfg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.CloseWith(CloseGoingAway, "server shutdown")
		return
	}
	s.sessions[id] = sess
	s.wg.Add(2)
	s.mu.Unlock()

	s.handler.OnOpen(sess)

	go func() {
		defer s.wg.Done()
		if err := sess.writeLoop(); err != nil {
			sess.fail(err)
		}
	}()

	go func() {
		defer s.wg.Done()
		err := sess.readLoop(s.handler)
		sess.fail(err)

		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()

		s.handler.OnClose(sess, err)
	}()
}
