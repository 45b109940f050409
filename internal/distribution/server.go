package distribution

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gateway/internal/telemetry"
	"gateway/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Listener is the accepting side of a transport.
type Listener interface {
	// Listen binds the transport. Its error is returned by Start.
	Listen() error
	// Serve accepts connections until Close.
	Serve() error
	Close() error
}

// Config controls server construction.
type Config struct {
	Metrics *telemetry.Metrics
	// OnError receives transport failures that happen after Start returned,
	// defaults to logging them.
	OnError func(err error)
	Clock   func() time.Time
}

// Server keeps the connected subscribers and fans payloads out to them.
//
// The index lock only guards the id to subscriber map. Delivery happens outside
// of it, one subscriber at a time in ascending id order.
type Server struct {
	cfg    Config
	nextID atomic.Uint64

	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber

	cbMu           sync.RWMutex
	onConnected    func(id uint64)
	onDisconnected func(id uint64)
	onMessage      func(id uint64, msg []byte)

	lifeMu   sync.Mutex
	running  bool
	listener Listener
	serving  sync.WaitGroup
}

// NewServer creates a stopped server without subscribers.
func NewServer(cfg Config) *Server {
	if cfg.OnError == nil {
		cfg.OnError = func(err error) {
			logs.Errorf("distribution server transport error, err: %+v", err)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		cfg:         cfg,
		subscribers: make(map[uint64]*Subscriber),
	}
}

func (s *Server) SetOnClientConnected(fn func(id uint64)) {
	s.cbMu.Lock()
	s.onConnected = fn
	s.cbMu.Unlock()
}

func (s *Server) SetOnClientDisconnected(fn func(id uint64)) {
	s.cbMu.Lock()
	s.onDisconnected = fn
	s.cbMu.Unlock()
}

func (s *Server) SetOnMessage(fn func(id uint64, msg []byte)) {
	s.cbMu.Lock()
	s.onMessage = fn
	s.cbMu.Unlock()
}

// SetListener attaches the transport accepted by Start. It fails while running.
func (s *Server) SetListener(l Listener) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return exception.ErrServerRunning
	}
	s.listener = l
	return nil
}

// Start binds the listener, if any, and begins accepting. Calling Start on a
// running server does nothing.
func (s *Server) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return nil
	}

	if l := s.listener; l != nil {
		if err := l.Listen(); err != nil {
			return errors.Wrap(err, "listen")
		}
		s.serving.Add(1)
		go func() {
			defer s.serving.Done()
			if err := l.Serve(); err != nil {
				s.cfg.OnError(errors.Wrap(err, "serve"))
			}
		}()
	}

	s.running = true
	logs.Info("distribution server started")
	return nil
}

// Stop closes the listener and releases every subscriber. It may be called
// from any goroutine, any number of times.
func (s *Server) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	var err error
	if s.running && s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil {
			err = errors.Wrap(cerr, "close listener")
		}
		s.serving.Wait()
	}

	s.mu.Lock()
	released := s.subscribers
	s.subscribers = make(map[uint64]*Subscriber)
	s.mu.Unlock()

	for _, id := range sortedIDs(released) {
		sub := released[id]
		if sub.kill() {
			sub.close()
			s.notifyDisconnected(id)
		}
	}

	if s.running {
		s.running = false
		logs.Infof("distribution server stopped, released %d subscribers", len(released))
	}
	return err
}

// Running reports whether Start succeeded and Stop has not run since.
func (s *Server) Running() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.running
}

// Connect registers a new subscriber and returns its id. release is called
// once when the server drops the subscriber.
func (s *Server) Connect(deliver Deliver, release func()) uint64 {
	id := s.nextID.Add(1)
	sub := newSubscriber(id, deliver, release, s.cfg.Clock())

	s.mu.Lock()
	s.subscribers[id] = sub
	s.mu.Unlock()

	logs.Debugf("subscriber %d connected", id)
	s.cbMu.RLock()
	fn := s.onConnected
	s.cbMu.RUnlock()
	if fn != nil {
		s.safeCall("connected", func() { fn(id) })
	}
	return id
}

// Disconnect removes the subscriber.
func (s *Server) Disconnect(id uint64) error {
	sub := s.remove(id, nil)
	if sub == nil {
		return errors.Wrapf(exception.ErrSubscriberNotFound, "id: %d", id)
	}
	if sub.kill() {
		sub.close()
		s.notifyDisconnected(id)
	}
	return nil
}

// HandleMessage routes an inbound message of the subscriber to the message callback.
func (s *Server) HandleMessage(id uint64, msg []byte) error {
	if s.lookup(id) == nil {
		return errors.Wrapf(exception.ErrSubscriberNotFound, "id: %d", id)
	}
	s.cbMu.RLock()
	fn := s.onMessage
	s.cbMu.RUnlock()
	if fn != nil {
		s.safeCall("message", func() { fn(id, msg) })
	}
	return nil
}

// Subscribe adds channels to the subscriber. Subscribing twice has no effect.
func (s *Server) Subscribe(id uint64, channels ...string) error {
	sub := s.lookup(id)
	if sub == nil {
		return errors.Wrapf(exception.ErrSubscriberNotFound, "id: %d", id)
	}
	sub.subscribe(channels...)
	return nil
}

// Unsubscribe removes channels from the subscriber. Unknown channels are ignored.
func (s *Server) Unsubscribe(id uint64, channels ...string) error {
	sub := s.lookup(id)
	if sub == nil {
		return errors.Wrapf(exception.ErrSubscriberNotFound, "id: %d", id)
	}
	sub.unsubscribe(channels...)
	return nil
}

// Channels returns the channels of the subscriber.
func (s *Server) Channels(id uint64) ([]string, error) {
	sub := s.lookup(id)
	if sub == nil {
		return nil, errors.Wrapf(exception.ErrSubscriberNotFound, "id: %d", id)
	}
	return sub.Channels(), nil
}

// Send delivers payload to a single subscriber. A failed delivery drops the
// subscriber like Broadcast does.
func (s *Server) Send(id uint64, payload []byte) error {
	sub := s.lookup(id)
	if sub == nil {
		return errors.Wrapf(exception.ErrSubscriberNotFound, "id: %d", id)
	}
	if err := sub.send(payload); err != nil {
		s.drop(sub, err)
		return err
	}
	return nil
}

// Broadcast delivers payload to every live subscriber of channel and returns
// how many accepted it. Failed subscribers are removed before it returns.
func (s *Server) Broadcast(channel string, payload []byte) int {
	defer s.cfg.Metrics.Measure(telemetry.CategoryDistribution, "broadcast")()

	s.mu.RLock()
	targets := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	delivered := 0
	for _, sub := range targets {
		if !sub.Alive() || !sub.IsSubscribed(channel) {
			continue
		}
		if err := sub.send(payload); err != nil {
			s.drop(sub, err)
			continue
		}
		delivered++
	}
	return delivered
}

// ClientCount returns the number of registered subscribers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// ClientIDs returns the registered subscriber ids in ascending order.
func (s *Server) ClientIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedIDs(s.subscribers)
}

func (s *Server) drop(sub *Subscriber, cause error) {
	if !sub.kill() {
		return
	}
	s.remove(sub.id, sub)
	logs.Warnf("subscriber %d dropped, err: %+v", sub.id, cause)
	sub.close()
	s.notifyDisconnected(sub.id)
}

// remove deletes id from the index. When expected is set it is only removed
// if it still maps to that subscriber.
func (s *Server) remove(id uint64, expected *Subscriber) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok || (expected != nil && sub != expected) {
		return nil
	}
	delete(s.subscribers, id)
	return sub
}

func (s *Server) lookup(id uint64) *Subscriber {
	s.mu.RLock()
	sub := s.subscribers[id]
	s.mu.RUnlock()
	return sub
}

func (s *Server) notifyDisconnected(id uint64) {
	logs.Debugf("subscriber %d disconnected", id)
	s.cbMu.RLock()
	fn := s.onDisconnected
	s.cbMu.RUnlock()
	if fn != nil {
		s.safeCall("disconnected", func() { fn(id) })
	}
}

func (s *Server) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("distribution %s callback panic, recovered: %+v", name, r)
		}
	}()
	fn()
}

func sortedIDs(m map[uint64]*Subscriber) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
