package distribution

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gateway/pkg/exception"

	"github.com/yanun0323/errors"
)

// Deliver hands one payload to a subscriber's transport. Any error, or a panic,
// marks the subscriber dead.
type Deliver func(payload []byte) error

// Subscriber is a connected consumer and the set of channels it listens to.
type Subscriber struct {
	id          uint64
	deliver     Deliver
	release     func()
	connectedAt time.Time
	alive       atomic.Bool

	mu       sync.RWMutex
	channels map[string]struct{}
}

func newSubscriber(id uint64, deliver Deliver, release func(), now time.Time) *Subscriber {
	s := &Subscriber{
		id:          id,
		deliver:     deliver,
		release:     release,
		connectedAt: now,
		channels:    make(map[string]struct{}),
	}
	s.alive.Store(true)
	return s
}

func (s *Subscriber) ID() uint64 {
	return s.id
}

func (s *Subscriber) Alive() bool {
	return s.alive.Load()
}

func (s *Subscriber) ConnectedAt() time.Time {
	return s.connectedAt
}

// Channels returns the subscribed channel names in ascending order.
func (s *Subscriber) Channels() []string {
	s.mu.RLock()
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()
	sort.Strings(channels)
	return channels
}

func (s *Subscriber) IsSubscribed(channel string) bool {
	s.mu.RLock()
	_, ok := s.channels[channel]
	s.mu.RUnlock()
	return ok
}

func (s *Subscriber) subscribe(channels ...string) {
	s.mu.Lock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *Subscriber) unsubscribe(channels ...string) {
	s.mu.Lock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	s.mu.Unlock()
}

// kill flips the subscriber to dead. Only the first call returns true.
func (s *Subscriber) kill() bool {
	return s.alive.CompareAndSwap(true, false)
}

func (s *Subscriber) send(payload []byte) (err error) {
	if !s.alive.Load() {
		return errors.Wrapf(exception.ErrDeliveryFailed, "subscriber %d is dead", s.id)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(exception.ErrDeliveryFailed, "subscriber %d deliver panic: %v", s.id, r)
		}
	}()
	if err := s.deliver(payload); err != nil {
		return errors.Wrapf(err, "deliver to subscriber %d", s.id)
	}
	return nil
}

func (s *Subscriber) close() {
	if s.release == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.release()
}
