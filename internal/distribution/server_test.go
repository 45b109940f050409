package distribution

import (
	"errors"
	"sync"
	"testing"

	"gateway/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	released int
}

func (s *sink) deliver(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, string(payload))
	return nil
}

func (s *sink) release() {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
}

func (s *sink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

func (s *sink) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func connect(t *testing.T, srv *Server, channels ...string) (uint64, *sink) {
	t.Helper()
	k := &sink{}
	id := srv.Connect(k.deliver, k.release)
	if len(channels) > 0 {
		require.NoError(t, srv.Subscribe(id, channels...))
	}
	return id, k
}

func TestScenarioBroadcastOnlyToSubscribers(t *testing.T) {
	srv := NewServer(Config{})

	_, a := connect(t, srv, "book.BTC-PERPETUAL.100ms")
	_, b := connect(t, srv, "book.BTC-PERPETUAL.100ms")
	_, c := connect(t, srv, "book.ETH-PERPETUAL.100ms")

	n := srv.Broadcast("book.BTC-PERPETUAL.100ms", []byte("payload"))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"payload"}, a.received())
	assert.Equal(t, []string{"payload"}, b.received())
	assert.Empty(t, c.received())
}

func TestScenarioFailedSubscriberIsRemoved(t *testing.T) {
	srv := NewServer(Config{})

	var disconnected []uint64
	srv.SetOnClientDisconnected(func(id uint64) { disconnected = append(disconnected, id) })

	id1, s1 := connect(t, srv, "book.BTC-PERPETUAL.100ms")
	_, s2 := connect(t, srv, "book.BTC-PERPETUAL.100ms")
	require.Equal(t, 2, srv.ClientCount())

	s1.setFail(true)
	n := srv.Broadcast("book.BTC-PERPETUAL.100ms", []byte("one"))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, srv.ClientCount())
	assert.Equal(t, []uint64{id1}, disconnected)
	assert.Equal(t, 1, s1.released)

	s1.setFail(false)
	n = srv.Broadcast("book.BTC-PERPETUAL.100ms", []byte("two"))
	assert.Equal(t, 1, n)
	assert.Empty(t, s1.received())
	assert.Equal(t, []string{"one", "two"}, s2.received())

	require.ErrorIs(t, srv.Subscribe(id1, "x"), exception.ErrSubscriberNotFound)
}

func TestBroadcastRecoversPanickingDeliver(t *testing.T) {
	srv := NewServer(Config{})

	bad := srv.Connect(func([]byte) error { panic("closed channel") }, nil)
	require.NoError(t, srv.Subscribe(bad, "trades"))
	_, good := connect(t, srv, "trades")

	assert.Equal(t, 1, srv.Broadcast("trades", []byte("t1")))
	assert.Equal(t, []string{"t1"}, good.received())
	assert.Equal(t, []uint64{2}, srv.ClientIDs())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	srv := NewServer(Config{})
	id, k := connect(t, srv)

	require.NoError(t, srv.Subscribe(id, "a", "a"))
	require.NoError(t, srv.Subscribe(id, "a", "b"))
	channels, err := srv.Channels(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, channels)

	assert.Equal(t, 1, srv.Broadcast("a", []byte("x")))
	assert.Equal(t, []string{"x"}, k.received())

	require.NoError(t, srv.Unsubscribe(id, "a"))
	require.NoError(t, srv.Unsubscribe(id, "a", "never"))
	channels, err = srv.Channels(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, channels)
	assert.Zero(t, srv.Broadcast("a", []byte("y")))

	require.ErrorIs(t, srv.Unsubscribe(99, "a"), exception.ErrSubscriberNotFound)
	_, err = srv.Channels(99)
	require.ErrorIs(t, err, exception.ErrSubscriberNotFound)
}

func TestBroadcastPreservesOrderPerSubscriber(t *testing.T) {
	srv := NewServer(Config{})
	_, k := connect(t, srv, "book")

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		p := string(rune('a'+i%26)) + string(rune('0'+i/26))
		want = append(want, p)
		srv.Broadcast("book", []byte(p))
	}
	assert.Equal(t, want, k.received())
}

func TestConnectDisconnectCallbacks(t *testing.T) {
	srv := NewServer(Config{})

	var connected, disconnected []uint64
	srv.SetOnClientConnected(func(id uint64) { connected = append(connected, id) })
	srv.SetOnClientDisconnected(func(id uint64) { disconnected = append(disconnected, id) })

	id1, k1 := connect(t, srv)
	id2, _ := connect(t, srv)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)

	require.NoError(t, srv.Disconnect(id1))
	require.ErrorIs(t, srv.Disconnect(id1), exception.ErrSubscriberNotFound)

	assert.Equal(t, []uint64{1, 2}, connected)
	assert.Equal(t, []uint64{1}, disconnected)
	assert.Equal(t, 1, k1.released)
	assert.Equal(t, 1, srv.ClientCount())

	id3, _ := connect(t, srv)
	assert.Equal(t, uint64(3), id3)
}

func TestCallbackReplacementAndPanics(t *testing.T) {
	srv := NewServer(Config{})

	var got []string
	srv.SetOnMessage(func(id uint64, msg []byte) { got = append(got, "first:"+string(msg)) })
	srv.SetOnMessage(func(id uint64, msg []byte) { got = append(got, "second:"+string(msg)) })
	srv.SetOnClientConnected(func(uint64) { panic("boom") })

	id, _ := connect(t, srv)
	require.NoError(t, srv.HandleMessage(id, []byte("hi")))
	require.ErrorIs(t, srv.HandleMessage(42, []byte("hi")), exception.ErrSubscriberNotFound)
	assert.Equal(t, []string{"second:hi"}, got)
	assert.Equal(t, 1, srv.ClientCount())
}

func TestSendDropsFailedSubscriber(t *testing.T) {
	srv := NewServer(Config{})
	id, k := connect(t, srv)

	require.NoError(t, srv.Send(id, []byte("direct")))
	assert.Equal(t, []string{"direct"}, k.received())

	k.setFail(true)
	require.Error(t, srv.Send(id, []byte("again")))
	assert.Zero(t, srv.ClientCount())
	require.ErrorIs(t, srv.Send(id, []byte("again")), exception.ErrSubscriberNotFound)
}

type fakeListener struct {
	mu        sync.Mutex
	listenErr error
	listens   int
	closes    int
	stop      chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{stop: make(chan struct{})}
}

func (l *fakeListener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listens++
	return l.listenErr
}

func (l *fakeListener) Serve() error {
	<-l.stop
	return nil
}

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	if l.closes == 1 {
		close(l.stop)
	}
	return nil
}

func TestStartStopIdempotent(t *testing.T) {
	srv := NewServer(Config{})
	l := newFakeListener()
	require.NoError(t, srv.SetListener(l))

	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start())
	assert.True(t, srv.Running())
	assert.Equal(t, 1, l.listens)
	require.ErrorIs(t, srv.SetListener(newFakeListener()), exception.ErrServerRunning)

	_, k1 := connect(t, srv, "a")
	_, k2 := connect(t, srv, "b")

	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()
	require.NoError(t, <-done)
	require.NoError(t, srv.Stop())

	assert.False(t, srv.Running())
	assert.Equal(t, 1, l.closes)
	assert.Zero(t, srv.ClientCount())
	assert.Equal(t, 1, k1.released)
	assert.Equal(t, 1, k2.released)
	assert.Zero(t, srv.Broadcast("a", []byte("late")))
}

func TestStartReportsListenFailure(t *testing.T) {
	srv := NewServer(Config{})
	l := newFakeListener()
	l.listenErr = errors.New("address already in use")
	require.NoError(t, srv.SetListener(l))

	_, k := connect(t, srv, "a")
	require.Error(t, srv.Start())
	assert.False(t, srv.Running())

	assert.Equal(t, 1, srv.Broadcast("a", []byte("still here")))
	assert.Equal(t, []string{"still here"}, k.received())
}

func TestConcurrentBroadcastAndChurn(t *testing.T) {
	srv := NewServer(Config{})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				srv.Broadcast("book", []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := srv.Connect((&sink{}).deliver, nil)
				_ = srv.Subscribe(id, "book")
				_ = srv.Unsubscribe(id, "book")
				_ = srv.Disconnect(id)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, srv.ClientCount())
}
