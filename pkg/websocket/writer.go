package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotConnected is returned when sending while the writer is disconnected.
	ErrNotConnected = errors.New("websocket: not connected")
	// ErrQueueFull is returned when the outbound queue cannot accept more frames.
	ErrQueueFull = errors.New("websocket: outbound queue full")
)

// OutboundFrame represents a queued write payload.
type OutboundFrame struct {
	// MsgType is the WebSocket message type for the payload.
	MsgType MessageType
	// Buf is the payload buffer to send.
	Buf  []byte
	pool *OutboundPool
}

// Release returns the payload buffer and the frame to the pool.
func (f *OutboundFrame) Release() {
	if f == nil || f.pool == nil {
		return
	}
	if f.Buf != nil && f.pool.buffers != nil {
		f.pool.buffers.Put(f.Buf)
	}
	f.MsgType = 0
	f.Buf = nil
	f.pool.pool.Put(f)
}

// OutboundPool recycles outbound frames and buffers.
type OutboundPool struct {
	buffers *BufferPool
	pool    sync.Pool
}

// NewOutboundPool creates an OutboundPool.
func NewOutboundPool(buffers *BufferPool) *OutboundPool {
	op := &OutboundPool{buffers: buffers}
	op.pool.New = func() any {
		return &OutboundFrame{}
	}
	return op
}

// New creates an outbound frame holding buf.
func (p *OutboundPool) New(msgType MessageType, buf []byte) *OutboundFrame {
	frame := p.pool.Get().(*OutboundFrame)
	frame.MsgType = msgType
	frame.Buf = buf
	frame.pool = p
	return frame
}

// Writer provides a bounded outbound queue for one connection.
type Writer struct {
	pool      *OutboundPool
	queue     chan *OutboundFrame
	policy    OverflowPolicy
	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewWriter creates a connected Writer with a bounded queue.
func NewWriter(pool *OutboundPool, capacity int, policy OverflowPolicy) *Writer {
	if capacity <= 0 {
		capacity = 1
	}
	w := &Writer{
		pool:   pool,
		queue:  make(chan *OutboundFrame, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
	w.connected.Store(true)
	return w
}

// Connected reports whether the writer still accepts frames.
func (w *Writer) Connected() bool {
	return w.connected.Load()
}

// Close stops accepting frames, wakes blocked senders and releases queued frames.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		w.connected.Store(false)
		close(w.done)
		w.Drain()
	})
}

// Done is closed once the writer is closed.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Queue exposes the outbound frames to the connection write loop.
func (w *Writer) Queue() <-chan *OutboundFrame {
	return w.queue
}

// Len returns the number of queued frames.
func (w *Writer) Len() int {
	return len(w.queue)
}

// Acquire returns an outbound frame with a buffer of the requested size.
func (w *Writer) Acquire(msgType MessageType, size int) *OutboundFrame {
	if w.pool == nil || w.pool.buffers == nil {
		return &OutboundFrame{MsgType: msgType, Buf: make([]byte, size)}
	}
	buf := w.pool.buffers.Get(size)
	return w.pool.New(msgType, buf)
}

// Enqueue queues a frame for writing according to the overflow policy. The
// writer owns the frame afterwards and releases it when it is not accepted.
func (w *Writer) Enqueue(frame *OutboundFrame) error {
	if frame == nil {
		return nil
	}
	if !w.connected.Load() {
		frame.Release()
		return ErrNotConnected
	}
	switch w.policy {
	case OverflowBlock:
		select {
		case w.queue <- frame:
			if !w.connected.Load() {
				// raced with Close after it drained the queue
				w.Drain()
				return ErrNotConnected
			}
			return nil
		case <-w.done:
			frame.Release()
			return ErrNotConnected
		}
	case OverflowDropOldest:
		for {
			select {
			case w.queue <- frame:
				return nil
			default:
				select {
				case old := <-w.queue:
					if old != nil {
						old.Release()
					}
				default:
					frame.Release()
					return ErrQueueFull
				}
			}
		}
	default:
		select {
		case w.queue <- frame:
			return nil
		default:
			frame.Release()
			return ErrQueueFull
		}
	}
}

// Send copies payload into a pooled buffer and enqueues it.
func (w *Writer) Send(msgType MessageType, payload []byte) error {
	if !w.connected.Load() {
		return ErrNotConnected
	}
	frame := w.Acquire(msgType, len(payload))
	copy(frame.Buf, payload)
	return w.Enqueue(frame)
}

// Drain clears the queue and releases all frames.
func (w *Writer) Drain() {
	for {
		select {
		case frame := <-w.queue:
			if frame != nil {
				frame.Release()
			}
		default:
			return
		}
	}
}
