package order

import "time"

// EventKind created, modified, canceled, status changed
type EventKind uint8

const (
	_event_beg EventKind = iota
	EventCreated
	EventModified
	EventCanceled
	EventStatusChanged
	_event_end
)

func (k EventKind) IsAvailable() bool {
	return k > _event_beg && k < _event_end
}

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventCanceled:
		return "canceled"
	case EventStatusChanged:
		return "status_changed"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one committed lifecycle change. From is zero for creation events.
type Event struct {
	Kind  EventKind
	Order Order
	From  Status
	To    Status
	At    time.Time
}

func (r *Registry) notify(e Event) {
	r.obsMu.RLock()
	var fn func()
	switch e.Kind {
	case EventCreated:
		if cb := r.onCreated; cb != nil {
			fn = func() { cb(e.Order) }
		}
	case EventModified:
		if cb := r.onModified; cb != nil {
			fn = func() { cb(e.Order) }
		}
	case EventCanceled:
		if cb := r.onCanceled; cb != nil {
			fn = func() { cb(e.Order) }
		}
	case EventStatusChanged:
		if cb := r.onStatusChanged; cb != nil {
			fn = func() { cb(e.Order, e.From, e.To) }
		}
	}
	r.obsMu.RUnlock()

	if fn == nil {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.cfg.OnObserverPanic(e.Kind, e.Order, recovered)
		}
	}()
	fn()
}
