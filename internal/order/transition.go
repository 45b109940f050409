package order

import (
	"gateway/pkg/exception"

	"github.com/yanun0323/errors"
)

// Acknowledge moves a PENDING order to OPEN after the exchange accepted it.
func (r *Registry) Acknowledge(id string) (Order, error) {
	return r.transition(id, func(o Order) (Order, error) {
		return to(o, StatusOpen)
	})
}

// Reject moves a PENDING order to REJECTED after the exchange refused it.
func (r *Registry) Reject(id string) (Order, error) {
	return r.transition(id, func(o Order) (Order, error) {
		return to(o, StatusRejected)
	})
}

// Expire moves an OPEN order to EXPIRED.
func (r *Registry) Expire(id string) (Order, error) {
	return r.transition(id, func(o Order) (Order, error) {
		return to(o, StatusExpired)
	})
}

// ExchangeCancel applies a cancel notice sent by the exchange. Unlike CancelOrder
// it reports why the cancel could not be applied.
func (r *Registry) ExchangeCancel(id string) (Order, error) {
	return r.transition(id, func(o Order) (Order, error) {
		return to(o, StatusCanceled)
	})
}

// ApplyFill applies the cumulative filled amount reported by the exchange.
// Reporting the current filled amount again is a no-op.
func (r *Registry) ApplyFill(id string, filled float64) (Order, error) {
	return r.transition(id, func(o Order) (Order, error) {
		if !isFinite(filled) || filled < 0 {
			return Order{}, errors.Wrapf(exception.ErrOrderValidation, "filled must be >= 0, got %v", filled)
		}
		if o.Status.IsTerminal() {
			return Order{}, errors.Wrapf(exception.ErrOrderInvalidState, "order %s is %s", o.ID, o.Status)
		}
		if filled < o.FilledAmount {
			return Order{}, errors.Wrapf(exception.ErrOrderValidation, "filled decreased from %v to %v", o.FilledAmount, filled)
		}
		if filled > o.Amount {
			return Order{}, errors.Wrapf(exception.ErrOrderValidation, "filled %v exceeds amount %v", filled, o.Amount)
		}
		if filled == o.FilledAmount {
			return o, nil
		}

		next := StatusPartiallyFilled
		if filled == o.Amount {
			next = StatusFilled
		}
		if !CanTransition(o.Status, next) {
			return Order{}, errors.Wrapf(exception.ErrOrderInvalidTransition, "%s -> %s", o.Status, next)
		}
		o.FilledAmount = filled
		o.Status = next
		return o, nil
	})
}

func to(o Order, next Status) (Order, error) {
	if o.Status.IsTerminal() {
		return Order{}, errors.Wrapf(exception.ErrOrderInvalidState, "order %s is %s", o.ID, o.Status)
	}
	if !CanTransition(o.Status, next) {
		return Order{}, errors.Wrapf(exception.ErrOrderInvalidTransition, "%s -> %s", o.Status, next)
	}
	o.Status = next
	return o, nil
}

// transition applies fn to the order under its locks and notifies observers.
// fn returning the order unchanged skips the notification.
func (r *Registry) transition(id string, fn func(Order) (Order, error)) (Order, error) {
	rec := r.lookup(id)
	if rec == nil {
		return Order{}, errors.Wrapf(exception.ErrOrderNotFound, "id: %s", id)
	}

	rec.seq.Lock()
	defer rec.seq.Unlock()

	rec.mu.Lock()
	prev := rec.o
	next, err := fn(prev)
	if err == nil {
		err = consistent(next)
	}
	if err != nil {
		rec.mu.Unlock()
		return Order{}, err
	}
	if next.Status == prev.Status && next.FilledAmount == prev.FilledAmount {
		rec.mu.Unlock()
		return prev, nil
	}
	now := r.cfg.Clock()
	next.UpdatedAt = now
	rec.o = next
	rec.mu.Unlock()

	if next.Status == prev.Status {
		r.notify(Event{Kind: EventModified, Order: next, From: prev.Status, To: next.Status, At: now})
		return next, nil
	}
	if next.Status == StatusCanceled {
		r.notify(Event{Kind: EventCanceled, Order: next, From: prev.Status, To: next.Status, At: now})
	}
	r.notify(Event{Kind: EventStatusChanged, Order: next, From: prev.Status, To: next.Status, At: now})
	return next, nil
}
