package order

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"gateway/pkg/exception"

	"github.com/yanun0323/errors"
)

// Params describes a new order.
type Params struct {
	Instrument string
	Type       Type
	Side       Side
	Price      float64
	StopPrice  float64
	Amount     float64
	ReduceOnly bool
	PostOnly   bool
	Label      string
}

func (p Params) validate() error {
	if strings.TrimSpace(p.Instrument) == "" {
		return errors.Wrap(exception.ErrOrderValidation, "instrument is empty")
	}
	if !p.Type.IsAvailable() {
		return errors.Wrapf(exception.ErrOrderValidation, "unknown order type: %d", p.Type)
	}
	if !p.Side.IsAvailable() {
		return errors.Wrapf(exception.ErrOrderValidation, "unknown order side: %d", p.Side)
	}
	if !isFinite(p.Amount) || p.Amount <= 0 {
		return errors.Wrapf(exception.ErrOrderValidation, "amount must be > 0, got %v", p.Amount)
	}
	if !isFinite(p.Price) || p.Price < 0 {
		return errors.Wrapf(exception.ErrOrderValidation, "price must be >= 0, got %v", p.Price)
	}
	if p.Type.RequiresPrice() && p.Price <= 0 {
		return errors.Wrapf(exception.ErrOrderValidation, "%s order requires a positive price", p.Type)
	}
	if !isFinite(p.StopPrice) || p.StopPrice < 0 {
		return errors.Wrapf(exception.ErrOrderValidation, "stop price must be >= 0, got %v", p.StopPrice)
	}
	return nil
}

// Order is a point-in-time copy of an order taken under the order's lock.
// Mutating it has no effect on the registry.
type Order struct {
	ID           string
	Seq          uint64
	ExchangeID   string
	Instrument   string
	Type         Type
	Side         Side
	Price        float64
	StopPrice    float64
	Amount       float64
	FilledAmount float64
	ReduceOnly   bool
	PostOnly     bool
	Label        string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RemainingAmount returns amount - filled amount.
func (o Order) RemainingAmount() float64 {
	remaining := o.Amount - o.FilledAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (o Order) IsActive() bool {
	return o.Status.IsAvailable() && !o.Status.IsTerminal()
}

func (o Order) String() string {
	var sb strings.Builder
	sb.Grow(160)
	sb.WriteString("Order{id=")
	sb.WriteString(o.ID)
	sb.WriteString(", instrument=")
	sb.WriteString(o.Instrument)
	sb.WriteString(", type=")
	sb.WriteString(o.Type.String())
	sb.WriteString(", side=")
	sb.WriteString(o.Side.String())
	sb.WriteString(", price=")
	sb.WriteString(formatFloat(o.Price))
	if o.Type.IsStop() {
		sb.WriteString(", stop=")
		sb.WriteString(formatFloat(o.StopPrice))
	}
	sb.WriteString(", amount=")
	sb.WriteString(formatFloat(o.Amount))
	sb.WriteString(", filled=")
	sb.WriteString(formatFloat(o.FilledAmount))
	sb.WriteString(", status=")
	sb.WriteString(o.Status.String())
	if o.Label != "" {
		sb.WriteString(", label=")
		sb.WriteString(o.Label)
	}
	sb.WriteString("}")
	return sb.String()
}

// record is the registry-owned mutable entry behind an order id.
//
// Lock order is seq then mu. seq serializes mutations of one order together with
// their observer notifications, mu guards the fields against concurrent readers.
type record struct {
	seq sync.Mutex
	mu  sync.RWMutex
	o   Order
}

func (r *record) snapshot() Order {
	r.mu.RLock()
	o := r.o
	r.mu.RUnlock()
	return o
}

// consistent checks the filled/status invariants of an order.
func consistent(o Order) error {
	if o.FilledAmount < 0 || o.FilledAmount > o.Amount {
		return errors.Wrapf(exception.ErrOrderValidation, "filled %v out of range [0, %v]", o.FilledAmount, o.Amount)
	}
	switch o.Status {
	case StatusFilled:
		if o.FilledAmount != o.Amount {
			return errors.Wrapf(exception.ErrOrderValidation, "filled order must have filled == amount, got %v/%v", o.FilledAmount, o.Amount)
		}
	case StatusPartiallyFilled:
		if o.FilledAmount <= 0 || o.FilledAmount >= o.Amount {
			return errors.Wrapf(exception.ErrOrderValidation, "partially filled order must have 0 < filled < amount, got %v/%v", o.FilledAmount, o.Amount)
		}
	case StatusPending, StatusOpen:
		if o.FilledAmount != 0 {
			return errors.Wrapf(exception.ErrOrderValidation, "%s order must have no fills, got %v", o.Status, o.FilledAmount)
		}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
