package order

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gateway/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const defaultIDPrefix = "ORD-"

// Observer receives an order snapshot after a lifecycle mutation commits.
type Observer func(o Order)

// StatusObserver receives an order snapshot with the status it left and entered.
type StatusObserver func(o Order, from, to Status)

// PanicHandler is called when an observer panics. The mutation that triggered the
// observer has already been committed.
type PanicHandler func(kind EventKind, o Order, recovered any)

// RegistryConfig controls registry construction.
type RegistryConfig struct {
	// IDPrefix is prepended to the counter value of every new order id.
	IDPrefix string
	// Clock returns the timestamp applied to created/updated fields.
	Clock func() time.Time
	// OnObserverPanic reports observer panics, defaults to logging them.
	OnObserverPanic PanicHandler
}

// Registry owns every live order of the process.
//
// The registry lock only guards the id index. Each order carries its own locks,
// and the index lock is never held while an order lock is taken.
//
// Observers run synchronously on the calling goroutine after the mutation
// commits and after the index lock is released. An observer may read the
// registry, but it must not mutate the same order it was notified about.
type Registry struct {
	cfg     RegistryConfig
	counter atomic.Uint64

	mu         sync.RWMutex
	orders     map[string]*record
	byExchange map[string]string

	obsMu           sync.RWMutex
	onCreated       Observer
	onModified      Observer
	onCanceled      Observer
	onStatusChanged StatusObserver
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = defaultIDPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.OnObserverPanic == nil {
		cfg.OnObserverPanic = func(kind EventKind, o Order, recovered any) {
			logs.Errorf("order observer panic, event: %s, order: %s, recovered: %+v", kind, o.ID, recovered)
		}
	}
	return &Registry{
		cfg:        cfg,
		orders:     make(map[string]*record),
		byExchange: make(map[string]string),
	}
}

func (r *Registry) SetOnOrderCreated(fn Observer) {
	r.obsMu.Lock()
	r.onCreated = fn
	r.obsMu.Unlock()
}

func (r *Registry) SetOnOrderModified(fn Observer) {
	r.obsMu.Lock()
	r.onModified = fn
	r.obsMu.Unlock()
}

func (r *Registry) SetOnOrderCanceled(fn Observer) {
	r.obsMu.Lock()
	r.onCanceled = fn
	r.obsMu.Unlock()
}

func (r *Registry) SetOnOrderStatusChanged(fn StatusObserver) {
	r.obsMu.Lock()
	r.onStatusChanged = fn
	r.obsMu.Unlock()
}

// CreateOrder validates params, assigns a new id and registers the order as PENDING.
func (r *Registry) CreateOrder(p Params) (Order, error) {
	if err := p.validate(); err != nil {
		return Order{}, err
	}

	now := r.cfg.Clock()
	seq := r.counter.Add(1)
	rec := &record{o: Order{
		ID:         r.cfg.IDPrefix + strconv.FormatUint(seq, 10),
		Seq:        seq,
		Instrument: p.Instrument,
		Type:       p.Type,
		Side:       p.Side,
		Price:      p.Price,
		StopPrice:  p.StopPrice,
		Amount:     p.Amount,
		ReduceOnly: p.ReduceOnly,
		PostOnly:   p.PostOnly,
		Label:      p.Label,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}

	// Nothing else can reach rec before it is indexed, holding seq keeps any
	// follow-up mutation from notifying ahead of the creation event.
	rec.seq.Lock()
	defer rec.seq.Unlock()
	snap := rec.o

	r.mu.Lock()
	r.orders[snap.ID] = rec
	r.mu.Unlock()

	r.notify(Event{Kind: EventCreated, Order: snap, To: snap.Status, At: now})
	return snap, nil
}

// Import registers an order whose state is already known, e.g. an open order
// reported by the exchange on startup.
func (r *Registry) Import(p Params, status Status, filled float64, exchangeID string) (Order, error) {
	if err := p.validate(); err != nil {
		return Order{}, err
	}
	if !status.IsAvailable() {
		return Order{}, errors.Wrapf(exception.ErrOrderValidation, "unknown status: %d", status)
	}

	now := r.cfg.Clock()
	seq := r.counter.Add(1)
	rec := &record{o: Order{
		ID:           r.cfg.IDPrefix + strconv.FormatUint(seq, 10),
		Seq:          seq,
		ExchangeID:   exchangeID,
		Instrument:   p.Instrument,
		Type:         p.Type,
		Side:         p.Side,
		Price:        p.Price,
		StopPrice:    p.StopPrice,
		Amount:       p.Amount,
		FilledAmount: filled,
		ReduceOnly:   p.ReduceOnly,
		PostOnly:     p.PostOnly,
		Label:        p.Label,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	if err := consistent(rec.o); err != nil {
		return Order{}, err
	}

	rec.seq.Lock()
	defer rec.seq.Unlock()
	snap := rec.o

	r.mu.Lock()
	if exchangeID != "" {
		if _, exists := r.byExchange[exchangeID]; exists {
			r.mu.Unlock()
			return Order{}, errors.Wrapf(exception.ErrOrderValidation, "exchange order %s already imported", exchangeID)
		}
		r.byExchange[exchangeID] = snap.ID
	}
	r.orders[snap.ID] = rec
	r.mu.Unlock()

	r.notify(Event{Kind: EventCreated, Order: snap, To: snap.Status, At: now})
	return snap, nil
}

// CancelOrder moves a non-terminal order to CANCELED. It returns false when the
// order is unknown or already terminal.
func (r *Registry) CancelOrder(id string) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}

	rec.seq.Lock()
	defer rec.seq.Unlock()

	rec.mu.Lock()
	from := rec.o.Status
	if from.IsTerminal() || !CanTransition(from, StatusCanceled) {
		rec.mu.Unlock()
		return false
	}
	now := r.cfg.Clock()
	rec.o.Status = StatusCanceled
	rec.o.UpdatedAt = now
	snap := rec.o
	rec.mu.Unlock()

	r.notify(Event{Kind: EventCanceled, Order: snap, From: from, To: StatusCanceled, At: now})
	r.notify(Event{Kind: EventStatusChanged, Order: snap, From: from, To: StatusCanceled, At: now})
	return true
}

// Modification holds the optional fields of a modify request. Nil means keep.
type Modification struct {
	Price  *float64
	Amount *float64
}

// ModifyOrder applies a price and/or amount change to a non-terminal order.
// Shrinking the amount down to the filled amount completes the order.
func (r *Registry) ModifyOrder(id string, mod Modification) (Order, error) {
	rec := r.lookup(id)
	if rec == nil {
		return Order{}, errors.Wrapf(exception.ErrOrderNotFound, "id: %s", id)
	}

	rec.seq.Lock()
	defer rec.seq.Unlock()

	rec.mu.Lock()
	next, err := applyModification(rec.o, mod)
	if err != nil {
		rec.mu.Unlock()
		return Order{}, err
	}
	from := rec.o.Status
	now := r.cfg.Clock()
	next.UpdatedAt = now
	rec.o = next
	rec.mu.Unlock()

	r.notify(Event{Kind: EventModified, Order: next, From: from, To: next.Status, At: now})
	if next.Status != from {
		r.notify(Event{Kind: EventStatusChanged, Order: next, From: from, To: next.Status, At: now})
	}
	return next, nil
}

func applyModification(o Order, mod Modification) (Order, error) {
	if o.Status.IsTerminal() {
		return Order{}, errors.Wrapf(exception.ErrOrderInvalidState, "order %s is %s", o.ID, o.Status)
	}
	if mod.Price != nil {
		price := *mod.Price
		if !isFinite(price) || price < 0 {
			return Order{}, errors.Wrapf(exception.ErrOrderValidation, "price must be >= 0, got %v", price)
		}
		if o.Type.RequiresPrice() && price <= 0 {
			return Order{}, errors.Wrapf(exception.ErrOrderValidation, "%s order requires a positive price", o.Type)
		}
		o.Price = price
	}
	if mod.Amount != nil {
		amount := *mod.Amount
		if !isFinite(amount) || amount <= 0 {
			return Order{}, errors.Wrapf(exception.ErrOrderValidation, "amount must be > 0, got %v", amount)
		}
		if amount < o.FilledAmount {
			return Order{}, errors.Wrapf(exception.ErrOrderValidation, "amount %v below filled amount %v", amount, o.FilledAmount)
		}
		o.Amount = amount
		if o.FilledAmount > 0 && o.FilledAmount == amount {
			o.Status = StatusFilled
		}
	}
	return o, nil
}

// GetOrder returns a snapshot of the order.
func (r *Registry) GetOrder(id string) (Order, bool) {
	rec := r.lookup(id)
	if rec == nil {
		return Order{}, false
	}
	return rec.snapshot(), true
}

// GetActiveOrders returns snapshots of every non-terminal order keyed by id.
func (r *Registry) GetActiveOrders() map[string]Order {
	records := r.all()
	result := make(map[string]Order, len(records))
	for _, rec := range records {
		o := rec.snapshot()
		if o.IsActive() {
			result[o.ID] = o
		}
	}
	return result
}

// GetOrdersForInstrument returns snapshots of every order of the instrument in creation order.
func (r *Registry) GetOrdersForInstrument(instrument string) []Order {
	records := r.all()
	result := make([]Order, 0, len(records))
	for _, rec := range records {
		o := rec.snapshot()
		if o.Instrument == instrument {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

// Len returns the number of registered orders, terminal ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.orders)
	r.mu.RUnlock()
	return n
}

// BindExchangeID links a local order to the id the exchange assigned to it.
func (r *Registry) BindExchangeID(id, exchangeID string) error {
	if exchangeID == "" {
		return errors.Wrap(exception.ErrOrderValidation, "exchange id is empty")
	}
	rec := r.lookup(id)
	if rec == nil {
		return errors.Wrapf(exception.ErrOrderNotFound, "id: %s", id)
	}

	rec.mu.Lock()
	previous := rec.o.ExchangeID
	rec.o.ExchangeID = exchangeID
	rec.mu.Unlock()

	r.mu.Lock()
	if previous != "" && previous != exchangeID {
		delete(r.byExchange, previous)
	}
	r.byExchange[exchangeID] = id
	r.mu.Unlock()
	return nil
}

// LookupExchangeID returns the order bound to the exchange id.
func (r *Registry) LookupExchangeID(exchangeID string) (Order, bool) {
	r.mu.RLock()
	id, ok := r.byExchange[exchangeID]
	var rec *record
	if ok {
		rec = r.orders[id]
	}
	r.mu.RUnlock()
	if rec == nil {
		return Order{}, false
	}
	return rec.snapshot(), true
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	rec := r.orders[id]
	r.mu.RUnlock()
	return rec
}

func (r *Registry) all() []*record {
	r.mu.RLock()
	records := make([]*record, 0, len(r.orders))
	for _, rec := range r.orders {
		records = append(records, rec)
	}
	r.mu.RUnlock()
	return records
}
