package gateway

import (
	"context"

	"gateway/internal/exchange/deribit"
	"gateway/internal/order"
	"gateway/internal/telemetry"
	"gateway/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// PlaceOrder registers the order locally, sends it to the exchange and applies
// the acknowledgement. A refused order ends REJECTED.
//
// The local id travels as the exchange label, so feed updates that arrive
// before the acknowledgement resolve to the same order.
func (g *Gateway) PlaceOrder(ctx context.Context, p order.Params) (order.Order, error) {
	start := g.cfg.Clock()

	o, err := g.orders.CreateOrder(p)
	if err != nil {
		return order.Order{}, err
	}

	ack, err := g.exchange.PlaceOrder(ctx, orderRequest(o.ID, p))
	if err != nil {
		g.reject(o.ID)
		return order.Order{}, errors.Wrapf(exception.ErrOrderRejectedByExchange, "order %s: %s", o.ID, err.Error())
	}

	g.applyMu.Lock()
	defer g.applyMu.Unlock()

	if err := g.orders.BindExchangeID(o.ID, ack.OrderID); err != nil {
		g.reject(o.ID)
		return order.Order{}, errors.Wrapf(exception.ErrOrderRejectedByExchange, "order %s: %s", o.ID, err.Error())
	}
	o, err = g.apply(o.ID, ack)
	g.metrics.RecordOrderPlacement(p.Instrument, telemetry.Millis(g.cfg.Clock().Sub(start)))
	return o, err
}

// reject ends an order the exchange never took.
func (g *Gateway) reject(id string) {
	o, ok := g.orders.GetOrder(id)
	if !ok || o.Status != order.StatusPending {
		return
	}
	if _, err := g.orders.Reject(id); err != nil {
		logs.Errorf("reject order %s, err: %+v", id, err)
	}
}

// CancelOrder cancels the order on the exchange, then locally. It returns
// false when the order is already terminal.
func (g *Gateway) CancelOrder(ctx context.Context, id string) (bool, error) {
	start := g.cfg.Clock()

	o, ok := g.orders.GetOrder(id)
	if !ok {
		return false, errors.Wrapf(exception.ErrOrderNotFound, "id: %s", id)
	}
	if o.Status.IsTerminal() {
		return false, nil
	}

	if o.ExchangeID != "" {
		if _, err := g.exchange.CancelOrder(ctx, o.ExchangeID); err != nil {
			return false, errors.Wrapf(err, "cancel order %s", id)
		}
	}

	canceled := g.orders.CancelOrder(id)
	g.metrics.RecordOrderCancellation(o.Instrument, telemetry.Millis(g.cfg.Clock().Sub(start)))
	return canceled, nil
}

// ModifyOrder edits the order on the exchange, then locally.
func (g *Gateway) ModifyOrder(ctx context.Context, id string, mod order.Modification) (order.Order, error) {
	start := g.cfg.Clock()

	o, ok := g.orders.GetOrder(id)
	if !ok {
		return order.Order{}, errors.Wrapf(exception.ErrOrderNotFound, "id: %s", id)
	}
	if o.Status.IsTerminal() {
		return order.Order{}, errors.Wrapf(exception.ErrOrderInvalidState, "order %s is %s", id, o.Status)
	}
	if err := precheck(o, mod); err != nil {
		return order.Order{}, err
	}
	if o.ExchangeID == "" {
		return order.Order{}, errors.Wrapf(exception.ErrOrderNotPlaced, "id: %s", id)
	}

	var amount, price float64
	if mod.Amount != nil {
		amount = *mod.Amount
	}
	if mod.Price != nil {
		price = *mod.Price
	}
	ack, err := g.exchange.ModifyOrder(ctx, o.ExchangeID, amount, price)
	if err != nil {
		return order.Order{}, errors.Wrapf(err, "modify order %s", id)
	}

	o, err = g.orders.ModifyOrder(id, mod)
	if err != nil {
		return order.Order{}, err
	}
	if ack.OrderID != "" {
		g.applyMu.Lock()
		o, err = g.apply(id, ack)
		g.applyMu.Unlock()
	}
	g.metrics.RecordOrderModification(o.Instrument, telemetry.Millis(g.cfg.Clock().Sub(start)))
	return o, err
}

// precheck rejects modifications the registry would refuse before they reach
// the exchange.
func precheck(o order.Order, mod order.Modification) error {
	if mod.Amount != nil && (*mod.Amount <= 0 || *mod.Amount < o.FilledAmount) {
		return errors.Wrapf(exception.ErrOrderValidation, "amount %v with %v filled", *mod.Amount, o.FilledAmount)
	}
	if mod.Price != nil && (*mod.Price < 0 || (o.Type.RequiresPrice() && *mod.Price <= 0)) {
		return errors.Wrapf(exception.ErrOrderValidation, "price %v", *mod.Price)
	}
	return nil
}

// HandleOrderUpdate applies an exchange order update to the matching order.
// Unknown orders are imported.
func (g *Gateway) HandleOrderUpdate(u deribit.Order) {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()

	o, ok := g.resolve(u)
	if !ok {
		if _, err := g.importOrder(u); err != nil {
			logs.Warnf("import exchange order %s, err: %+v", u.OrderID, err)
		}
		return
	}
	if _, err := g.apply(o.ID, u); err != nil {
		logs.Warnf("apply exchange update of %s to %s, err: %+v", u.OrderID, o.ID, err)
	}
}

// resolve finds the local order of an exchange order, by exchange id or by the
// label of an order still waiting for its acknowledgement. The caller holds applyMu.
func (g *Gateway) resolve(u deribit.Order) (order.Order, bool) {
	if o, ok := g.orders.LookupExchangeID(u.OrderID); ok {
		return o, true
	}
	if u.Label == "" || u.OrderID == "" {
		return order.Order{}, false
	}

	o, ok := g.orders.GetOrder(u.Label)
	if !ok || o.ExchangeID != "" || o.Instrument != u.Instrument {
		return order.Order{}, false
	}
	if side, ok := orderSide(u.Direction); !ok || side != o.Side {
		return order.Order{}, false
	}
	if err := g.orders.BindExchangeID(o.ID, u.OrderID); err != nil {
		return order.Order{}, false
	}
	o.ExchangeID = u.OrderID
	return o, true
}

// apply moves the order to the state reported by the exchange. The caller
// holds applyMu.
func (g *Gateway) apply(id string, u deribit.Order) (order.Order, error) {
	o, ok := g.orders.GetOrder(id)
	if !ok {
		return order.Order{}, errors.Wrapf(exception.ErrOrderNotFound, "id: %s", id)
	}
	if o.Status.IsTerminal() {
		return o, nil
	}

	var err error
	if u.OrderState == deribit.StateRejected {
		if o.Status == order.StatusPending {
			return g.orders.Reject(id)
		}
		return o, nil
	}

	if o.Status == order.StatusPending && (u.OrderState != deribit.StateCancelled || u.FilledAmount > 0) {
		if o, err = g.orders.Acknowledge(id); err != nil {
			return o, err
		}
	}

	if u.FilledAmount > o.FilledAmount {
		if o, err = g.orders.ApplyFill(id, u.FilledAmount); err != nil {
			return o, err
		}
	}

	switch u.OrderState {
	case deribit.StateCancelled:
		if !o.Status.IsTerminal() {
			return g.orders.ExchangeCancel(id)
		}
	case deribit.StateFilled:
		if !o.Status.IsTerminal() {
			return o, errors.Wrapf(exception.ErrOrderInvalidState, "exchange reports %s filled at %v of %v", id, u.FilledAmount, o.Amount)
		}
	}
	return o, nil
}

func (g *Gateway) importOrder(u deribit.Order) (order.Order, error) {
	p, status, err := importParams(u)
	if err != nil {
		return order.Order{}, err
	}
	return g.orders.Import(p, status, u.FilledAmount, u.OrderID)
}

// Reconcile imports the open orders the exchange reports for the currencies
// that the registry does not know yet.
func (g *Gateway) Reconcile(ctx context.Context, currencies ...string) (int, error) {
	defer g.metrics.Measure(telemetry.CategoryExchange, "reconcile")()

	imported := 0
	for _, currency := range currencies {
		open, err := g.exchange.GetOpenOrders(ctx, currency)
		if err != nil {
			return imported, errors.Wrapf(err, "reconcile %s", currency)
		}
		for _, u := range open {
			if g.reconcile(u) {
				imported++
			}
		}
	}
	logs.Infof("reconciled %d open orders from exchange", imported)
	return imported, nil
}

// reconcile imports u unless a local order already owns it. It reports whether
// an order was imported.
func (g *Gateway) reconcile(u deribit.Order) bool {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()

	if _, ok := g.resolve(u); ok {
		return false
	}
	if _, err := g.importOrder(u); err != nil {
		logs.Warnf("import exchange order %s, err: %+v", u.OrderID, err)
		return false
	}
	return true
}

func (g *Gateway) Positions(ctx context.Context, currency string) ([]deribit.Position, error) {
	defer g.metrics.Measure(telemetry.CategoryExchange, "positions")()
	return g.exchange.GetPositions(ctx, currency)
}

func (g *Gateway) OrderBook(ctx context.Context, instrument string, depth int) (deribit.OrderBook, error) {
	defer g.metrics.Measure(telemetry.CategoryExchange, "order_book")()
	return g.exchange.GetOrderBook(ctx, instrument, depth)
}
