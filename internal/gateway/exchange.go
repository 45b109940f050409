package gateway

import (
	"context"
	"strings"

	"gateway/internal/exchange/deribit"
	"gateway/internal/order"
	"gateway/pkg/exception"

	"github.com/yanun0323/errors"
)

// Exchange is the trading session with the venue.
type Exchange interface {
	PlaceOrder(ctx context.Context, req deribit.OrderRequest) (deribit.Order, error)
	CancelOrder(ctx context.Context, orderID string) (deribit.Order, error)
	ModifyOrder(ctx context.Context, orderID string, amount, price float64) (deribit.Order, error)
	GetOrderBook(ctx context.Context, instrument string, depth int) (deribit.OrderBook, error)
	GetPositions(ctx context.Context, currency string) ([]deribit.Position, error)
	GetOpenOrders(ctx context.Context, currency string) ([]deribit.Order, error)
}

// Feed streams exchange notifications.
type Feed interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Observe(ctx context.Context, onMarket func(deribit.MarketEvent), onOrder func(deribit.Order)) (unsubscribe func())
}

func exchangeType(t order.Type) string {
	switch t {
	case order.TypeMarket:
		return deribit.TypeMarket
	case order.TypeStopLimit:
		return deribit.TypeStopLimit
	case order.TypeStopMarket:
		return deribit.TypeStopMarket
	default:
		return deribit.TypeLimit
	}
}

func orderType(s string) (order.Type, bool) {
	switch strings.ToLower(s) {
	case deribit.TypeLimit:
		return order.TypeLimit, true
	case deribit.TypeMarket:
		return order.TypeMarket, true
	case deribit.TypeStopLimit:
		return order.TypeStopLimit, true
	case deribit.TypeStopMarket:
		return order.TypeStopMarket, true
	default:
		return 0, false
	}
}

func exchangeDirection(s order.Side) string {
	if s == order.SideSell {
		return deribit.DirectionSell
	}
	return deribit.DirectionBuy
}

func orderSide(s string) (order.Side, bool) {
	switch strings.ToLower(s) {
	case deribit.DirectionBuy:
		return order.SideBuy, true
	case deribit.DirectionSell:
		return order.SideSell, true
	default:
		return 0, false
	}
}

// orderRequest builds the exchange request of the local order id. The id is
// sent as the label.
func orderRequest(id string, p order.Params) deribit.OrderRequest {
	return deribit.OrderRequest{
		Instrument:   p.Instrument,
		Direction:    exchangeDirection(p.Side),
		Type:         exchangeType(p.Type),
		Amount:       p.Amount,
		Price:        p.Price,
		TriggerPrice: p.StopPrice,
		Label:        id,
		ReduceOnly:   p.ReduceOnly,
		PostOnly:     p.PostOnly,
	}
}

// importParams rebuilds the params of an order reported by the exchange.
func importParams(o deribit.Order) (order.Params, order.Status, error) {
	typ, ok := orderType(o.OrderType)
	if !ok {
		return order.Params{}, 0, errors.Wrapf(exception.ErrExchangeUnsupportedArg, "order type %q", o.OrderType)
	}
	side, ok := orderSide(o.Direction)
	if !ok {
		return order.Params{}, 0, errors.Wrapf(exception.ErrExchangeUnsupportedArg, "direction %q", o.Direction)
	}

	status := order.StatusOpen
	switch {
	case o.OrderState == deribit.StateFilled || (o.Amount > 0 && o.FilledAmount >= o.Amount):
		status = order.StatusFilled
	case o.OrderState == deribit.StateCancelled:
		status = order.StatusCanceled
	case o.OrderState == deribit.StateRejected:
		status = order.StatusRejected
	case o.FilledAmount > 0:
		status = order.StatusPartiallyFilled
	}

	return order.Params{
		Instrument: o.Instrument,
		Type:       typ,
		Side:       side,
		Price:      float64(o.Price),
		StopPrice:  o.TriggerPrice,
		Amount:     o.Amount,
		ReduceOnly: o.ReduceOnly,
		PostOnly:   o.PostOnly,
		Label:      o.Label,
	}, status, nil
}

// instrumentOf returns the instrument of a channel like book.BTC-PERPETUAL.100ms.
func instrumentOf(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) < 2 {
		return channel
	}
	return parts[1]
}
