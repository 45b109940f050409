package gateway

import (
	"context"
	"strings"

	"gateway/internal/order"
	"gateway/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	MethodPlaceOrder  = "order.place"
	MethodCancelOrder = "order.cancel"
	MethodModifyOrder = "order.modify"

	commandPrefix = "order."
)

// Command is a trading request of a subscriber, e.g.
// {"method":"order.place","requestId":"7","instrument":"BTC-PERPETUAL","type":"limit","side":"buy","amount":10,"price":50000}.
type Command struct {
	Method     string   `json:"method"`
	RequestID  string   `json:"requestId,omitempty"`
	ID         string   `json:"id,omitempty"`
	Instrument string   `json:"instrument,omitempty"`
	Type       string   `json:"type,omitempty"`
	Side       string   `json:"side,omitempty"`
	Amount     *float64 `json:"amount,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	StopPrice  float64  `json:"stopPrice,omitempty"`
	ReduceOnly bool     `json:"reduceOnly,omitempty"`
	PostOnly   bool     `json:"postOnly,omitempty"`
	Label      string   `json:"label,omitempty"`
}

// CommandReply answers a Command. Order is the order after the command.
type CommandReply struct {
	Method    string              `json:"method"`
	RequestID string              `json:"requestId,omitempty"`
	Result    string              `json:"result,omitempty"`
	Canceled  *bool               `json:"canceled,omitempty"`
	Order     *order.OrderMessage `json:"order,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func isCommand(msg []byte) bool {
	var head struct {
		Method string `json:"method"`
	}
	if err := sonic.Unmarshal(msg, &head); err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(head.Method)), commandPrefix)
}

// HandleCommand executes a trading command and returns the reply to send back.
func (g *Gateway) HandleCommand(ctx context.Context, msg []byte) ([]byte, error) {
	var c Command
	if err := sonic.Unmarshal(msg, &c); err != nil {
		err = errors.Wrap(exception.ErrInvalidControl, err.Error())
		return encodeCommandReply(CommandReply{Error: err.Error()}), err
	}
	c.Method = strings.ToLower(strings.TrimSpace(c.Method))

	reply := CommandReply{Method: c.Method, RequestID: c.RequestID}
	err := g.execute(ctx, c, &reply)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Result = "ok"
	}
	return encodeCommandReply(reply), err
}

func (g *Gateway) execute(ctx context.Context, c Command, reply *CommandReply) error {
	if !g.cfg.Private {
		return exception.ErrTradingDisabled
	}

	var (
		o   order.Order
		err error
	)
	switch c.Method {
	case MethodPlaceOrder:
		var p order.Params
		if p, err = c.params(); err != nil {
			return err
		}
		o, err = g.PlaceOrder(ctx, p)
	case MethodCancelOrder:
		var canceled bool
		if canceled, err = g.CancelOrder(ctx, c.ID); err != nil {
			return err
		}
		reply.Canceled = &canceled
		o, _ = g.orders.GetOrder(c.ID)
	case MethodModifyOrder:
		o, err = g.ModifyOrder(ctx, c.ID, order.Modification{Price: c.Price, Amount: c.Amount})
	default:
		return errors.Wrapf(exception.ErrUnknownControl, "method: %q", c.Method)
	}
	if err != nil {
		return err
	}

	msg := o.Message()
	reply.Order = &msg
	return nil
}

func (c Command) params() (order.Params, error) {
	typ, ok := orderType(c.Type)
	if !ok {
		return order.Params{}, errors.Wrapf(exception.ErrOrderValidation, "order type %q", c.Type)
	}
	side, ok := orderSide(c.Side)
	if !ok {
		return order.Params{}, errors.Wrapf(exception.ErrOrderValidation, "side %q", c.Side)
	}

	p := order.Params{
		Instrument: strings.TrimSpace(c.Instrument),
		Type:       typ,
		Side:       side,
		StopPrice:  c.StopPrice,
		ReduceOnly: c.ReduceOnly,
		PostOnly:   c.PostOnly,
		Label:      c.Label,
	}
	if c.Amount != nil {
		p.Amount = *c.Amount
	}
	if c.Price != nil {
		p.Price = *c.Price
	}
	return p, nil
}

func encodeCommandReply(r CommandReply) []byte {
	buf, err := sonic.Marshal(r)
	if err != nil {
		logs.Errorf("marshal command reply, err: %+v", err)
		return []byte(`{"error":"internal"}`)
	}
	return buf
}
