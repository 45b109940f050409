package deribit

import (
	"strconv"
	"time"

	"gateway/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

type Response[T any] struct {
	ID     int64          `json:"id"`
	Error  *ResponseError `json:"error,omitempty"`
	Result T              `json:"result"`
}

type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ResponseError) err() error {
	if e == nil {
		return nil
	}
	return errors.Wrapf(exception.ErrExchangeResponse, "code: %d, message: %s", e.Code, e.Message)
}

// Price is a number, or a string such as "market_price" which decodes as 0.
type Price float64

func (p *Price) UnmarshalJSON(b []byte) error {
	var f float64
	if err := sonic.Unmarshal(b, &f); err == nil {
		*p = Price(f)
		return nil
	}

	var s string
	if err := sonic.Unmarshal(b, &s); err != nil {
		return errors.Wrapf(err, "price %s", string(b))
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		f = 0
	}
	*p = Price(f)
	return nil
}

// Millis is a unix timestamp in milliseconds.
type Millis int64

func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m))
}

// Order states reported by the exchange.
const (
	StateOpen        = "open"
	StateFilled      = "filled"
	StateRejected    = "rejected"
	StateCancelled   = "cancelled"
	StateUntriggered = "untriggered"
)

type Order struct {
	OrderID      string  `json:"order_id"`
	Instrument   string  `json:"instrument_name"`
	Direction    string  `json:"direction"`
	Price        Price   `json:"price"`
	TriggerPrice float64 `json:"trigger_price"`
	Amount       float64 `json:"amount"`
	FilledAmount float64 `json:"filled_amount"`
	OrderType    string  `json:"order_type"`
	OrderState   string  `json:"order_state"`
	Label        string  `json:"label"`
	ReduceOnly   bool    `json:"reduce_only"`
	PostOnly     bool    `json:"post_only"`
	CreatedAt    Millis  `json:"creation_timestamp"`
	UpdatedAt    Millis  `json:"last_update_timestamp"`
}

type Trade struct {
	TradeID    string  `json:"trade_id"`
	OrderID    string  `json:"order_id"`
	Instrument string  `json:"instrument_name"`
	Price      float64 `json:"price"`
	Amount     float64 `json:"amount"`
	Direction  string  `json:"direction"`
	Timestamp  Millis  `json:"timestamp"`
}

type OrderResult struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

type Position struct {
	Instrument       string  `json:"instrument_name"`
	Direction        string  `json:"direction"`
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"average_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnL    float64 `json:"floating_profit_loss"`
	RealizedPnL      float64 `json:"realized_profit_loss"`
	LiquidationPrice float64 `json:"estimated_liquidation_price"`
}

// Level is [price, amount].
type Level [2]float64

type OrderBook struct {
	Instrument string  `json:"instrument_name"`
	Bids       []Level `json:"bids"`
	Asks       []Level `json:"asks"`
	Timestamp  Millis  `json:"timestamp"`
}

type token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}
