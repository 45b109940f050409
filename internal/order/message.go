package order

import "time"

// OrderMessage is the wire form of an Order.
type OrderMessage struct {
	ID           string    `json:"id"`
	ExchangeID   string    `json:"exchangeId,omitempty"`
	Instrument   string    `json:"instrument"`
	Type         Type      `json:"type"`
	Side         Side      `json:"side"`
	Price        float64   `json:"price"`
	StopPrice    float64   `json:"stopPrice,omitempty"`
	Amount       float64   `json:"amount"`
	FilledAmount float64   `json:"filledAmount"`
	Remaining    float64   `json:"remaining"`
	ReduceOnly   bool      `json:"reduceOnly"`
	PostOnly     bool      `json:"postOnly"`
	Label        string    `json:"label,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (o Order) Message() OrderMessage {
	return OrderMessage{
		ID:           o.ID,
		ExchangeID:   o.ExchangeID,
		Instrument:   o.Instrument,
		Type:         o.Type,
		Side:         o.Side,
		Price:        o.Price,
		StopPrice:    o.StopPrice,
		Amount:       o.Amount,
		FilledAmount: o.FilledAmount,
		Remaining:    o.RemainingAmount(),
		ReduceOnly:   o.ReduceOnly,
		PostOnly:     o.PostOnly,
		Label:        o.Label,
		Status:       o.Status,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

// EventMessage is the wire form of an Event, published to subscribers and sinks.
type EventMessage struct {
	Event EventKind `json:"event"`
	OrderMessage
	From *Status   `json:"from,omitempty"`
	At   time.Time `json:"at"`
}

func (e Event) Message() EventMessage {
	msg := EventMessage{
		Event:        e.Kind,
		OrderMessage: e.Order.Message(),
		At:           e.At,
	}
	if e.Kind == EventStatusChanged {
		from := e.From
		msg.From = &from
	}
	return msg
}
