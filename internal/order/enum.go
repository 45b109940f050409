package order

// Type limit, market, stop limit, stop market
type Type uint8

const (
	_type_beg Type = iota
	TypeLimit
	TypeMarket
	TypeStopLimit
	TypeStopMarket
	_type_end
)

func (t Type) IsAvailable() bool {
	return t > _type_beg && t < _type_end
}

// RequiresPrice reports whether orders of this type rest at a limit price.
func (t Type) RequiresPrice() bool {
	return t == TypeLimit || t == TypeStopLimit
}

func (t Type) IsStop() bool {
	return t == TypeStopLimit || t == TypeStopMarket
}

func (t Type) String() string {
	switch t {
	case TypeLimit:
		return "LIMIT"
	case TypeMarket:
		return "MARKET"
	case TypeStopLimit:
		return "STOP_LIMIT"
	case TypeStopMarket:
		return "STOP_MARKET"
	default:
		return "UNKNOWN"
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Side buy, sell
type Side uint8

const (
	_side_beg Side = iota
	SideBuy
	SideSell
	_side_end
)

func (s Side) IsAvailable() bool {
	return s > _side_beg && s < _side_end
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status pending, open, partially filled, filled, canceled, rejected, expired
type Status uint8

const (
	_status_beg Status = iota
	StatusPending
	StatusOpen
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
	StatusExpired
	_status_end
)

func (s Status) IsAvailable() bool {
	return s > _status_beg && s < _status_end
}

// IsTerminal reports whether no further mutation is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusOpen:
		return "OPEN"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the allowed edges of the order status machine.
// PENDING -> CANCELED covers a local cancel issued before the exchange acknowledged.
var transitions = map[Status][]Status{
	StatusPending:         {StatusOpen, StatusRejected, StatusCanceled},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCanceled},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
