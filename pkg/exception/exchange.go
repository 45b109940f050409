package exception

import "errors"

var (
	ErrExchangeResponse       = errors.New("exchange: response contains error")
	ErrExchangeUnauthorized   = errors.New("exchange: not authenticated")
	ErrExchangeMissingKey     = errors.New("exchange: missing api key or secret")
	ErrExchangeEmptyResult    = errors.New("exchange: empty result")
	ErrExchangeUnsupportedArg = errors.New("exchange: unsupported argument")
	ErrTradingDisabled        = errors.New("exchange: trading session disabled")
)
