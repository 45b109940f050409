package exception

import "errors"

var (
	ErrOrderValidation        = errors.New("order: validation failed")
	ErrOrderNotFound          = errors.New("order: not found")
	ErrOrderInvalidState      = errors.New("order: invalid state")
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
)

var (
	ErrOrderRejectedByExchange = errors.New("order: rejected by exchange")
	ErrOrderNotPlaced          = errors.New("order: not placed on exchange")
)
