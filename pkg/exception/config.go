package exception

import "errors"

var (
	ErrConfigNoInstrument = errors.New("config: no instrument configured")
	ErrConfigInvalid      = errors.New("config: invalid value")
)
