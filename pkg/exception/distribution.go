package exception

import "errors"

// Distribution errors
var (
	// ErrSubscriberNotFound is returned when a subscriber id is not registered.
	ErrSubscriberNotFound = errors.New("distribution: subscriber not found")

	// ErrDeliveryFailed is returned by a delivery capability that could not hand off a payload.
	ErrDeliveryFailed = errors.New("distribution: delivery failed")

	ErrServerRunning  = errors.New("distribution: server already running")
	ErrInvalidControl = errors.New("distribution: invalid control message")
	ErrUnknownControl = errors.New("distribution: unknown control method")
)
