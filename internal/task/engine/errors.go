package engine

import "errors"

var (
	ErrClosed       = errors.New("task scheduler closed")
	ErrUnknownMode  = errors.New("unknown scheduler mode")
	ErrHandlerPanic = errors.New("task handler panicked")
)

// Rejection reasons reported to metrics and the event bus.
const (
	reasonBlocking = "blocking_active"
	reasonInvalid  = "invalid_task"
	reasonClosed   = "closed"
)
