package exception

import "errors"

var (
	ErrInvalidParams    = errors.New("engine: invalid params")
	ErrInvalidPrice     = errors.New("engine: invalid price")
	ErrFeasibility      = errors.New("settle: closing price violates band")
	ErrInvalidTimeframe = errors.New("candle: invalid timeframe")
)

// Lock errors
var (
	// ErrLockHeld is returned when another process owns the scheduler lock.
	ErrLockHeld = errors.New("lock: held by another process")

	// ErrLockLost is returned when the lease expired or was taken over.
	ErrLockLost = errors.New("lock: lease lost")
)
