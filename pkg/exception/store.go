package exception

import "errors"

// Store errors
var (
	ErrStoreUnavailable = errors.New("store: unavailable")
	ErrAlreadySettled   = errors.New("store: trade already settled")
)
