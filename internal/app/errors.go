package app

import "errors"

// Synchronous failures surfaced to the UI layer. Everything that happens to
// a live session is terminal for it and reported through the observer
// instead of an error return.
var (
	ErrAlreadyInCall  = errors.New("already in a call")
	ErrUnknownSession = errors.New("unknown session")
	ErrSelfCall       = errors.New("cannot call yourself")
)
