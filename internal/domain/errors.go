package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTerminalState     = errors.New("job already in terminal state")
	ErrNotCancellable    = errors.New("job can no longer be cancelled")
)
