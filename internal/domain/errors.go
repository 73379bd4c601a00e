package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConnection        = errors.New("connection failed")
	ErrAuthentication    = errors.New("authentication failed")
	ErrSubscription      = errors.New("subscription failed")
	ErrExchangeOperation = errors.New("exchange operation failed")
	ErrValidation        = errors.New("validation failed")
	ErrNoPosition        = errors.New("no open position")
	ErrRateLimited       = errors.New("rate limited")
	ErrLeaseHeld         = errors.New("symbol lease already held")
	ErrWSDisconnect      = errors.New("websocket disconnected")
)
