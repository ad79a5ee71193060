package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLeaseHeld     = errors.New("lease held by another process")

	// ErrConfiguration is returned when endpoint or credential material is
	// missing. It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotInitialized is returned by venue calls made before a session exists.
	ErrNotInitialized = errors.New("venue session not initialized")

	// ErrVenueUnavailable is returned when oracle or price data cannot be read.
	ErrVenueUnavailable = errors.New("venue unavailable")

	// ErrUnsupportedTransactionType is returned by SignAndSend for transaction
	// shapes the adapter cannot execute (delegated or off-chain signed).
	ErrUnsupportedTransactionType = errors.New("unsupported transaction type")

	ErrCellOccupied = errors.New("grid cell occupied")
	ErrCellElapsed  = errors.New("grid cell already elapsed")
	ErrGridNotReady = errors.New("grid price step not established")

	ErrInvalidGranularity = errors.New("grid granularity must be positive")
)
