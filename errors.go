package appmon

import "errors"

var (
	// ErrConfiguration marks a missing or invalid required parameter.
	ErrConfiguration = errors.New("configuration error")

	// ErrSourceUnavailable marks a live source target that cannot be resolved yet.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrInvalidToken marks a token that is malformed, tampered with or expired.
	ErrInvalidToken = errors.New("invalid token")

	// ErrStoreWrite marks a failed write to the time-bucket store.
	ErrStoreWrite = errors.New("store write failed")

	// ErrInvalidQuery marks a chart query with out of range parameters.
	ErrInvalidQuery = errors.New("invalid chart query")
)
