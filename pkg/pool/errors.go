package pool

import "errors"

var (
	// ErrInvalidCategory is returned when acquiring with an empty category.
	ErrInvalidCategory = errors.New("invalid category")

	// ErrClosed is returned by Acquire once the pool has been closed.
	ErrClosed = errors.New("pool closed")

	// ErrCreate wraps resource factory failures returned from Acquire.
	ErrCreate = errors.New("failed to create resource")
)
