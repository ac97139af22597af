package storage

import "errors"

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a whale transaction with the same
	// hash is already stored. Whale rows are never updated.
	ErrDuplicateKey = errors.New("duplicate key: whale transaction already stored")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
