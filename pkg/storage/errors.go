package storage

import "errors"

var (
	// ErrNotFound is returned when an execution does not exist or has been deleted.
	ErrNotFound = errors.New("execution not found")

	// ErrConflict is returned when an execution with the given ID already exists.
	ErrConflict = errors.New("execution already exists")
)
