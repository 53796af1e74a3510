package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a conditional write lost to a concurrent writer.
	ErrConflict = errors.New("repository: conflict")
	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("repository: duplicate")
)
