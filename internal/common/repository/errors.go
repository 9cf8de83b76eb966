package repository

import "errors"

// Sentinel errors shared by the storage adapters.
var (
	// ErrNotFound reports a missing entity.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateKey reports a unique constraint violation.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrOptimisticLock reports a concurrent modification conflict.
	ErrOptimisticLock = errors.New("optimistic lock failed")
)
