package repository

import "errors"

// Storage sentinels. Callers match with errors.Is.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	// ErrNotInProgress is returned by signal updates on a session that is no longer running.
	ErrNotInProgress = errors.New("session not in progress")
)
