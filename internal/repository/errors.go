package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a write lost an optimistic-concurrency race and
// should be retried by the caller.
var ErrConflict = errors.New("repository: version conflict")
