package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint (email) would be violated.
var ErrConflict = errors.New("conflict")

// ErrPreconditionFailed is returned by guarded updates whose guard no longer holds.
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrContention is returned when an optimistic update keeps losing to
// concurrent writers. The record may exist; the update was not applied.
var ErrContention = errors.New("update contention")
