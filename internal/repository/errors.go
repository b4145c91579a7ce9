package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a uniqueness
// constraint, for example issuing a credential for an agent_name that
// already has one under a different flow than rotation.
var ErrConflict = errors.New("record already exists")
