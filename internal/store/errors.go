// Package store defines the sentinel errors shared by all store backends.
//
// Backends (postgres, memory) implement the narrow per-consumer interfaces
// declared in the engine, registry, reconciler and api packages; the error
// values live here so that callers can errors.Is against one vocabulary
// regardless of backend.
package store

import "errors"

var (
	// ErrNotFound is returned when an operation or trigger id is unknown.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateID is returned on an id collision during create.
	ErrDuplicateID = errors.New("id already exists")

	// ErrDuplicateActivation is returned when an activation with the same
	// idempotency key was already recorded.
	ErrDuplicateActivation = errors.New("activation already recorded")
)
