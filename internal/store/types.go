package store

import "github.com/google/uuid"

// Binding associates an operation with the trigger that activates it.
type Binding struct {
	TriggerID   uuid.UUID
	OperationID uuid.UUID
}
