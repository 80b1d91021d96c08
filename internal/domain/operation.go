package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OperationStatus string

const (
	OperationStatusInit       OperationStatus = "init"
	OperationStatusRegistered OperationStatus = "registered"
	OperationStatusTriggered  OperationStatus = "triggered"
	OperationStatusExecuting  OperationStatus = "executing"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusDeleted    OperationStatus = "deleted"
)

// IsTerminal reports whether no further lifecycle transitions are expected,
// other than deletion.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed || s == OperationStatusDeleted
}

// Operation is a unit of scheduled work tracked through its lifecycle.
// The payload is opaque to the engine; it is handed verbatim to the
// execution backend when the operation fires.
type Operation struct {
	ID     uuid.UUID
	Status OperationStatus

	TriggerID uuid.UUID
	Payload   json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}
