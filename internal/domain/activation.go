package domain

import (
	"time"

	"github.com/google/uuid"
)

type ActivationStatus string

const (
	// ActivationStatusEmitted: recorded and handed to the bus; not yet
	// observed by the engine. The reconciler re-emits stale rows.
	ActivationStatusEmitted ActivationStatus = "emitted"
	// ActivationStatusConsumed: the engine processed (or deliberately
	// discarded) the activation.
	ActivationStatusConsumed ActivationStatus = "consumed"
)

// Activation is emitted by the trigger registry when a trigger fires for a
// bound operation. Delivery is at-least-once; consumers must treat
// duplicates as no-ops.
type Activation struct {
	ID uuid.UUID

	TriggerID   uuid.UUID
	OperationID uuid.UUID

	Status ActivationStatus

	ScheduledAt    time.Time // intended fire time (UTC)
	FiredAt        time.Time // actual emission time
	IdempotencyKey string

	CreatedAt time.Time
}
