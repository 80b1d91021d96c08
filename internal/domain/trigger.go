package domain

import (
	"time"

	"github.com/google/uuid"
)

type TriggerStatus string

const (
	TriggerStatusScheduled TriggerStatus = "scheduled"
	TriggerStatusExhausted TriggerStatus = "exhausted"
	TriggerStatusCancelled TriggerStatus = "cancelled"
)

// TriggerSpec is the caller-supplied definition of a trigger: a type tag
// plus type-specific properties (cron expression, interval, window bounds).
type TriggerSpec struct {
	Type       string
	Properties map[string]string
}

// Trigger is a reusable schedule definition. Many operations may bind to
// one trigger; the record is reclaimed when the last binding is removed.
type Trigger struct {
	ID     uuid.UUID
	Status TriggerStatus
	Spec   TriggerSpec

	CreatedAt time.Time
	UpdatedAt time.Time
}
