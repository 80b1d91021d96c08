// Package gateway defines the asynchronous request/response contract
// between callers and the operation engine. The engine is transport
// agnostic: it consumes Requests, emits one Response per correlation id and
// publishes one-way Events. Transports deliver at-least-once, so every
// command must be idempotent keyed by operation id.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
)

type RequestKind string

const (
	KindCreateOperation RequestKind = "create_operation"
	KindDeleteOperation RequestKind = "delete_operation"
)

// CreateOperation asks the engine to create and register an operation.
// OperationID is optional; the engine assigns one when absent. Supplying it
// makes retries idempotent.
type CreateOperation struct {
	OperationID *uuid.UUID
	TriggerID   *uuid.UUID // optional; assigned when absent
	Trigger     domain.TriggerSpec
	Payload     json.RawMessage
}

type DeleteOperation struct {
	OperationID uuid.UUID
}

// Request is one inbound command. Exactly one of Create/Delete is set,
// matching Kind.
type Request struct {
	CorrelationID string
	Kind          RequestKind

	Create *CreateOperation
	Delete *DeleteOperation

	ReceivedAt time.Time
}

type ErrorKind string

const (
	ErrorKindNotFound       ErrorKind = "not_found"
	ErrorKindDuplicateID    ErrorKind = "duplicate_id"
	ErrorKindInvalidTrigger ErrorKind = "invalid_trigger"
	ErrorKindConflict       ErrorKind = "conflict"
	ErrorKindInternal       ErrorKind = "internal"
)

// Error distinguishes a bad request (invalid trigger, duplicate id) from an
// infrastructure failure, so callers can decide whether to retry.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

type Response struct {
	CorrelationID string
	OperationID   uuid.UUID
	Status        domain.OperationStatus
	Err           *Error
}

type EventType string

const (
	EventOperationCompleted EventType = "operation_completed"
	EventOperationFailed    EventType = "operation_failed"
)

// Event is a one-way completion notification published after an execution
// finishes.
type Event struct {
	Type        EventType
	OperationID uuid.UUID
	TriggerID   uuid.UUID
	At          time.Time
}

// Gateway is the duplex message transport as seen by the engine.
type Gateway interface {
	// Receive blocks until a request arrives or ctx is done.
	Receive(ctx context.Context) (Request, error)
	// Reply delivers the response for the given correlation id.
	Reply(ctx context.Context, correlationID string, resp Response) error
	// Publish emits a one-way event.
	Publish(ctx context.Context, ev Event) error
}
