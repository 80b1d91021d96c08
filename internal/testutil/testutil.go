// Package testutil provides shared clock, context and fixture helpers for
// opengine tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
)

// FakeClock is a deterministic time source. Pass its Now method wherever a
// clock func is injectable.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
// Only for use in tests.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// Operation builds an operation in the given status, bound to a fresh
// trigger id. Tests overwrite fields as needed before persisting.
func Operation(status domain.OperationStatus, at time.Time) domain.Operation {
	return domain.Operation{
		ID:        uuid.New(),
		Status:    status,
		TriggerID: uuid.New(),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Activation builds an emitted activation for the given binding, scheduled
// and fired at the same instant, with a unique idempotency key.
func Activation(triggerID, operationID uuid.UUID, at time.Time) domain.Activation {
	return domain.Activation{
		ID:             uuid.New(),
		TriggerID:      triggerID,
		OperationID:    operationID,
		Status:         domain.ActivationStatusEmitted,
		ScheduledAt:    at,
		FiredAt:        at,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      at,
	}
}
