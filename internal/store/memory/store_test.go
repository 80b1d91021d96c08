package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/store"
)

func newOperation(status domain.OperationStatus) domain.Operation {
	now := time.Now().UTC()
	return domain.Operation{
		ID:        uuid.New(),
		Status:    status,
		TriggerID: uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateOperation_DuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()

	op := newOperation(domain.OperationStatusInit)
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if err := s.CreateOperation(ctx, op); !errors.Is(err, store.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestUpdateOperationStatus_CAS(t *testing.T) {
	s := New()
	ctx := context.Background()

	op := newOperation(domain.OperationStatusInit)
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Mismatched precondition is a no-op, not an error.
	applied, err := s.UpdateOperationStatus(ctx, op.ID, domain.OperationStatusRegistered, domain.OperationStatusTriggered)
	if err != nil {
		t.Fatalf("CAS returned error: %v", err)
	}
	if applied {
		t.Error("CAS applied despite precondition mismatch")
	}

	got, _ := s.GetOperation(ctx, op.ID)
	if got.Status != domain.OperationStatusInit {
		t.Errorf("status changed to %s on failed CAS", got.Status)
	}

	// Matching precondition applies.
	applied, err = s.UpdateOperationStatus(ctx, op.ID, domain.OperationStatusInit, domain.OperationStatusRegistered)
	if err != nil || !applied {
		t.Fatalf("CAS should apply, got applied=%v err=%v", applied, err)
	}

	// Unknown id.
	if _, err := s.UpdateOperationStatus(ctx, uuid.New(), domain.OperationStatusInit, domain.OperationStatusFailed); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateOperationStatus_ConcurrentSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	op := newOperation(domain.OperationStatusRegistered)
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.UpdateOperationStatus(ctx, op.ID, domain.OperationStatusRegistered, domain.OperationStatusTriggered)
			if err != nil {
				t.Errorf("CAS error: %v", err)
				return
			}
			if applied {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winning CAS, got %d", winners)
	}
}

func TestCreateOperation_ConcurrentSameID(t *testing.T) {
	s := New()
	ctx := context.Background()

	op := newOperation(domain.OperationStatusInit)

	const racers = 8
	var wg sync.WaitGroup
	var successes, duplicates int
	var mu sync.Mutex

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateOperation(ctx, op)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, store.ErrDuplicateID):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || duplicates != racers-1 {
		t.Errorf("got %d successes and %d duplicates, want 1 and %d", successes, duplicates, racers-1)
	}
}

func TestBindings_IdempotentInsertAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	triggerID := uuid.New()
	opID := uuid.New()

	for i := 0; i < 2; i++ {
		if err := s.InsertBinding(ctx, triggerID, opID); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}
	count, _ := s.CountBindings(ctx, triggerID)
	if count != 1 {
		t.Errorf("expected 1 binding after duplicate insert, got %d", count)
	}

	for i := 0; i < 2; i++ {
		if err := s.DeleteBinding(ctx, triggerID, opID); err != nil {
			t.Fatalf("delete %d failed: %v", i, err)
		}
	}
	count, _ = s.CountBindings(ctx, triggerID)
	if count != 0 {
		t.Errorf("expected 0 bindings after delete, got %d", count)
	}
}

func TestInsertActivation_DuplicateKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	act := domain.Activation{
		ID:             uuid.New(),
		TriggerID:      uuid.New(),
		OperationID:    uuid.New(),
		ScheduledAt:    time.Now().UTC(),
		IdempotencyKey: "k1",
	}
	if err := s.InsertActivation(ctx, act); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	act.ID = uuid.New()
	if err := s.InsertActivation(ctx, act); !errors.Is(err, store.ErrDuplicateActivation) {
		t.Errorf("expected ErrDuplicateActivation, got %v", err)
	}
}

func TestListOrphanedBindings(t *testing.T) {
	s := New()
	ctx := context.Background()

	live := newOperation(domain.OperationStatusRegistered)
	dead := newOperation(domain.OperationStatusDeleted)
	s.CreateOperation(ctx, live)
	s.CreateOperation(ctx, dead)

	s.InsertBinding(ctx, live.TriggerID, live.ID)
	s.InsertBinding(ctx, dead.TriggerID, dead.ID)
	s.InsertBinding(ctx, uuid.New(), uuid.New()) // operation row missing entirely

	orphans, err := s.ListOrphanedBindings(ctx, 10)
	if err != nil {
		t.Fatalf("ListOrphanedBindings failed: %v", err)
	}
	if len(orphans) != 2 {
		t.Errorf("expected 2 orphaned bindings, got %d", len(orphans))
	}
	for _, b := range orphans {
		if b.OperationID == live.ID {
			t.Error("live binding reported as orphaned")
		}
	}
}
