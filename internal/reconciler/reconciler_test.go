package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/registry"
	"github.com/opengine-io/opengine/internal/store"
	"github.com/opengine-io/opengine/internal/store/memory"
)

type mockEmitter struct {
	mu          sync.Mutex
	activations []domain.Activation
	err         error
}

func (e *mockEmitter) Emit(ctx context.Context, act domain.Activation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.activations = append(e.activations, act)
	return nil
}

func (e *mockEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.activations)
}

func newTestReconciler(st *memory.Store, emitter *mockEmitter, now time.Time) (*Reconciler, *registry.Registry) {
	reg := registry.New(registry.Config{TickInterval: time.Second}, st, emitter,
		registry.WithClock(func() time.Time { return now }))
	rec := New(Config{
		Interval:  time.Minute,
		Threshold: 10 * time.Minute,
		Retention: 24 * time.Hour,
		BatchSize: 100,
	}, st, reg, emitter)
	rec.clock = func() time.Time { return now }
	return rec, reg
}

func seedOperation(t *testing.T, st *memory.Store, status domain.OperationStatus, at time.Time) domain.Operation {
	t.Helper()
	op := domain.Operation{
		ID:        uuid.New(),
		Status:    status,
		TriggerID: uuid.New(),
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := st.CreateOperation(context.Background(), op); err != nil {
		t.Fatalf("seed operation failed: %v", err)
	}
	return op
}

func TestReconciler_ReemitsOrphanedActivations(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	st := memory.New()
	emitter := &mockEmitter{}
	rec, _ := newTestReconciler(st, emitter, now)

	op := seedOperation(t, st, domain.OperationStatusRegistered, now.Add(-time.Hour))

	old := domain.Activation{
		ID:             uuid.New(),
		TriggerID:      op.TriggerID,
		OperationID:    op.ID,
		Status:         domain.ActivationStatusEmitted,
		ScheduledAt:    now.Add(-time.Hour),
		FiredAt:        now.Add(-time.Hour),
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now.Add(-time.Hour),
	}
	fresh := old
	fresh.ID = uuid.New()
	fresh.IdempotencyKey = uuid.NewString()
	fresh.CreatedAt = now.Add(-time.Minute)

	for _, act := range []domain.Activation{old, fresh} {
		if err := st.InsertActivation(context.Background(), act); err != nil {
			t.Fatalf("seed activation failed: %v", err)
		}
	}

	rec.RunCycle(context.Background())

	// Only the stale one is re-emitted; the fresh one may still be in
	// flight on the bus.
	if emitter.count() != 1 {
		t.Fatalf("expected 1 re-emitted activation, got %d", emitter.count())
	}
	emitter.mu.Lock()
	got := emitter.activations[0].ID
	emitter.mu.Unlock()
	if got != old.ID {
		t.Errorf("expected stale activation %s re-emitted, got %s", old.ID, got)
	}
}

func TestReconciler_ConsumedActivationsLeftAlone(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	st := memory.New()
	emitter := &mockEmitter{}
	rec, _ := newTestReconciler(st, emitter, now)

	op := seedOperation(t, st, domain.OperationStatusCompleted, now.Add(-time.Hour))
	act := domain.Activation{
		ID:             uuid.New(),
		TriggerID:      op.TriggerID,
		OperationID:    op.ID,
		Status:         domain.ActivationStatusEmitted,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now.Add(-time.Hour),
	}
	if err := st.InsertActivation(context.Background(), act); err != nil {
		t.Fatalf("seed activation failed: %v", err)
	}
	if err := st.MarkActivationConsumed(context.Background(), act.ID); err != nil {
		t.Fatalf("mark consumed failed: %v", err)
	}

	rec.RunCycle(context.Background())

	if emitter.count() != 0 {
		t.Errorf("expected no re-emits for consumed activation, got %d", emitter.count())
	}
}

func TestReconciler_FailsStuckInits(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	st := memory.New()
	rec, _ := newTestReconciler(st, &mockEmitter{}, now)

	stuck := seedOperation(t, st, domain.OperationStatusInit, now.Add(-time.Hour))
	recent := seedOperation(t, st, domain.OperationStatusInit, now.Add(-time.Minute))

	rec.RunCycle(context.Background())

	got, err := st.GetOperation(context.Background(), stuck.ID)
	if err != nil {
		t.Fatalf("get operation failed: %v", err)
	}
	if got.Status != domain.OperationStatusFailed {
		t.Errorf("expected stuck init failed, got %s", got.Status)
	}

	got, err = st.GetOperation(context.Background(), recent.ID)
	if err != nil {
		t.Fatalf("get operation failed: %v", err)
	}
	if got.Status != domain.OperationStatusInit {
		t.Errorf("expected recent init untouched, got %s", got.Status)
	}
}

func TestReconciler_RemovesOrphanedBindings(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	st := memory.New()
	emitter := &mockEmitter{}
	rec, reg := newTestReconciler(st, emitter, now)

	op := seedOperation(t, st, domain.OperationStatusRegistered, now.Add(-time.Hour))
	spec := domain.TriggerSpec{
		Type:       "at",
		Properties: map[string]string{"fire_at": now.Add(time.Hour).Format(time.RFC3339)},
	}
	if err := reg.Register(context.Background(), op.TriggerID, op.ID, spec); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Crash between status update and unregister: the binding survived the
	// delete.
	if ok, err := st.UpdateOperationStatus(context.Background(), op.ID, domain.OperationStatusRegistered, domain.OperationStatusDeleted); err != nil || !ok {
		t.Fatalf("seed delete failed: ok=%v err=%v", ok, err)
	}

	rec.RunCycle(context.Background())

	if _, ok := reg.NextActivation(op.TriggerID); ok {
		t.Error("expected orphaned trigger removed from index")
	}
	orphans, err := st.ListOrphanedBindings(context.Background(), 10)
	if err != nil {
		t.Fatalf("list orphaned bindings failed: %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("expected no orphaned bindings left, got %d", len(orphans))
	}
}

func TestReconciler_PurgesOldDeletedOperations(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	st := memory.New()
	rec, _ := newTestReconciler(st, &mockEmitter{}, now)

	old := seedOperation(t, st, domain.OperationStatusDeleted, now.Add(-48*time.Hour))
	recent := seedOperation(t, st, domain.OperationStatusDeleted, now.Add(-time.Hour))

	rec.RunCycle(context.Background())

	if _, err := st.GetOperation(context.Background(), old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected old deleted operation purged, got %v", err)
	}
	if _, err := st.GetOperation(context.Background(), recent.ID); err != nil {
		t.Errorf("expected recent deleted operation retained, got %v", err)
	}
}

func TestReconciler_PurgesDeadTriggers(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	st := memory.New()
	rec, _ := newTestReconciler(st, &mockEmitter{}, now)

	dead := domain.Trigger{
		ID:        uuid.New(),
		Spec:      domain.TriggerSpec{Type: "at", Properties: map[string]string{"fire_at": now.Format(time.RFC3339)}},
		Status:    domain.TriggerStatusCancelled,
		CreatedAt: now.Add(-72 * time.Hour),
		UpdatedAt: now.Add(-48 * time.Hour),
	}
	recent := dead
	recent.ID = uuid.New()
	recent.Status = domain.TriggerStatusExhausted
	recent.UpdatedAt = now.Add(-time.Hour)

	for _, trig := range []domain.Trigger{dead, recent} {
		if err := st.CreateTrigger(context.Background(), trig); err != nil {
			t.Fatalf("seed trigger failed: %v", err)
		}
	}

	rec.RunCycle(context.Background())

	if _, err := st.GetTrigger(context.Background(), dead.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected dead trigger purged, got %v", err)
	}
	if _, err := st.GetTrigger(context.Background(), recent.ID); err != nil {
		t.Errorf("expected recent dead trigger retained, got %v", err)
	}
}

func TestReconciler_EmitFailureRetriesNextCycle(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	st := memory.New()
	emitter := &mockEmitter{err: errors.New("buffer full")}
	rec, _ := newTestReconciler(st, emitter, now)

	op := seedOperation(t, st, domain.OperationStatusRegistered, now.Add(-time.Hour))
	act := domain.Activation{
		ID:             uuid.New(),
		TriggerID:      op.TriggerID,
		OperationID:    op.ID,
		Status:         domain.ActivationStatusEmitted,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now.Add(-time.Hour),
	}
	if err := st.InsertActivation(context.Background(), act); err != nil {
		t.Fatalf("seed activation failed: %v", err)
	}

	rec.RunCycle(context.Background())

	// Still orphaned: the next cycle picks it up again.
	orphans, err := st.ListOrphanedActivations(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("list orphaned activations failed: %v", err)
	}
	if len(orphans) != 1 {
		t.Errorf("expected activation still orphaned, got %d", len(orphans))
	}
}
