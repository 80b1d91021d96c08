package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/store/memory"
)

// mockEmitter tracks emitted activations.
type mockEmitter struct {
	mu          sync.Mutex
	activations []domain.Activation
}

func (e *mockEmitter) Emit(ctx context.Context, act domain.Activation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activations = append(e.activations, act)
	return nil
}

func (e *mockEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.activations)
}

func oneShotSpec(at time.Time) domain.TriggerSpec {
	return domain.TriggerSpec{
		Type:       "at",
		Properties: map[string]string{"fire_at": at.Format(time.RFC3339)},
	}
}

func intervalSpec(every string, start time.Time) domain.TriggerSpec {
	return domain.TriggerSpec{
		Type: "interval",
		Properties: map[string]string{
			"every":    every,
			"start_at": start.Format(time.RFC3339),
		},
	}
}

func newTestRegistry(st Store, emitter EventEmitter, now time.Time) *Registry {
	r := New(Config{TickInterval: time.Second}, st, emitter)
	r.clock = func() time.Time { return now }
	return r
}

func TestRegistry_RegisterSchedulesNextActivation(t *testing.T) {
	st := memory.New()
	emitter := &mockEmitter{}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	fireAt := now.Add(time.Hour)

	reg := newTestRegistry(st, emitter, now)

	triggerID := uuid.New()
	operationID := uuid.New()

	if err := reg.Register(context.Background(), triggerID, operationID, oneShotSpec(fireAt)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	next, ok := reg.NextActivation(triggerID)
	if !ok {
		t.Fatal("expected trigger in index")
	}
	if !next.Equal(fireAt) {
		t.Errorf("expected next activation %s, got %s", fireAt, next)
	}

	trig, err := st.GetTrigger(context.Background(), triggerID)
	if err != nil {
		t.Fatalf("get trigger failed: %v", err)
	}
	if trig.Status != domain.TriggerStatusScheduled {
		t.Errorf("expected scheduled status, got %s", trig.Status)
	}
}

func TestRegistry_RegisterPastOneShotNeverFires(t *testing.T) {
	st := memory.New()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	reg := newTestRegistry(st, &mockEmitter{}, now)

	err := reg.Register(context.Background(), uuid.New(), uuid.New(), oneShotSpec(now.Add(-time.Hour)))
	if !errors.Is(err, ErrNeverFires) {
		t.Fatalf("expected ErrNeverFires, got %v", err)
	}
}

// bindFailStore fails InsertBinding while delegating everything else.
type bindFailStore struct {
	*memory.Store
	bindErr error
}

func (s *bindFailStore) InsertBinding(ctx context.Context, triggerID, operationID uuid.UUID) error {
	if s.bindErr != nil {
		return s.bindErr
	}
	return s.Store.InsertBinding(ctx, triggerID, operationID)
}

func TestRegistry_RegisterBindingFailureCancelsTrigger(t *testing.T) {
	st := &bindFailStore{Store: memory.New(), bindErr: errors.New("connection reset")}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	reg := newTestRegistry(st, &mockEmitter{}, now)

	triggerID := uuid.New()
	err := reg.Register(context.Background(), triggerID, uuid.New(), oneShotSpec(now.Add(time.Hour)))
	if err == nil {
		t.Fatal("expected register to fail")
	}

	if _, ok := reg.NextActivation(triggerID); ok {
		t.Error("expected trigger left out of index")
	}

	// The trigger row must not stay scheduled with zero bindings.
	trig, err := st.GetTrigger(context.Background(), triggerID)
	if err != nil {
		t.Fatalf("get trigger failed: %v", err)
	}
	if trig.Status != domain.TriggerStatusCancelled {
		t.Errorf("expected cancelled status, got %s", trig.Status)
	}

	// A fresh registry must not resurrect it either.
	fresh := newTestRegistry(st.Store, &mockEmitter{}, now)
	if err := fresh.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if _, ok := fresh.NextActivation(triggerID); ok {
		t.Error("expected trigger absent after recovery")
	}
}

func TestRegistry_TickEmitsForEachBoundOperation(t *testing.T) {
	st := memory.New()
	emitter := &mockEmitter{}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	fireAt := now.Add(time.Minute)

	reg := newTestRegistry(st, emitter, now)

	triggerID := uuid.New()
	opA := uuid.New()
	opB := uuid.New()

	for _, opID := range []uuid.UUID{opA, opB} {
		if err := reg.Register(context.Background(), triggerID, opID, oneShotSpec(fireAt)); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}

	// Before the fire time: nothing due.
	if err := reg.ProcessTick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if emitter.count() != 0 {
		t.Fatalf("expected no activations before fire time, got %d", emitter.count())
	}

	reg.clock = func() time.Time { return fireAt.Add(time.Second) }
	if err := reg.ProcessTick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if emitter.count() != 2 {
		t.Fatalf("expected 2 activations (one per operation), got %d", emitter.count())
	}

	// One-shot fired: trigger is exhausted and out of the index.
	if _, ok := reg.NextActivation(triggerID); ok {
		t.Error("expected trigger removed from index after exhaustion")
	}
	trig, err := st.GetTrigger(context.Background(), triggerID)
	if err != nil {
		t.Fatalf("get trigger failed: %v", err)
	}
	if trig.Status != domain.TriggerStatusExhausted {
		t.Errorf("expected exhausted status, got %s", trig.Status)
	}
}

func TestRegistry_TickIdempotentAcrossRestart(t *testing.T) {
	st := memory.New()
	emitter := &mockEmitter{}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	start := now.Add(time.Minute)

	reg := newTestRegistry(st, emitter, now)

	triggerID := uuid.New()
	operationID := uuid.New()
	spec := intervalSpec("1m", start)

	if err := reg.Register(context.Background(), triggerID, operationID, spec); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	after := start.Add(time.Second)
	reg.clock = func() time.Time { return after }
	if err := reg.ProcessTick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if emitter.count() != 1 {
		t.Fatalf("expected 1 activation, got %d", emitter.count())
	}

	// Restart: a fresh registry recovers from the store and replays the
	// same window. The activation idempotency key suppresses the duplicate.
	reg2 := newTestRegistry(st, emitter, start.Add(-time.Second))
	if err := reg2.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	reg2.clock = func() time.Time { return after }
	if err := reg2.ProcessTick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if emitter.count() != 1 {
		t.Errorf("expected 1 activation after replay (idempotent), got %d", emitter.count())
	}
}

func TestRegistry_TickCatchesUpMissedActivations(t *testing.T) {
	st := memory.New()
	emitter := &mockEmitter{}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	start := now.Add(time.Minute)

	reg := newTestRegistry(st, emitter, now)

	triggerID := uuid.New()
	operationID := uuid.New()

	if err := reg.Register(context.Background(), triggerID, operationID, intervalSpec("1m", start)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Clock jumps past three grid points; all three are emitted.
	reg.clock = func() time.Time { return start.Add(2*time.Minute + 30*time.Second) }
	if err := reg.ProcessTick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if emitter.count() != 3 {
		t.Fatalf("expected 3 catch-up activations, got %d", emitter.count())
	}

	next, ok := reg.NextActivation(triggerID)
	if !ok {
		t.Fatal("expected trigger rescheduled")
	}
	want := start.Add(3 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("expected next activation %s, got %s", want, next)
	}
}

func TestRegistry_UnregisterLastBindingCancelsTrigger(t *testing.T) {
	st := memory.New()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	reg := newTestRegistry(st, &mockEmitter{}, now)

	triggerID := uuid.New()
	opA := uuid.New()
	opB := uuid.New()
	spec := oneShotSpec(now.Add(time.Hour))

	for _, opID := range []uuid.UUID{opA, opB} {
		if err := reg.Register(context.Background(), triggerID, opID, spec); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}

	// First unregister leaves the trigger scheduled.
	if err := reg.Unregister(context.Background(), triggerID, opA); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if _, ok := reg.NextActivation(triggerID); !ok {
		t.Fatal("expected trigger still in index with one binding left")
	}

	// Last unregister cancels it.
	if err := reg.Unregister(context.Background(), triggerID, opB); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if _, ok := reg.NextActivation(triggerID); ok {
		t.Error("expected trigger removed from index")
	}

	trig, err := st.GetTrigger(context.Background(), triggerID)
	if err != nil {
		t.Fatalf("get trigger failed: %v", err)
	}
	if trig.Status != domain.TriggerStatusCancelled {
		t.Errorf("expected cancelled status, got %s", trig.Status)
	}

	// Unknown pair is a no-op.
	if err := reg.Unregister(context.Background(), triggerID, uuid.New()); err != nil {
		t.Errorf("unregister of unknown pair failed: %v", err)
	}
}

func TestRegistry_RegisterRevivesCancelledTrigger(t *testing.T) {
	st := memory.New()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	reg := newTestRegistry(st, &mockEmitter{}, now)

	triggerID := uuid.New()
	opA := uuid.New()
	spec := oneShotSpec(now.Add(time.Hour))

	if err := reg.Register(context.Background(), triggerID, opA, spec); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := reg.Unregister(context.Background(), triggerID, opA); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}

	opB := uuid.New()
	if err := reg.Register(context.Background(), triggerID, opB, spec); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	trig, err := st.GetTrigger(context.Background(), triggerID)
	if err != nil {
		t.Fatalf("get trigger failed: %v", err)
	}
	if trig.Status != domain.TriggerStatusScheduled {
		t.Errorf("expected scheduled status after revival, got %s", trig.Status)
	}
}

func TestRegistry_RecoverRebuildsIndex(t *testing.T) {
	st := memory.New()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	fireAt := now.Add(time.Hour)

	reg := newTestRegistry(st, &mockEmitter{}, now)
	triggerID := uuid.New()
	if err := reg.Register(context.Background(), triggerID, uuid.New(), oneShotSpec(fireAt)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	fresh := newTestRegistry(st, &mockEmitter{}, now)
	if _, ok := fresh.NextActivation(triggerID); ok {
		t.Fatal("fresh registry should start empty")
	}
	if err := fresh.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	next, ok := fresh.NextActivation(triggerID)
	if !ok {
		t.Fatal("expected trigger recovered into index")
	}
	if !next.Equal(fireAt) {
		t.Errorf("expected next activation %s, got %s", fireAt, next)
	}
}

func TestRegistry_RecoverExhaustsDeadTriggers(t *testing.T) {
	st := memory.New()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	fireAt := now.Add(time.Hour)

	reg := newTestRegistry(st, &mockEmitter{}, now)
	triggerID := uuid.New()
	if err := reg.Register(context.Background(), triggerID, uuid.New(), oneShotSpec(fireAt)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Restart long after the one-shot time: nothing left to fire.
	fresh := newTestRegistry(st, &mockEmitter{}, fireAt.Add(time.Hour))
	if err := fresh.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	if _, ok := fresh.NextActivation(triggerID); ok {
		t.Error("expected dead trigger left out of index")
	}
	trig, err := st.GetTrigger(context.Background(), triggerID)
	if err != nil {
		t.Fatalf("get trigger failed: %v", err)
	}
	if trig.Status != domain.TriggerStatusExhausted {
		t.Errorf("expected exhausted status, got %s", trig.Status)
	}
}

func TestScheduleIndex_Ordering(t *testing.T) {
	idx := newScheduleIndex()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	a := uuid.New()
	b := uuid.New()
	c := uuid.New()

	idx.upsert(a, base.Add(3*time.Minute))
	idx.upsert(b, base.Add(time.Minute))
	idx.upsert(c, base.Add(2*time.Minute))

	// Re-keying moves an entry.
	idx.upsert(a, base.Add(30*time.Second))

	due := idx.popDue(base.Add(2 * time.Minute))
	if len(due) != 3 {
		t.Fatalf("expected 3 due entries, got %d", len(due))
	}
	order := []uuid.UUID{a, b, c}
	for i, e := range due {
		if e.triggerID != order[i] {
			t.Errorf("entry %d: expected %s, got %s", i, order[i], e.triggerID)
		}
	}
	if idx.len() != 0 {
		t.Errorf("expected empty index, got %d entries", idx.len())
	}
}
