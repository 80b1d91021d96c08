// Package memory implements the operation, trigger, binding and activation
// stores in process memory with the same CAS and idempotency semantics as
// the postgres backend. It backs single-process development mode
// (STORE_DRIVER=memory) and the concurrency tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	operations  map[uuid.UUID]domain.Operation
	triggers    map[uuid.UUID]domain.Trigger
	bindings    map[store.Binding]struct{}
	activations []domain.Activation
	actKeys     map[string]struct{}

	clock func() time.Time
}

func New() *Store {
	return &Store{
		operations: make(map[uuid.UUID]domain.Operation),
		triggers:   make(map[uuid.UUID]domain.Trigger),
		bindings:   make(map[store.Binding]struct{}),
		actKeys:    make(map[string]struct{}),
		clock:      time.Now,
	}
}

// WithClock overrides the timestamp source. Tests only.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// ---- operations ----

func (s *Store) CreateOperation(ctx context.Context, op domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.operations[op.ID]; exists {
		return store.ErrDuplicateID
	}
	s.operations[op.ID] = op
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id uuid.UUID) (domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[id]
	if !ok {
		return domain.Operation{}, store.ErrNotFound
	}
	return op, nil
}

// UpdateOperationStatus applies the transition only when the current status
// matches expected. Returns false (no error) on a precondition mismatch.
func (s *Store) UpdateOperationStatus(ctx context.Context, id uuid.UUID, expected, next domain.OperationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if op.Status != expected {
		return false, nil
	}
	op.Status = next
	op.UpdatedAt = s.clock().UTC()
	s.operations[id] = op
	return true, nil
}

func (s *Store) ListOperations(ctx context.Context, limit, offset int) ([]domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Operation, 0, len(s.operations))
	for _, op := range s.operations {
		all = append(all, op)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return page(all, limit, offset), nil
}

func (s *Store) ListStuckOperations(ctx context.Context, status domain.OperationStatus, olderThan time.Time, limit int) ([]domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Operation
	for _, op := range s.operations {
		if op.Status == status && op.UpdatedAt.Before(olderThan) {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PurgeDeletedOperations(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, op := range s.operations {
		if limit > 0 && purged >= limit {
			break
		}
		if op.Status == domain.OperationStatusDeleted && op.UpdatedAt.Before(olderThan) {
			delete(s.operations, id)
			purged++
		}
	}
	return purged, nil
}

// ---- triggers ----

func (s *Store) CreateTrigger(ctx context.Context, trig domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[trig.ID]; exists {
		return store.ErrDuplicateID
	}
	s.triggers[trig.ID] = trig
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, id uuid.UUID) (domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trig, ok := s.triggers[id]
	if !ok {
		return domain.Trigger{}, store.ErrNotFound
	}
	return trig, nil
}

func (s *Store) UpdateTriggerStatus(ctx context.Context, id uuid.UUID, status domain.TriggerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trig, ok := s.triggers[id]
	if !ok {
		return store.ErrNotFound
	}
	trig.Status = status
	trig.UpdatedAt = s.clock().UTC()
	s.triggers[id] = trig
	return nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.triggers, id)
	return nil
}

func (s *Store) ListTriggersByStatus(ctx context.Context, status domain.TriggerStatus) ([]domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Trigger
	for _, trig := range s.triggers {
		if trig.Status == status {
			result = append(result, trig)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })
	return result, nil
}

// ---- bindings ----

func (s *Store) InsertBinding(ctx context.Context, triggerID, operationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bindings[store.Binding{TriggerID: triggerID, OperationID: operationID}] = struct{}{}
	return nil
}

func (s *Store) DeleteBinding(ctx context.Context, triggerID, operationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bindings, store.Binding{TriggerID: triggerID, OperationID: operationID})
	return nil
}

func (s *Store) CountBindings(ctx context.Context, triggerID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for b := range s.bindings {
		if b.TriggerID == triggerID {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListBoundOperations(ctx context.Context, triggerID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ops []uuid.UUID
	for b := range s.bindings {
		if b.TriggerID == triggerID {
			ops = append(ops, b.OperationID)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].String() < ops[j].String() })
	return ops, nil
}

// ListOrphanedBindings returns bindings whose operation is deleted or gone.
func (s *Store) ListOrphanedBindings(ctx context.Context, limit int) ([]store.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []store.Binding
	for b := range s.bindings {
		op, ok := s.operations[b.OperationID]
		if !ok || op.Status == domain.OperationStatusDeleted {
			result = append(result, b)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// ---- activations ----

func (s *Store) InsertActivation(ctx context.Context, act domain.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actKeys[act.IdempotencyKey]; exists {
		return store.ErrDuplicateActivation
	}
	s.actKeys[act.IdempotencyKey] = struct{}{}
	s.activations = append(s.activations, act)
	return nil
}

func (s *Store) MarkActivationConsumed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.activations {
		if s.activations[i].ID == id {
			s.activations[i].Status = domain.ActivationStatusConsumed
			return nil
		}
	}
	return store.ErrNotFound
}

// ListOrphanedActivations returns activations still in emitted status that
// were recorded before the given threshold.
func (s *Store) ListOrphanedActivations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Activation
	for _, act := range s.activations {
		if act.Status == domain.ActivationStatusEmitted && act.CreatedAt.Before(olderThan) {
			result = append(result, act)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListActivations(ctx context.Context, operationID uuid.UUID, limit, offset int) ([]domain.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Activation
	for _, act := range s.activations {
		if act.OperationID == operationID {
			result = append(result, act)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScheduledAt.After(result[j].ScheduledAt) })
	return page(result, limit, offset), nil
}

func (s *Store) LatestActivation(ctx context.Context, operationID uuid.UUID) (domain.Activation, error) {
	acts, err := s.ListActivations(ctx, operationID, 1, 0)
	if err != nil {
		return domain.Activation{}, err
	}
	if len(acts) == 0 {
		return domain.Activation{}, store.ErrNotFound
	}
	return acts[0], nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
