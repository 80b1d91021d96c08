// Package registry tracks which triggers are scheduled, computes each
// trigger's next activation time into an explicit time-ordered index, and
// emits activations for every bound operation when a trigger comes due.
// A trigger row is shared by all operations bound to it; the last
// unregistered operation cancels the trigger.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/store"
	"github.com/opengine-io/opengine/internal/trigger"
)

// ErrNeverFires is returned by Register when the trigger spec is valid but
// has no activation in the future, such as a one-shot time in the past.
var ErrNeverFires = errors.New("registry: trigger never fires")

type Store interface {
	CreateTrigger(ctx context.Context, trig domain.Trigger) error
	GetTrigger(ctx context.Context, id uuid.UUID) (domain.Trigger, error)
	UpdateTriggerStatus(ctx context.Context, id uuid.UUID, status domain.TriggerStatus) error
	ListTriggersByStatus(ctx context.Context, status domain.TriggerStatus) ([]domain.Trigger, error)
	InsertBinding(ctx context.Context, triggerID, operationID uuid.UUID) error
	DeleteBinding(ctx context.Context, triggerID, operationID uuid.UUID) error
	CountBindings(ctx context.Context, triggerID uuid.UUID) (int, error)
	ListBoundOperations(ctx context.Context, triggerID uuid.UUID) ([]uuid.UUID, error)
	InsertActivation(ctx context.Context, act domain.Activation) error
}

type EventEmitter interface {
	Emit(ctx context.Context, act domain.Activation) error
}

type MetricsSink interface {
	RegistryTick(duration time.Duration, due int)
	ActivationEmitted()
	TriggerExhausted()
}

type Config struct {
	TickInterval time.Duration
}

type Registry struct {
	config  Config
	store   Store
	emitter EventEmitter
	metrics MetricsSink
	clock   func() time.Time

	mu        sync.Mutex
	index     *scheduleIndex
	schedules map[uuid.UUID]trigger.Schedule
}

type Option func(*Registry)

func WithMetrics(sink MetricsSink) Option {
	return func(r *Registry) { r.metrics = sink }
}

// WithClock overrides the time source. Tests only.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

func New(config Config, st Store, emitter EventEmitter, opts ...Option) *Registry {
	r := &Registry{
		config:    config,
		store:     st,
		emitter:   emitter,
		clock:     time.Now,
		index:     newScheduleIndex(),
		schedules: make(map[uuid.UUID]trigger.Schedule),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an operation to a trigger, creating the trigger row on
// first reference and scheduling its next activation. Registering the same
// pair twice is a no-op. A previously cancelled trigger is revived when a
// new operation binds to it.
func (r *Registry) Register(ctx context.Context, triggerID, operationID uuid.UUID, spec domain.TriggerSpec) error {
	sched, err := trigger.New(spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	next, ok := sched.Next(now)
	if !ok {
		return ErrNeverFires
	}

	existing, err := r.store.GetTrigger(ctx, triggerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		trig := domain.Trigger{
			ID:        triggerID,
			Status:    domain.TriggerStatusScheduled,
			Spec:      spec,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.store.CreateTrigger(ctx, trig); err != nil && !errors.Is(err, store.ErrDuplicateID) {
			return fmt.Errorf("create trigger: %w", err)
		}
	case err != nil:
		return fmt.Errorf("get trigger: %w", err)
	case existing.Status != domain.TriggerStatusScheduled:
		if err := r.store.UpdateTriggerStatus(ctx, triggerID, domain.TriggerStatusScheduled); err != nil {
			return fmt.Errorf("revive trigger: %w", err)
		}
	}

	if err := r.store.InsertBinding(ctx, triggerID, operationID); err != nil {
		// A scheduled trigger with zero bindings would survive Recover and
		// reschedule with nothing to emit; cancel it on the way out.
		if count, countErr := r.store.CountBindings(ctx, triggerID); countErr == nil && count == 0 {
			if cancelErr := r.store.UpdateTriggerStatus(ctx, triggerID, domain.TriggerStatusCancelled); cancelErr != nil && !errors.Is(cancelErr, store.ErrNotFound) {
				log.Printf("registry: cancel unbound trigger %s: %v", triggerID, cancelErr)
			}
		}
		return fmt.Errorf("insert binding: %w", err)
	}

	r.schedules[triggerID] = sched
	r.index.upsert(triggerID, next)
	return nil
}

// Unregister removes one operation's binding. When no bindings remain the
// trigger is cancelled and dropped from the index. Unknown pairs are
// no-ops.
func (r *Registry) Unregister(ctx context.Context, triggerID, operationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.DeleteBinding(ctx, triggerID, operationID); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}

	count, err := r.store.CountBindings(ctx, triggerID)
	if err != nil {
		return fmt.Errorf("count bindings: %w", err)
	}
	if count > 0 {
		return nil
	}

	r.index.remove(triggerID)
	delete(r.schedules, triggerID)

	if err := r.store.UpdateTriggerStatus(ctx, triggerID, domain.TriggerStatusCancelled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("cancel trigger: %w", err)
	}
	return nil
}

// NextActivation reports the scheduled fire time for a trigger, or false
// when the trigger is not in the index.
func (r *Registry) NextActivation(triggerID uuid.UUID) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.nextFor(triggerID)
}

// Scheduled returns the number of triggers currently in the index.
func (r *Registry) Scheduled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.len()
}

// Recover rebuilds the in-memory index from persisted scheduled triggers.
// Triggers whose schedules have no future activation are marked exhausted.
func (r *Registry) Recover(ctx context.Context) error {
	trigs, err := r.store.ListTriggersByStatus(ctx, domain.TriggerStatusScheduled)
	if err != nil {
		return fmt.Errorf("list scheduled triggers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	recovered := 0
	for _, trig := range trigs {
		sched, err := trigger.New(trig.Spec)
		if err != nil {
			log.Printf("registry: recover trigger %s: %v", trig.ID, err)
			continue
		}
		next, ok := sched.Next(now)
		if !ok {
			if err := r.store.UpdateTriggerStatus(ctx, trig.ID, domain.TriggerStatusExhausted); err != nil {
				log.Printf("registry: exhaust trigger %s: %v", trig.ID, err)
			}
			continue
		}
		r.schedules[trig.ID] = sched
		r.index.upsert(trig.ID, next)
		recovered++
	}

	log.Printf("registry: recovered %d scheduled triggers", recovered)
	return nil
}

func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	log.Printf("registry: started, tick=%s", r.config.TickInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("registry: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.ProcessTick(ctx); err != nil {
				log.Printf("registry: tick error: %v", err)
			}
		}
	}
}

// ProcessTick fires every trigger whose scheduled time has passed. Exported
// so callers with their own loop, and tests, can drive it directly.
func (r *Registry) ProcessTick(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := r.clock().UTC()
	due := r.index.popDue(started)

	for _, e := range due {
		if err := r.fireTrigger(ctx, e.triggerID, e.at, started); err != nil {
			log.Printf("registry: trigger %s error: %v", e.triggerID, err)
		}
	}

	if r.metrics != nil {
		r.metrics.RegistryTick(r.clock().UTC().Sub(started), len(due))
	}
	return nil
}

// fireTrigger emits activations for every due time since scheduledAt, then
// reschedules the trigger or marks it exhausted. Caller holds r.mu.
func (r *Registry) fireTrigger(ctx context.Context, triggerID uuid.UUID, scheduledAt, now time.Time) error {
	sched, ok := r.schedules[triggerID]
	if !ok {
		return nil // unregistered between scheduling and firing
	}

	ops, err := r.store.ListBoundOperations(ctx, triggerID)
	if err != nil {
		// Put the trigger back so the next tick retries.
		r.index.upsert(triggerID, scheduledAt)
		return fmt.Errorf("list bound operations: %w", err)
	}

	// Emit for every due time since the scheduled one; a long pause must
	// not silently drop intermediate activations.
	const maxCatchUp = 1000
	t := scheduledAt
	fired := true
	for i := 0; i < maxCatchUp && fired && !t.After(now); i++ {
		for _, opID := range ops {
			if err := r.emitActivation(ctx, triggerID, opID, t, now); err != nil {
				log.Printf("registry: trigger %s operation %s at %s: %v",
					triggerID, opID, t.Format(time.RFC3339), err)
			}
		}
		t, fired = sched.Next(t)
	}

	if !fired {
		delete(r.schedules, triggerID)
		if err := r.store.UpdateTriggerStatus(ctx, triggerID, domain.TriggerStatusExhausted); err != nil {
			return fmt.Errorf("exhaust trigger: %w", err)
		}
		if r.metrics != nil {
			r.metrics.TriggerExhausted()
		}
		log.Printf("registry: trigger %s exhausted", triggerID)
		return nil
	}

	r.index.upsert(triggerID, t)
	return nil
}

func (r *Registry) emitActivation(ctx context.Context, triggerID, operationID uuid.UUID, scheduledAt, now time.Time) error {
	act := domain.Activation{
		ID:             uuid.New(),
		TriggerID:      triggerID,
		OperationID:    operationID,
		Status:         domain.ActivationStatusEmitted,
		ScheduledAt:    scheduledAt,
		FiredAt:        now,
		IdempotencyKey: activationKey(triggerID, operationID, scheduledAt),
		CreatedAt:      now,
	}

	if err := r.store.InsertActivation(ctx, act); err != nil {
		if errors.Is(err, store.ErrDuplicateActivation) {
			return nil // already emitted
		}
		return fmt.Errorf("insert activation: %w", err)
	}

	if err := r.emitter.Emit(ctx, act); err != nil {
		return fmt.Errorf("emit: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ActivationEmitted()
	}
	log.Printf("registry: emitted trigger=%s operation=%s scheduled_at=%s",
		triggerID, operationID, scheduledAt.Format(time.RFC3339))
	return nil
}

func activationKey(triggerID, operationID uuid.UUID, scheduledAt time.Time) string {
	data := fmt.Sprintf("%s:%s:%d", triggerID, operationID, scheduledAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
