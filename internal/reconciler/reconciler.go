// Package reconciler repairs state the happy path leaks. Three leaks exist:
// activations recorded but never consumed (crash or full buffer between
// insert and engine pickup), operations stuck in init (create that died
// before registration finished), and bindings whose operation is gone.
// Deleted operations and dead triggers past their retention are purged in
// the same cycle.
//
// Every repair is idempotent: re-emitted activations are deduplicated by
// the engine's CAS claim, and failing a stuck init is itself a CAS.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/store"
)

type Store interface {
	ListOrphanedActivations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Activation, error)
	ListStuckOperations(ctx context.Context, status domain.OperationStatus, olderThan time.Time, limit int) ([]domain.Operation, error)
	UpdateOperationStatus(ctx context.Context, id uuid.UUID, expected, next domain.OperationStatus) (bool, error)
	ListOrphanedBindings(ctx context.Context, limit int) ([]store.Binding, error)
	PurgeDeletedOperations(ctx context.Context, olderThan time.Time, limit int) (int, error)
	ListTriggersByStatus(ctx context.Context, status domain.TriggerStatus) ([]domain.Trigger, error)
	DeleteTrigger(ctx context.Context, id uuid.UUID) error
}

type Registry interface {
	Unregister(ctx context.Context, triggerID, operationID uuid.UUID) error
}

type EventEmitter interface {
	Emit(ctx context.Context, act domain.Activation) error
}

// MetricsSink records reconciler metrics. Fire-and-forget.
type MetricsSink interface {
	ReconcileCycle(reemitted, failedInits, unbound, purged int)
}

type Config struct {
	// Interval is how often the reconciler runs.
	Interval time.Duration

	// Threshold is the age after which an emitted activation or an init
	// operation is considered stuck.
	Threshold time.Duration

	// Retention is how long deleted operations are kept before purging.
	Retention time.Duration

	// BatchSize caps work per cycle.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		Retention: 24 * time.Hour,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config   Config
	store    Store
	registry Registry
	emitter  EventEmitter
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
}

func New(config Config, st Store, reg Registry, emitter EventEmitter) *Reconciler {
	return &Reconciler{
		config:   config,
		store:    st,
		registry: reg,
		emitter:  emitter,
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker.
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle. Exported for tests and
// operators driving it manually.
func (r *Reconciler) RunCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	reemitted := r.reemitOrphanedActivations(ctx, threshold)
	failedInits := r.failStuckInits(ctx, threshold)
	unbound := r.removeOrphanedBindings(ctx)
	purged := r.purgeDeleted(ctx, now.Add(-r.config.Retention))
	purged += r.purgeDeadTriggers(ctx, now.Add(-r.config.Retention))

	if r.metrics != nil {
		r.metrics.ReconcileCycle(reemitted, failedInits, unbound, purged)
	}
	if reemitted+failedInits+unbound+purged > 0 {
		log.Printf("reconciler: cycle complete, re-emitted=%d, failed_inits=%d, unbound=%d, purged=%d",
			reemitted, failedInits, unbound, purged)
	}
}

// reemitOrphanedActivations pushes still-unconsumed activations back onto
// the bus. The engine discards any whose operation has already moved on.
func (r *Reconciler) reemitOrphanedActivations(ctx context.Context, threshold time.Time) int {
	orphans, err := r.store.ListOrphanedActivations(ctx, threshold, r.config.BatchSize)
	if err != nil {
		log.Printf("reconciler: fetch orphaned activations: %v", err)
		return 0
	}

	emitted := 0
	for _, act := range orphans {
		if ctx.Err() != nil {
			return emitted
		}
		if err := r.emitter.Emit(ctx, act); err != nil {
			// Buffer full or shutdown; retry next cycle.
			log.Printf("reconciler: re-emit activation=%s operation=%s: %v", act.ID, act.OperationID, err)
			continue
		}
		log.Printf("reconciler: re-emitted activation=%s operation=%s scheduled_at=%s",
			act.ID, act.OperationID, act.ScheduledAt.Format(time.RFC3339))
		emitted++
	}
	return emitted
}

// failStuckInits fails operations whose create never completed.
func (r *Reconciler) failStuckInits(ctx context.Context, threshold time.Time) int {
	stuck, err := r.store.ListStuckOperations(ctx, domain.OperationStatusInit, threshold, r.config.BatchSize)
	if err != nil {
		log.Printf("reconciler: fetch stuck operations: %v", err)
		return 0
	}

	failed := 0
	for _, op := range stuck {
		if ctx.Err() != nil {
			return failed
		}
		ok, err := r.store.UpdateOperationStatus(ctx, op.ID, domain.OperationStatusInit, domain.OperationStatusFailed)
		if err != nil {
			log.Printf("reconciler: fail stuck operation=%s: %v", op.ID, err)
			continue
		}
		if !ok {
			continue // create completed in the meantime
		}
		log.Printf("reconciler: failed stuck operation=%s (age=%s)",
			op.ID, r.clock().UTC().Sub(op.UpdatedAt).Round(time.Second))
		failed++
	}
	return failed
}

// removeOrphanedBindings unregisters bindings pointing at deleted or
// missing operations, letting their triggers cancel.
func (r *Reconciler) removeOrphanedBindings(ctx context.Context) int {
	orphans, err := r.store.ListOrphanedBindings(ctx, r.config.BatchSize)
	if err != nil {
		log.Printf("reconciler: fetch orphaned bindings: %v", err)
		return 0
	}

	removed := 0
	for _, b := range orphans {
		if ctx.Err() != nil {
			return removed
		}
		if err := r.registry.Unregister(ctx, b.TriggerID, b.OperationID); err != nil {
			log.Printf("reconciler: unregister trigger=%s operation=%s: %v", b.TriggerID, b.OperationID, err)
			continue
		}
		removed++
	}
	return removed
}

func (r *Reconciler) purgeDeleted(ctx context.Context, olderThan time.Time) int {
	purged, err := r.store.PurgeDeletedOperations(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		log.Printf("reconciler: purge deleted operations: %v", err)
		return 0
	}
	return purged
}

// purgeDeadTriggers drops cancelled and exhausted trigger rows once they are
// past retention; their operations are long purged by then.
func (r *Reconciler) purgeDeadTriggers(ctx context.Context, olderThan time.Time) int {
	purged := 0
	for _, status := range []domain.TriggerStatus{domain.TriggerStatusCancelled, domain.TriggerStatusExhausted} {
		trigs, err := r.store.ListTriggersByStatus(ctx, status)
		if err != nil {
			log.Printf("reconciler: list %s triggers: %v", status, err)
			continue
		}
		for _, trig := range trigs {
			if ctx.Err() != nil {
				return purged
			}
			if purged >= r.config.BatchSize {
				return purged
			}
			if trig.UpdatedAt.After(olderThan) {
				continue
			}
			if err := r.store.DeleteTrigger(ctx, trig.ID); err != nil {
				log.Printf("reconciler: purge trigger=%s: %v", trig.ID, err)
				continue
			}
			log.Printf("reconciler: purged %s trigger=%s", status, trig.ID)
			purged++
		}
	}
	return purged
}
