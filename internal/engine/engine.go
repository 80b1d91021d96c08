// Package engine implements the operation lifecycle. A worker pool consumes
// create and delete requests from the gateway, persists state transitions
// through CAS updates, and a separate loop consumes activations, claims
// them, runs the executor and publishes completion events. Every inbound
// message may arrive more than once; all handlers are idempotent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/gateway"
	"github.com/opengine-io/opengine/internal/registry"
	"github.com/opengine-io/opengine/internal/store"
	"github.com/opengine-io/opengine/internal/trigger"
)

type Store interface {
	CreateOperation(ctx context.Context, op domain.Operation) error
	GetOperation(ctx context.Context, id uuid.UUID) (domain.Operation, error)
	// UpdateOperationStatus applies the transition only when the current
	// status matches expected. Returns false on a precondition mismatch.
	UpdateOperationStatus(ctx context.Context, id uuid.UUID, expected, next domain.OperationStatus) (bool, error)
	MarkActivationConsumed(ctx context.Context, id uuid.UUID) error
}

type Registry interface {
	Register(ctx context.Context, triggerID, operationID uuid.UUID, spec domain.TriggerSpec) error
	Unregister(ctx context.Context, triggerID, operationID uuid.UUID) error
}

// Executor runs one operation in response to one activation.
type Executor interface {
	Execute(ctx context.Context, op domain.Operation, act domain.Activation) error
}

// AnalyticsSink records activation counters as a best-effort side effect.
// Implementations handle their own errors.
type AnalyticsSink interface {
	Record(ctx context.Context, act domain.Activation)
}

// MetricsSink records engine metrics. All methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	RequestHandled(kind, outcome string, duration time.Duration)
	ActivationHandled(outcome string)
	ActivationsInFlightIncr()
	ActivationsInFlightDecr()
}

type Config struct {
	Workers int
}

type Engine struct {
	config    Config
	store     Store
	registry  Registry
	executor  Executor
	gw        gateway.Gateway
	metrics   MetricsSink   // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled
	clock     func() time.Time
}

func New(config Config, st Store, reg Registry, exec Executor, gw gateway.Gateway) *Engine {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Engine{
		config:   config,
		store:    st,
		registry: reg,
		executor: exec,
		gw:       gw,
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the engine.
func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

// WithAnalytics attaches an analytics sink to the engine.
func (e *Engine) WithAnalytics(sink AnalyticsSink) *Engine {
	e.analytics = sink
	return e
}

// Run consumes gateway requests with a pool of workers until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	log.Printf("engine: started, workers=%d", e.config.Workers)

	for i := 0; i < e.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				req, err := e.gw.Receive(ctx)
				if err != nil {
					return
				}
				resp := e.HandleRequest(ctx, req)
				if err := e.gw.Reply(ctx, req.CorrelationID, resp); err != nil {
					log.Printf("engine: worker %d reply error: %v", worker, err)
				}
			}
		}(i)
	}

	wg.Wait()
	log.Println("engine: stopped")
}

// HandleRequest processes one command and builds its response. Never
// returns an error; failures are encoded in the response so the caller
// always gets a reply for its correlation id.
func (e *Engine) HandleRequest(ctx context.Context, req gateway.Request) gateway.Response {
	started := e.clock()

	var resp gateway.Response
	switch req.Kind {
	case gateway.KindCreateOperation:
		resp = e.handleCreate(ctx, req)
	case gateway.KindDeleteOperation:
		resp = e.handleDelete(ctx, req)
	default:
		resp = gateway.Response{
			Err: &gateway.Error{Kind: gateway.ErrorKindInternal, Message: fmt.Sprintf("unknown request kind %q", req.Kind)},
		}
	}

	if e.metrics != nil {
		outcome := "success"
		if resp.Err != nil {
			outcome = string(resp.Err.Kind)
		}
		e.metrics.RequestHandled(string(req.Kind), outcome, e.clock().Sub(started))
	}
	return resp
}

// handleCreate persists a new operation in init status, registers its
// trigger and flips the status to registered. Retries carrying the same
// operation id get the already-reached status back instead of an error.
func (e *Engine) handleCreate(ctx context.Context, req gateway.Request) gateway.Response {
	if req.Create == nil {
		return errorResponse(uuid.Nil, gateway.ErrorKindInternal, "create request without body")
	}
	cmd := req.Create

	opID := uuid.New()
	if cmd.OperationID != nil {
		opID = *cmd.OperationID
	}
	triggerID := uuid.New()
	if cmd.TriggerID != nil {
		triggerID = *cmd.TriggerID
	}

	if err := trigger.Validate(cmd.Trigger); err != nil {
		return errorResponse(opID, gateway.ErrorKindInvalidTrigger, err.Error())
	}

	now := e.clock().UTC()
	op := domain.Operation{
		ID:        opID,
		Status:    domain.OperationStatusInit,
		TriggerID: triggerID,
		Payload:   cmd.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.CreateOperation(ctx, op); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			return e.resolveDuplicateCreate(ctx, opID)
		}
		return errorResponse(opID, gateway.ErrorKindInternal, err.Error())
	}

	if err := e.registry.Register(ctx, triggerID, opID, cmd.Trigger); err != nil {
		if errors.Is(err, registry.ErrNeverFires) || errors.Is(err, trigger.ErrInvalidSpec) {
			e.mustTransition(ctx, opID, domain.OperationStatusInit, domain.OperationStatusFailed)
			return errorResponse(opID, gateway.ErrorKindInvalidTrigger, err.Error())
		}
		// Leave the operation in init; the reconciler fails it if the
		// retry never lands.
		return errorResponse(opID, gateway.ErrorKindInternal, err.Error())
	}

	if ok, err := e.store.UpdateOperationStatus(ctx, opID, domain.OperationStatusInit, domain.OperationStatusRegistered); err != nil {
		return errorResponse(opID, gateway.ErrorKindInternal, err.Error())
	} else if !ok {
		return e.resolveDuplicateCreate(ctx, opID)
	}

	log.Printf("engine: created operation=%s trigger=%s type=%s", opID, triggerID, cmd.Trigger.Type)
	return gateway.Response{OperationID: opID, Status: domain.OperationStatusRegistered}
}

// resolveDuplicateCreate replies for a create whose operation id already
// exists. A settled operation means a retried command: report its status. A
// row still in init means a concurrent create is in flight.
func (e *Engine) resolveDuplicateCreate(ctx context.Context, opID uuid.UUID) gateway.Response {
	existing, err := e.store.GetOperation(ctx, opID)
	if err != nil {
		return errorResponse(opID, gateway.ErrorKindInternal, err.Error())
	}
	if existing.Status == domain.OperationStatusInit {
		return errorResponse(opID, gateway.ErrorKindDuplicateID, "operation create already in flight")
	}
	return gateway.Response{OperationID: opID, Status: existing.Status}
}

// handleDelete moves an operation to deleted and unbinds its trigger.
// Unknown ids and already-deleted operations reply success, so retried
// deletes are no-ops. Operations still in init or mid-execution reply
// conflict: an init row means a create is in flight, and deleting under it
// could land before Register and leave a live binding behind.
func (e *Engine) handleDelete(ctx context.Context, req gateway.Request) gateway.Response {
	if req.Delete == nil {
		return errorResponse(uuid.Nil, gateway.ErrorKindInternal, "delete request without body")
	}
	opID := req.Delete.OperationID

	op, err := e.store.GetOperation(ctx, opID)
	if errors.Is(err, store.ErrNotFound) {
		return gateway.Response{OperationID: opID, Status: domain.OperationStatusDeleted}
	}
	if err != nil {
		return errorResponse(opID, gateway.ErrorKindInternal, err.Error())
	}

	switch op.Status {
	case domain.OperationStatusDeleted:
		return gateway.Response{OperationID: opID, Status: domain.OperationStatusDeleted}
	case domain.OperationStatusInit, domain.OperationStatusTriggered, domain.OperationStatusExecuting:
		return errorResponse(opID, gateway.ErrorKindConflict, fmt.Sprintf("operation is %s", op.Status))
	}

	ok, err := e.store.UpdateOperationStatus(ctx, opID, op.Status, domain.OperationStatusDeleted)
	if err != nil {
		return errorResponse(opID, gateway.ErrorKindInternal, err.Error())
	}
	if !ok {
		// Status moved under us, likely an activation claiming it.
		return errorResponse(opID, gateway.ErrorKindConflict, "operation status changed concurrently")
	}

	if err := e.registry.Unregister(ctx, op.TriggerID, opID); err != nil {
		log.Printf("engine: unregister trigger=%s operation=%s: %v", op.TriggerID, opID, err)
	}

	log.Printf("engine: deleted operation=%s", opID)
	return gateway.Response{OperationID: opID, Status: domain.OperationStatusDeleted}
}

// RunActivations consumes activations from the channel until the context is
// cancelled, then drains remaining buffered activations with a timeout.
func (e *Engine) RunActivations(ctx context.Context, ch <-chan domain.Activation) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ch)
			return
		case act := <-ch:
			if err := e.HandleActivation(ctx, act); err != nil {
				log.Printf("engine: activation error: %v", err)
			}
		}
	}
}

// DrainTimeout is the maximum time to wait for buffered activations during
// shutdown.
const DrainTimeout = 30 * time.Second

func (e *Engine) drain(ch <-chan domain.Activation) {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("engine: drain timeout, processed %d activations", count)
			}
			return
		case act, ok := <-ch:
			if !ok {
				log.Printf("engine: drain complete, processed %d activations", count)
				return
			}
			if err := e.HandleActivation(drainCtx, act); err != nil {
				log.Printf("engine: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("engine: drain complete, processed %d activations", count)
			}
			return
		}
	}
}

// HandleActivation claims an activation via the registered->triggered CAS
// and runs the executor. Activations for missing, deleted or already-claimed
// operations are discarded; delivery is at-least-once so duplicates and
// stale replays land here routinely.
func (e *Engine) HandleActivation(ctx context.Context, act domain.Activation) error {
	if e.metrics != nil {
		e.metrics.ActivationsInFlightIncr()
		defer e.metrics.ActivationsInFlightDecr()
	}

	op, err := e.store.GetOperation(ctx, act.OperationID)
	if errors.Is(err, store.ErrNotFound) {
		return e.discardActivation(ctx, act, "operation gone")
	}
	if err != nil {
		return fmt.Errorf("get operation: %w", err)
	}
	if op.Status != domain.OperationStatusRegistered {
		return e.discardActivation(ctx, act, fmt.Sprintf("operation is %s", op.Status))
	}

	claimed, err := e.store.UpdateOperationStatus(ctx, act.OperationID, domain.OperationStatusRegistered, domain.OperationStatusTriggered)
	if err != nil {
		return fmt.Errorf("claim operation: %w", err)
	}
	if !claimed {
		return e.discardActivation(ctx, act, "lost claim race")
	}

	// Claimed: the activation is consumed regardless of execution outcome.
	if err := e.store.MarkActivationConsumed(ctx, act.ID); err != nil {
		log.Printf("engine: mark activation %s consumed: %v", act.ID, err)
	}

	e.mustTransition(ctx, act.OperationID, domain.OperationStatusTriggered, domain.OperationStatusExecuting)

	// Count every claimed activation, independent of execution outcome.
	if e.analytics != nil {
		e.analytics.Record(ctx, act)
	}

	execErr := e.executor.Execute(ctx, op, act)

	outcome := "executed"
	final := domain.OperationStatusCompleted
	event := gateway.EventOperationCompleted
	if execErr != nil {
		outcome = "execution_failed"
		final = domain.OperationStatusFailed
		event = gateway.EventOperationFailed
		log.Printf("engine: execute operation=%s: %v", act.OperationID, execErr)
	}

	e.mustTransition(ctx, act.OperationID, domain.OperationStatusExecuting, final)

	if err := e.gw.Publish(ctx, gateway.Event{
		Type:        event,
		OperationID: act.OperationID,
		TriggerID:   act.TriggerID,
		At:          e.clock().UTC(),
	}); err != nil {
		log.Printf("engine: publish event operation=%s: %v", act.OperationID, err)
	}

	// An operation runs once per lifecycle; release its trigger binding.
	if err := e.registry.Unregister(ctx, act.TriggerID, act.OperationID); err != nil {
		log.Printf("engine: unregister trigger=%s operation=%s: %v", act.TriggerID, act.OperationID, err)
	}

	if e.metrics != nil {
		e.metrics.ActivationHandled(outcome)
	}
	log.Printf("engine: operation=%s %s", act.OperationID, final)
	return nil
}

func (e *Engine) discardActivation(ctx context.Context, act domain.Activation, reason string) error {
	if err := e.store.MarkActivationConsumed(ctx, act.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark activation consumed: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ActivationHandled("discarded")
	}
	log.Printf("engine: discarded activation=%s operation=%s: %s", act.ID, act.OperationID, reason)
	return nil
}

// mustTransition applies a CAS that is expected to succeed; a mismatch is
// logged, not fatal, since the reconciler repairs stuck statuses.
func (e *Engine) mustTransition(ctx context.Context, opID uuid.UUID, expected, next domain.OperationStatus) {
	ok, err := e.store.UpdateOperationStatus(ctx, opID, expected, next)
	if err != nil {
		log.Printf("engine: transition operation=%s %s->%s: %v", opID, expected, next, err)
		return
	}
	if !ok {
		log.Printf("engine: transition operation=%s %s->%s denied", opID, expected, next)
	}
}

func errorResponse(opID uuid.UUID, kind gateway.ErrorKind, msg string) gateway.Response {
	return gateway.Response{
		OperationID: opID,
		Err:         &gateway.Error{Kind: kind, Message: msg},
	}
}
