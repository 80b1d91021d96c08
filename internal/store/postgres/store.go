// Package postgres implements the durable store on PostgreSQL via
// database/sql and lib/pq. Status transitions are compare-and-swap: a
// guarded UPDATE whose WHERE clause carries the expected status, so
// concurrent workers and redelivered messages race safely without
// row locks held across round trips.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/store"
)

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a postgres store. opTimeout bounds each statement; 0 disables
// the per-call deadline.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// ---- operations ----

func (s *Store) CreateOperation(ctx context.Context, op domain.Operation) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	payload := []byte(op.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	_, err := s.db.ExecContext(ctx, queryInsertOperation,
		op.ID, string(op.Status), op.TriggerID, payload, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id uuid.UUID) (domain.Operation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return scanOperation(s.db.QueryRowContext(ctx, queryGetOperation, id))
}

// UpdateOperationStatus applies the transition only when the current status
// matches expected. A precondition mismatch returns (false, nil): the
// caller lost the race and must re-read, never overwrite.
func (s *Store) UpdateOperationStatus(ctx context.Context, id uuid.UUID, expected, next domain.OperationStatus) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateOperationStatus, string(next), id, string(expected))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Either the row is absent or the precondition did not match.
	var one int
	err = s.db.QueryRowContext(ctx, queryOperationExists, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ListOperations(ctx context.Context, limit, offset int) ([]domain.Operation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListOperations, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (s *Store) ListStuckOperations(ctx context.Context, status domain.OperationStatus, olderThan time.Time, limit int) ([]domain.Operation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListStuckOperations, string(status), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (s *Store) PurgeDeletedOperations(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryPurgeDeletedOperations, olderThan, limit)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// ---- triggers ----

func (s *Store) CreateTrigger(ctx context.Context, trig domain.Trigger) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	props, err := json.Marshal(trig.Spec.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertTrigger,
		trig.ID, trig.Spec.Type, props, string(trig.Status), trig.CreatedAt, trig.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, id uuid.UUID) (domain.Trigger, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, id))
}

func (s *Store) UpdateTriggerStatus(ctx context.Context, id uuid.UUID, status domain.TriggerStatus) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateTriggerStatus, string(status), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryDeleteTrigger, id)
	return err
}

func (s *Store) ListTriggersByStatus(ctx context.Context, status domain.TriggerStatus) ([]domain.Trigger, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListTriggersByStatus, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, trig)
	}
	return result, rows.Err()
}

// ---- bindings ----

func (s *Store) InsertBinding(ctx context.Context, triggerID, operationID uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertBinding, triggerID, operationID)
	return err
}

func (s *Store) DeleteBinding(ctx context.Context, triggerID, operationID uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryDeleteBinding, triggerID, operationID)
	return err
}

func (s *Store) CountBindings(ctx context.Context, triggerID uuid.UUID) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, queryCountBindings, triggerID).Scan(&count)
	return count, err
}

func (s *Store) ListBoundOperations(ctx context.Context, triggerID uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListBoundOperations, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ops = append(ops, id)
	}
	return ops, rows.Err()
}

func (s *Store) ListOrphanedBindings(ctx context.Context, limit int) ([]store.Binding, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListOrphanedBindings, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Binding
	for rows.Next() {
		var b store.Binding
		if err := rows.Scan(&b.TriggerID, &b.OperationID); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// ---- activations ----

func (s *Store) InsertActivation(ctx context.Context, act domain.Activation) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertActivation,
		act.ID, act.TriggerID, act.OperationID, string(act.Status),
		act.ScheduledAt, act.FiredAt, act.IdempotencyKey, act.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateActivation
		}
		return err
	}
	return nil
}

func (s *Store) MarkActivationConsumed(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryMarkActivationConsumed, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListOrphanedActivations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Activation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListOrphanedActivations, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivations(rows)
}

func (s *Store) ListActivations(ctx context.Context, operationID uuid.UUID, limit, offset int) ([]domain.Activation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListActivations, operationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanActivations(rows)
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

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (domain.Operation, error) {
	var op domain.Operation
	var status string
	var payload []byte

	err := row.Scan(&op.ID, &status, &op.TriggerID, &payload, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Operation{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Operation{}, err
	}
	op.Status = domain.OperationStatus(status)
	op.Payload = json.RawMessage(payload)
	return op, nil
}

func scanOperations(rows *sql.Rows) ([]domain.Operation, error) {
	var result []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var trig domain.Trigger
	var status string
	var props []byte

	err := row.Scan(&trig.ID, &trig.Spec.Type, &props, &status, &trig.CreatedAt, &trig.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Trigger{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Trigger{}, err
	}
	trig.Status = domain.TriggerStatus(status)
	if err := json.Unmarshal(props, &trig.Spec.Properties); err != nil {
		return domain.Trigger{}, fmt.Errorf("unmarshal properties: %w", err)
	}
	return trig, nil
}

func scanActivations(rows *sql.Rows) ([]domain.Activation, error) {
	var result []domain.Activation
	for rows.Next() {
		var act domain.Activation
		var status string
		err := rows.Scan(&act.ID, &act.TriggerID, &act.OperationID, &status,
			&act.ScheduledAt, &act.FiredAt, &act.IdempotencyKey, &act.CreatedAt)
		if err != nil {
			return nil, err
		}
		act.Status = domain.ActivationStatus(status)
		result = append(result, act)
	}
	return result, rows.Err()
}

// isUniqueViolation checks for a PostgreSQL unique constraint violation
// (error code 23505) from either lib/pq or pgx error strings.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
