// Package api serves the read-only introspection endpoints. Operations are
// created and deleted through the gateway, never over HTTP; this surface
// exists for operators and dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/store"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	GetOperation(ctx context.Context, id uuid.UUID) (domain.Operation, error)
	ListOperations(ctx context.Context, limit, offset int) ([]domain.Operation, error)
	ListActivations(ctx context.Context, operationID uuid.UUID, limit, offset int) ([]domain.Activation, error)
	LatestActivation(ctx context.Context, operationID uuid.UUID) (domain.Activation, error)
	GetTrigger(ctx context.Context, id uuid.UUID) (domain.Trigger, error)
}

// Registry answers "when does this trigger fire next".
type Registry interface {
	NextActivation(triggerID uuid.UUID) (time.Time, bool)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store    Store
	registry Registry
	db       HealthChecker
}

func NewHandler(st Store, reg Registry) *Handler {
	return &Handler{store: st, registry: reg}
}

// WithHealthChecker sets the database health checker for verbose /health
// responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := r.URL.Path

	switch {
	case path == "/health":
		h.health(w, r)

	case path == "/operations":
		h.listOperations(w, r)

	case strings.HasPrefix(path, "/operations/") && strings.HasSuffix(path, "/activations"):
		h.listActivations(w, r)

	case strings.HasPrefix(path, "/operations/"):
		h.getOperation(w, r)

	case strings.HasPrefix(path, "/triggers/"):
		h.getTrigger(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ops, err := h.store.ListOperations(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list operations error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}

	resp := ListOperationsResponse{Operations: make([]OperationResponse, len(ops))}
	for i, op := range ops {
		resp.Operations[i] = operationResponse(op)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getOperation(w http.ResponseWriter, r *http.Request) {
	// Path: /operations/{id}
	id, ok := pathID(w, r.URL.Path, "operations", 2)
	if !ok {
		return
	}

	op, err := h.store.GetOperation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		log.Printf("api: get operation error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get operation")
		return
	}

	resp := operationResponse(op)
	if act, err := h.store.LatestActivation(r.Context(), op.ID); err == nil {
		resp.LastActivationAt = formatTime(act.FiredAt)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listActivations(w http.ResponseWriter, r *http.Request) {
	// Path: /operations/{id}/activations
	id, ok := pathID(w, r.URL.Path, "operations", 3)
	if !ok {
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acts, err := h.store.ListActivations(r.Context(), id, limit, offset)
	if err != nil {
		log.Printf("api: list activations error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list activations")
		return
	}

	resp := ListActivationsResponse{Activations: make([]ActivationResponse, len(acts))}
	for i, act := range acts {
		resp.Activations[i] = ActivationResponse{
			ID:          act.ID.String(),
			TriggerID:   act.TriggerID.String(),
			OperationID: act.OperationID.String(),
			Status:      string(act.Status),
			ScheduledAt: formatTime(act.ScheduledAt),
			FiredAt:     formatTime(act.FiredAt),
			CreatedAt:   formatTime(act.CreatedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTrigger(w http.ResponseWriter, r *http.Request) {
	// Path: /triggers/{id}
	id, ok := pathID(w, r.URL.Path, "triggers", 2)
	if !ok {
		return
	}

	trig, err := h.store.GetTrigger(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	if err != nil {
		log.Printf("api: get trigger error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get trigger")
		return
	}

	resp := TriggerResponse{
		ID:         trig.ID.String(),
		Type:       trig.Spec.Type,
		Properties: trig.Spec.Properties,
		Status:     string(trig.Status),
		CreatedAt:  formatTime(trig.CreatedAt),
		UpdatedAt:  formatTime(trig.UpdatedAt),
	}
	if h.registry != nil {
		if next, ok := h.registry.NextActivation(trig.ID); ok {
			resp.NextActivationAt = formatTime(next)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func operationResponse(op domain.Operation) OperationResponse {
	return OperationResponse{
		ID:        op.ID.String(),
		Status:    string(op.Status),
		TriggerID: op.TriggerID.String(),
		Payload:   op.Payload,
		CreatedAt: formatTime(op.CreatedAt),
		UpdatedAt: formatTime(op.UpdatedAt),
	}
}

// pathID extracts the uuid segment from paths like /operations/{id} or
// /operations/{id}/activations (wantParts counts segments after trimming).
func pathID(w http.ResponseWriter, path, resource string, wantParts int) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != wantParts || parts[0] != resource {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
