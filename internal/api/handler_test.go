package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
	"github.com/opengine-io/opengine/internal/registry"
	"github.com/opengine-io/opengine/internal/store/memory"
	"github.com/opengine-io/opengine/internal/testutil"
)

func newTestHandler(t *testing.T, now time.Time) (*Handler, *memory.Store, *registry.Registry) {
	t.Helper()
	st := memory.New()
	clk := testutil.NewFakeClock(now)
	reg := registry.New(registry.Config{TickInterval: time.Second}, st, nopEmitter{},
		registry.WithClock(clk.Now))
	return NewHandler(st, reg), st, reg
}

type nopEmitter struct{}

func (nopEmitter) Emit(ctx context.Context, act domain.Activation) error { return nil }

func seedOperation(t *testing.T, st *memory.Store, now time.Time) domain.Operation {
	t.Helper()
	op := testutil.Operation(domain.OperationStatusRegistered, now)
	op.Payload = json.RawMessage(`{"action":"backup"}`)
	if err := st.CreateOperation(context.Background(), op); err != nil {
		t.Fatalf("seed operation failed: %v", err)
	}
	return op
}

func doRequest(h *Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h, _, _ := newTestHandler(t, now)

	rec := doRequest(h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected ok status, got %s", resp.Status)
	}
}

type failingPinger struct{}

func (failingPinger) PingContext(ctx context.Context) error { return errors.New("conn refused") }

func TestHandler_HealthVerboseDegraded(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h, _, _ := newTestHandler(t, now)
	h.WithHealthChecker(failingPinger{})

	rec := doRequest(h, http.MethodGet, "/health?verbose=true")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded status, got %s", resp.Status)
	}
}

func TestHandler_GetOperation(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h, st, _ := newTestHandler(t, now)
	op := seedOperation(t, st, now)

	rec := doRequest(h, http.MethodGet, "/operations/"+op.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp OperationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != op.ID.String() {
		t.Errorf("expected id %s, got %s", op.ID, resp.ID)
	}
	if resp.Status != "registered" {
		t.Errorf("expected registered status, got %s", resp.Status)
	}
	if string(resp.Payload) != `{"action":"backup"}` {
		t.Errorf("unexpected payload: %s", resp.Payload)
	}
}

func TestHandler_GetOperationNotFound(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h, _, _ := newTestHandler(t, now)

	rec := doRequest(h, http.MethodGet, "/operations/"+uuid.NewString())
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = doRequest(h, http.MethodGet, "/operations/not-a-uuid")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestHandler_ListOperations(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h, st, _ := newTestHandler(t, now)
	seedOperation(t, st, now)
	seedOperation(t, st, now.Add(time.Minute))

	rec := doRequest(h, http.MethodGet, "/operations")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ListOperationsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Operations) != 2 {
		t.Errorf("expected 2 operations, got %d", len(resp.Operations))
	}

	rec = doRequest(h, http.MethodGet, "/operations?limit=1")
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Operations) != 1 {
		t.Errorf("expected 1 operation with limit=1, got %d", len(resp.Operations))
	}

	rec = doRequest(h, http.MethodGet, "/operations?limit=9999")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized limit, got %d", rec.Code)
	}
}

func TestHandler_ListActivations(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h, st, _ := newTestHandler(t, now)
	op := seedOperation(t, st, now)

	act := testutil.Activation(op.TriggerID, op.ID, now)
	if err := st.InsertActivation(context.Background(), act); err != nil {
		t.Fatalf("seed activation failed: %v", err)
	}
	if err := st.MarkActivationConsumed(context.Background(), act.ID); err != nil {
		t.Fatalf("mark consumed failed: %v", err)
	}

	rec := doRequest(h, http.MethodGet, "/operations/"+op.ID.String()+"/activations")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ListActivationsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Activations) != 1 {
		t.Fatalf("expected 1 activation, got %d", len(resp.Activations))
	}
	if resp.Activations[0].Status != "consumed" {
		t.Errorf("expected consumed status, got %s", resp.Activations[0].Status)
	}

	// The operation view reports the same activation as its latest.
	rec = doRequest(h, http.MethodGet, "/operations/"+op.ID.String())
	var opResp OperationResponse
	if err := json.NewDecoder(rec.Body).Decode(&opResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if opResp.LastActivationAt != now.UTC().Format(time.RFC3339) {
		t.Errorf("expected last activation %s, got %s", now.UTC().Format(time.RFC3339), opResp.LastActivationAt)
	}
}

func TestHandler_GetTriggerWithNextActivation(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h, _, reg := newTestHandler(t, now)

	triggerID := uuid.New()
	fireAt := now.Add(time.Hour)
	spec := domain.TriggerSpec{
		Type:       "at",
		Properties: map[string]string{"fire_at": fireAt.Format(time.RFC3339)},
	}
	if err := reg.Register(context.Background(), triggerID, uuid.New(), spec); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	rec := doRequest(h, http.MethodGet, "/triggers/"+triggerID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp TriggerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "scheduled" {
		t.Errorf("expected scheduled status, got %s", resp.Status)
	}
	if resp.NextActivationAt != fireAt.Format(time.RFC3339) {
		t.Errorf("expected next activation %s, got %s", fireAt.Format(time.RFC3339), resp.NextActivationAt)
	}
}

func TestHandler_WriteMethodsRejected(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h, _, _ := newTestHandler(t, now)

	rec := doRequest(h, http.MethodPost, "/operations")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	rec = doRequest(h, http.MethodDelete, "/operations/"+uuid.NewString())
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
