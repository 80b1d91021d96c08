package api

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type OperationResponse struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	TriggerID        string          `json:"trigger_id"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	LastActivationAt string          `json:"last_activation_at,omitempty"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

type ListOperationsResponse struct {
	Operations []OperationResponse `json:"operations"`
}

type ActivationResponse struct {
	ID          string `json:"id"`
	TriggerID   string `json:"trigger_id"`
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	ScheduledAt string `json:"scheduled_at"`
	FiredAt     string `json:"fired_at"`
	CreatedAt   string `json:"created_at"`
}

type ListActivationsResponse struct {
	Activations []ActivationResponse `json:"activations"`
}

type TriggerResponse struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Properties       map[string]string `json:"properties"`
	Status           string            `json:"status"`
	NextActivationAt string            `json:"next_activation_at,omitempty"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
