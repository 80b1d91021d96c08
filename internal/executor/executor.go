// Package executor carries out operations when their activations fire. The
// webhook executor posts the operation payload to a configured endpoint
// with an HMAC signature and bounded retries; the log executor is the
// development fallback.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opengine-io/opengine/internal/domain"
)

var defaultBackoff = []time.Duration{
	0,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

const maxAttempts = 4

// Sender delivers one webhook attempt.
type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// Breaker guards a delivery target. Implemented by circuitbreaker.
type Breaker interface {
	Allow(target string) error
	RecordSuccess(target string)
	RecordFailure(target string)
}

// MetricsSink records delivery metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
}

type Request struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Payload   Payload
	AttemptID string
}

// Payload is the body posted to the execution endpoint. Data carries the
// operation's opaque payload untouched.
type Payload struct {
	OperationID  string          `json:"operation_id"`
	TriggerID    string          `json:"trigger_id"`
	ActivationID string          `json:"activation_id"`
	ScheduledAt  string          `json:"scheduled_at"`
	FiredAt      string          `json:"fired_at"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type Result struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r Result) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r Result) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Webhook executes operations by delivering them to an HTTP endpoint.
type Webhook struct {
	config  Config
	sender  Sender
	breaker Breaker     // optional, nil = disabled
	metrics MetricsSink // optional, nil = disabled
	backoff []time.Duration
}

func NewWebhook(config Config, sender Sender) *Webhook {
	return &Webhook{
		config:  config,
		sender:  sender,
		backoff: defaultBackoff,
	}
}

func (w *Webhook) WithBreaker(b Breaker) *Webhook {
	w.breaker = b
	return w
}

// WithMetrics attaches a metrics sink to the executor.
func (w *Webhook) WithMetrics(sink MetricsSink) *Webhook {
	w.metrics = sink
	return w
}

// Execute delivers one activation, retrying retryable failures with
// backoff. The returned error marks the whole execution as failed.
func (w *Webhook) Execute(ctx context.Context, op domain.Operation, act domain.Activation) error {
	if w.breaker != nil {
		if err := w.breaker.Allow(w.config.URL); err != nil {
			if w.metrics != nil {
				w.metrics.DeliveryOutcome("rejected")
			}
			return fmt.Errorf("target %s: %w", w.config.URL, err)
		}
	}

	req := Request{
		URL:     w.config.URL,
		Secret:  w.config.Secret,
		Timeout: w.config.Timeout,
		Payload: Payload{
			OperationID:  op.ID.String(),
			TriggerID:    act.TriggerID.String(),
			ActivationID: act.ID.String(),
			ScheduledAt:  act.ScheduledAt.UTC().Format(time.RFC3339),
			FiredAt:      act.FiredAt.UTC().Format(time.RFC3339),
			Data:         op.Payload,
		},
	}

	var lastResult Result

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			idx := attempt - 1
			if idx >= len(w.backoff) {
				idx = len(w.backoff) - 1
			}
			backoff := w.backoff[idx]

			log.Printf("executor: operation=%s attempt=%d backoff=%s", op.ID, attempt, backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		req.AttemptID = uuid.NewString()
		result := w.sender.Send(ctx, req)
		lastResult = result

		if w.metrics != nil {
			w.metrics.DeliveryAttemptCompleted(attempt, classifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		if result.IsSuccess() {
			if w.breaker != nil {
				w.breaker.RecordSuccess(w.config.URL)
			}
			if w.metrics != nil {
				w.metrics.DeliveryOutcome("success")
			}
			return nil
		}

		if w.breaker != nil {
			w.breaker.RecordFailure(w.config.URL)
		}

		if !result.IsRetryable() {
			log.Printf("executor: operation=%s non-retryable status=%d", op.ID, result.StatusCode)
			break
		}

		log.Printf("executor: operation=%s attempt=%d failed status=%d err=%v", op.ID, attempt, result.StatusCode, result.Error)
	}

	if w.metrics != nil {
		w.metrics.DeliveryOutcome("failed")
	}
	if lastResult.Error != nil {
		return fmt.Errorf("deliver operation %s: %w", op.ID, lastResult.Error)
	}
	return fmt.Errorf("deliver operation %s: status %d", op.ID, lastResult.StatusCode)
}

// classifyStatus maps an HTTP status code and error to a bounded set of
// metric labels: 2xx, 4xx, 5xx, timeout, connection_error, other_error.
func classifyStatus(statusCode int, err error) string {
	if err != nil {
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") ||
			strings.Contains(errStr, "dial") {
			return "connection_error"
		}
		return "other_error"
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "other_error"
	}
}
