package executor

import (
	"context"
	"log"
	"time"

	"github.com/opengine-io/opengine/internal/domain"
)

// Log executes operations by logging them. Development default when no
// webhook endpoint is configured.
type Log struct{}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Execute(ctx context.Context, op domain.Operation, act domain.Activation) error {
	log.Printf("executor: operation=%s trigger=%s scheduled_at=%s payload=%s",
		op.ID, act.TriggerID, act.ScheduledAt.Format(time.RFC3339), string(op.Payload))
	return nil
}
