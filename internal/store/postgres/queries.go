package postgres

const schema = `
CREATE TABLE IF NOT EXISTS operations (
    id         UUID PRIMARY KEY,
    status     TEXT NOT NULL,
    trigger_id UUID NOT NULL,
    payload    JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS operations_status_updated_idx ON operations (status, updated_at);

CREATE TABLE IF NOT EXISTS triggers (
    id         UUID PRIMARY KEY,
    type       TEXT NOT NULL,
    properties JSONB NOT NULL,
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS triggers_status_idx ON triggers (status);

CREATE TABLE IF NOT EXISTS bindings (
    trigger_id   UUID NOT NULL,
    operation_id UUID NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (trigger_id, operation_id)
);
CREATE INDEX IF NOT EXISTS bindings_operation_idx ON bindings (operation_id);

CREATE TABLE IF NOT EXISTS activations (
    id              UUID PRIMARY KEY,
    trigger_id      UUID NOT NULL,
    operation_id    UUID NOT NULL,
    status          TEXT NOT NULL,
    scheduled_at    TIMESTAMPTZ NOT NULL,
    fired_at        TIMESTAMPTZ NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS activations_operation_idx ON activations (operation_id, scheduled_at DESC);
CREATE INDEX IF NOT EXISTS activations_status_created_idx ON activations (status, created_at);
`

const queryInsertOperation = `
INSERT INTO operations (id, status, trigger_id, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryGetOperation = `
SELECT id, status, trigger_id, payload, created_at, updated_at
FROM operations
WHERE id = $1
`

const queryUpdateOperationStatus = `
UPDATE operations
SET status = $1, updated_at = NOW()
WHERE id = $2
  AND status = $3
`

const queryOperationExists = `
SELECT 1 FROM operations WHERE id = $1
`

const queryListOperations = `
SELECT id, status, trigger_id, payload, created_at, updated_at
FROM operations
ORDER BY created_at DESC, id
LIMIT $1 OFFSET $2
`

const queryListStuckOperations = `
SELECT id, status, trigger_id, payload, created_at, updated_at
FROM operations
WHERE status = $1
  AND updated_at < $2
ORDER BY updated_at ASC
LIMIT $3
`

const queryPurgeDeletedOperations = `
DELETE FROM operations
WHERE id IN (
    SELECT id FROM operations
    WHERE status = 'deleted'
      AND updated_at < $1
    ORDER BY updated_at ASC
    LIMIT $2
)
`

const queryInsertTrigger = `
INSERT INTO triggers (id, type, properties, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryGetTrigger = `
SELECT id, type, properties, status, created_at, updated_at
FROM triggers
WHERE id = $1
`

const queryUpdateTriggerStatus = `
UPDATE triggers
SET status = $1, updated_at = NOW()
WHERE id = $2
`

const queryDeleteTrigger = `
DELETE FROM triggers WHERE id = $1
`

const queryListTriggersByStatus = `
SELECT id, type, properties, status, created_at, updated_at
FROM triggers
WHERE status = $1
ORDER BY id
`

const queryInsertBinding = `
INSERT INTO bindings (trigger_id, operation_id)
VALUES ($1, $2)
ON CONFLICT (trigger_id, operation_id) DO NOTHING
`

const queryDeleteBinding = `
DELETE FROM bindings WHERE trigger_id = $1 AND operation_id = $2
`

const queryCountBindings = `
SELECT COUNT(*) FROM bindings WHERE trigger_id = $1
`

const queryListBoundOperations = `
SELECT operation_id FROM bindings WHERE trigger_id = $1 ORDER BY operation_id
`

const queryListOrphanedBindings = `
SELECT b.trigger_id, b.operation_id
FROM bindings b
LEFT JOIN operations o ON o.id = b.operation_id
WHERE o.id IS NULL OR o.status = 'deleted'
LIMIT $1
`

const queryInsertActivation = `
INSERT INTO activations (id, trigger_id, operation_id, status, scheduled_at, fired_at, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryMarkActivationConsumed = `
UPDATE activations SET status = 'consumed' WHERE id = $1
`

const queryListActivations = `
SELECT id, trigger_id, operation_id, status, scheduled_at, fired_at, idempotency_key, created_at
FROM activations
WHERE operation_id = $1
ORDER BY scheduled_at DESC
LIMIT $2 OFFSET $3
`

const queryListOrphanedActivations = `
SELECT id, trigger_id, operation_id, status, scheduled_at, fired_at, idempotency_key, created_at
FROM activations
WHERE status = 'emitted'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`
