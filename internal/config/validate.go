package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// STORE_DRIVER must be "postgres" or "memory"
	if cfg.StoreDriver != "" && cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		errs = append(errs, ValidationError{
			Field:   "STORE_DRIVER",
			Message: fmt.Sprintf("must be 'postgres' or 'memory', got %q", cfg.StoreDriver),
		})
	}

	// DATABASE_URL is required for the postgres driver
	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required when STORE_DRIVER is postgres",
		})
	}

	// Leader election takes a postgres advisory lock
	if cfg.LeaderElectionEnabled && cfg.StoreDriver != "postgres" {
		errs = append(errs, ValidationError{
			Field:   "LEADER_ELECTION_ENABLED",
			Message: "requires STORE_DRIVER=postgres",
		})
	}

	errs = append(errs, validateDuration("TICK_INTERVAL", cfg.TickIntervalStr)...)
	errs = append(errs, validateDuration("RECONCILE_INTERVAL", cfg.ReconcileIntervalStr)...)
	errs = append(errs, validateDuration("RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr)...)
	errs = append(errs, validateDuration("RECONCILE_RETENTION", cfg.ReconcileRetentionStr)...)
	errs = append(errs, validateDuration("EXEC_WEBHOOK_TIMEOUT", cfg.ExecWebhookTimeoutStr)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		}}
	}
	if d <= 0 {
		return ValidationErrors{{
			Field:   field,
			Message: "must be positive",
		}}
	}
	return nil
}
