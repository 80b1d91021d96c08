package main

import (
	"log"

	"github.com/opengine-io/opengine/internal/config"
)

// logConfigWarnings flags configuration combinations that run but degrade
// delivery guarantees or operability.
func logConfigWarnings(cfg config.Config) {
	if !cfg.ReconcileEnabled {
		log.Println("WARNING [P0]: RECONCILE_ENABLED=false; orphaned activations and stuck operations are never repaired, at-least-once delivery only holds while the process stays up")
	}
	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false; no visibility into buffer pressure, claim races or delivery outcomes")
	}
	if cfg.ExecWebhookURL != "" && cfg.ExecWebhookSecret == "" {
		log.Println("WARNING [P1]: EXEC_WEBHOOK_URL set without EXEC_WEBHOOK_SECRET; webhook deliveries are unsigned")
	}
	if cfg.StoreDriver == "memory" {
		log.Println("INFO: STORE_DRIVER=memory; all state is lost on restart, intended for development only")
	}
	if cfg.StoreDriver == "postgres" && !cfg.LeaderElectionEnabled {
		log.Println("INFO: LEADER_ELECTION_ENABLED=false; with multiple instances each one fires every trigger")
	}
}
