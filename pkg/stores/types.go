package stores

import (
	"context"

	"github.com/kismet-tech/aiready/pkg/engine"
)

// Store defines the interface for the persistence layer. It groups every
// registry the engine keeps so that process-wide caches can be rebuilt from it
// at start.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Capability reports, keyed by site base URL
	engine.CapabilityStore

	// Attempt records and history
	engine.AttemptStore

	// File safety registries
	engine.FingerprintStore
	engine.ConflictStore
	engine.BackupStore

	// Manual-config suggestions
	engine.SuggestionStore

	// Endpoint lifecycle events
	engine.EventStore

	// Utility
	HealthCheck(ctx context.Context) error
}

// defaultHistoryLimit bounds history and event listings when no limit is given.
const defaultHistoryLimit = 100

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}
