package persistence

import (
	"context"

	"gridvault-bot/internal/models"
)

// StateRepository defines the interface for grid state persistence.
// It abstracts the underlying storage mechanism (BadgerDB, Redis, SQLite)
// from the tick orchestrator.
type StateRepository interface {
	// SaveState atomically replaces the record of state.AccountID.
	SaveState(ctx context.Context, state *models.PersistedState) error

	// LoadState loads the record of an account.
	// If no state is found, it should return (nil, nil).
	LoadState(ctx context.Context, accountID string) (*models.PersistedState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// Backend names for the state_backend config key.
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)
