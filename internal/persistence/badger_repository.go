package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"gridvault-bot/internal/models"
)

const badgerKeyPrefix = "grid_state/"

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	return openBadger(opts)
}

// NewInMemoryBadgerRepository keeps everything in memory; nothing survives Close.
func NewInMemoryBadgerRepository() (StateRepository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (StateRepository, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

func badgerKey(accountID string) []byte {
	return []byte(badgerKeyPrefix + accountID)
}

// SaveState marshals the record into JSON and stores it under the account key.
func (r *badgerRepository) SaveState(ctx context.Context, state *models.PersistedState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil || state.AccountID == "" {
		return errors.New("persisted state requires an account id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(state.AccountID), data)
	})
}

// LoadState returns (nil, nil) when the account has no record.
func (r *badgerRepository) LoadState(ctx context.Context, accountID string) (*models.PersistedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var state models.PersistedState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(accountID))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
