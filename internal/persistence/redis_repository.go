package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"gridvault-bot/internal/models"
)

const redisKeyPrefix = "gridvault:state:"

type redisRepository struct {
	rdb *redis.Client
}

// NewRedisRepository stores each account record as a JSON string without expiry.
func NewRedisRepository(ctx context.Context, addr, password string, db int) (StateRepository, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &redisRepository{rdb: rdb}, nil
}

// NewRedisRepositoryFromClient wraps an existing client.
func NewRedisRepositoryFromClient(rdb *redis.Client) StateRepository {
	return &redisRepository{rdb: rdb}
}

func (r *redisRepository) SaveState(ctx context.Context, state *models.PersistedState) error {
	if state == nil || state.AccountID == "" {
		return errors.New("persisted state requires an account id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, redisKeyPrefix+state.AccountID, data, 0).Err()
}

func (r *redisRepository) LoadState(ctx context.Context, accountID string) (*models.PersistedState, error) {
	data, err := r.rdb.Get(ctx, redisKeyPrefix+accountID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state models.PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state of %s: %w", accountID, err)
	}
	return &state, nil
}

func (r *redisRepository) Close() error {
	return r.rdb.Close()
}
