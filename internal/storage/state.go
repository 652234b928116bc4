package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"gridvault-bot/internal/models"
)

// SaveState upserts the record of state.AccountID. Store satisfies persistence.StateRepository.
func (s *Store) SaveState(ctx context.Context, state *models.PersistedState) error {
	if state == nil || state.AccountID == "" {
		return errors.New("persisted state requires an account id")
	}
	cfg, err := json.Marshal(state.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	var lastBand, lastTrade sql.NullInt64
	if state.State.LastBand != nil {
		lastBand = sql.NullInt64{Int64: int64(*state.State.LastBand), Valid: true}
	}
	if state.State.LastTradeTime != nil {
		lastTrade = sql.NullInt64{Int64: toMillis(*state.State.LastTradeTime), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state (account_id, last_band, in_flight, last_trade_time, config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_band = excluded.last_band,
			in_flight = excluded.in_flight,
			last_trade_time = excluded.last_trade_time,
			config = excluded.config,
			updated_at = excluded.updated_at
	`, state.AccountID, lastBand, state.State.InFlight, lastTrade, string(cfg), toMillis(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState returns (nil, nil) when the account has no record.
func (s *Store) LoadState(ctx context.Context, accountID string) (*models.PersistedState, error) {
	var (
		lastBand, lastTrade sql.NullInt64
		inFlight            bool
		cfg                 string
		updatedAt           int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_band, in_flight, last_trade_time, config, updated_at
		FROM state WHERE account_id = ?
	`, accountID).Scan(&lastBand, &inFlight, &lastTrade, &cfg, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	out := &models.PersistedState{
		AccountID: accountID,
		State:     models.GridState{InFlight: inFlight},
		UpdatedAt: fromMillis(updatedAt),
	}
	if lastBand.Valid {
		band := int(lastBand.Int64)
		out.State.LastBand = &band
	}
	if lastTrade.Valid {
		t := fromMillis(lastTrade.Int64)
		out.State.LastTradeTime = &t
	}
	if err := json.Unmarshal([]byte(cfg), &out.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}
