package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gridvault-bot/internal/models"
)

// TradeQuery pages through trade history, newest first.
type TradeQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

func (q *TradeQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// QuoteQuery pages through quote history, optionally filtered by side.
type QuoteQuery struct {
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
	Side   string `form:"side"`
}

func (q *QuoteQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// LogQuery returns the most recent log rows, optionally of a single level.
type LogQuery struct {
	Limit int    `form:"limit"`
	Level string `form:"level"`
}

func (q *LogQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

// SaveTrade inserts a trade record.
func (s *Store) SaveTrade(ctx context.Context, t models.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, reference, timestamp, side, direction, trigger_price, crossed_bands,
			amount_in, amount_out, price, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Reference, toMillis(t.Timestamp), string(t.Side), string(t.Direction), t.TriggerPrice,
		t.CrossedBands, t.AmountIn, t.AmountOut, t.Price, string(t.Status), t.Error)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns trades newest first.
func (s *Store) ListTrades(ctx context.Context, q TradeQuery) ([]models.TradeRecord, error) {
	q.normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(reference, ''), timestamp, side, direction, trigger_price, crossed_bands,
			amount_in, amount_out, price, status, COALESCE(error, '')
		FROM trades
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]models.TradeRecord, 0, q.Limit)
	for rows.Next() {
		var (
			t               models.TradeRecord
			ts              int64
			side, dir, stat string
		)
		if err := rows.Scan(&t.ID, &t.Reference, &ts, &side, &dir, &t.TriggerPrice, &t.CrossedBands,
			&t.AmountIn, &t.AmountOut, &t.Price, &stat, &t.Error); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Timestamp = fromMillis(ts)
		t.Side = models.Side(side)
		t.Direction = models.Direction(dir)
		t.Status = models.TradeStatus(stat)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// TradeStats aggregates the whole trade history. Volumes count successful trades only.
func (s *Store) TradeStats(ctx context.Context) (models.TradeStats, error) {
	var st models.TradeStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'success' AND side = 'SELL' THEN CAST(amount_in AS REAL)
			                  WHEN status = 'success' AND side = 'BUY' THEN CAST(amount_out AS REAL)
			                  ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'success' AND side = 'SELL' THEN CAST(amount_out AS REAL)
			                  WHEN status = 'success' AND side = 'BUY' THEN CAST(amount_in AS REAL)
			                  ELSE 0 END), 0)
		FROM trades
	`).Scan(&st.TotalTrades, &st.SuccessfulTrades, &st.VolumeA, &st.VolumeB)
	if err != nil {
		return st, fmt.Errorf("query trade stats: %w", err)
	}
	st.FailedTrades = st.TotalTrades - st.SuccessfulTrades
	return st, nil
}

// SaveQuote inserts a quote record.
func (s *Store) SaveQuote(ctx context.Context, q models.QuoteRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quotes (id, timestamp, side, direction, from_asset, to_asset, amount_in, amount_out,
			min_out, price, price_impact, route, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, toMillis(q.Timestamp), string(q.Side), string(q.Direction), q.FromAsset, q.ToAsset,
		q.AmountIn, q.AmountOut, q.MinOut, nullFloat(q.Price), nullFloat(q.PriceImpact), q.Route,
		string(q.Status), q.Error)
	if err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

// ListQuotes returns quotes newest first.
func (s *Store) ListQuotes(ctx context.Context, q QuoteQuery) ([]models.QuoteRecord, error) {
	q.normalize()
	query := `
		SELECT id, timestamp, side, direction, from_asset, to_asset, amount_in, amount_out, min_out,
			price, price_impact, COALESCE(route, ''), status, COALESCE(error, '')
		FROM quotes`
	args := []any{}
	if q.Side != "" {
		query += ` WHERE side = ?`
		args = append(args, q.Side)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quotes: %w", err)
	}
	defer rows.Close()

	quotes := make([]models.QuoteRecord, 0, q.Limit)
	for rows.Next() {
		var (
			r               models.QuoteRecord
			ts              int64
			side, dir, stat string
			price, impact   sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &ts, &side, &dir, &r.FromAsset, &r.ToAsset, &r.AmountIn, &r.AmountOut,
			&r.MinOut, &price, &impact, &r.Route, &stat, &r.Error); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		r.Timestamp = fromMillis(ts)
		r.Side = models.Side(side)
		r.Direction = models.Direction(dir)
		r.Status = models.TradeStatus(stat)
		if price.Valid {
			r.Price = &price.Float64
		}
		if impact.Valid {
			r.PriceImpact = &impact.Float64
		}
		quotes = append(quotes, r)
	}
	return quotes, rows.Err()
}

// WriteLog appends an operator log row.
func (s *Store) WriteLog(ctx context.Context, e models.LogEntry) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode log metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (timestamp, level, message, metadata) VALUES (?, ?, ?, ?)
	`, toMillis(e.Timestamp), e.Level, e.Message, meta)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// ListLogs returns log rows newest first.
func (s *Store) ListLogs(ctx context.Context, q LogQuery) ([]models.LogEntry, error) {
	q.normalize()
	query := `SELECT id, timestamp, level, message, metadata FROM logs`
	args := []any{}
	if q.Level != "" {
		query += ` WHERE level = ?`
		args = append(args, q.Level)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]models.LogEntry, 0, q.Limit)
	for rows.Next() {
		var (
			e    models.LogEntry
			ts   int64
			meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode log metadata: %w", err)
			}
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
