package bot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gridvault-bot/internal/grid"
	"gridvault-bot/internal/idgen"
	"gridvault-bot/internal/models"
)

// TickOutcome is how a single tick ended.
type TickOutcome int

const (
	TickNone TickOutcome = iota // no tick has run yet
	TickSkipped
	TickPriceUnavailable
	TickNoAction
	TickQuoteFailed
	TickTradeSucceeded
	TickTradeFailed
	TickAborted
)

func (o TickOutcome) String() string {
	switch o {
	case TickSkipped:
		return "skipped"
	case TickPriceUnavailable:
		return "price_unavailable"
	case TickNoAction:
		return "no_action"
	case TickQuoteFailed:
		return "quote_failed"
	case TickTradeSucceeded:
		return "trade_succeeded"
	case TickTradeFailed:
		return "trade_failed"
	case TickAborted:
		return "aborted"
	default:
		return "none"
	}
}

// Tick runs one observation/decision/trade cycle. Only one tick runs at a time; a call made
// while another tick is in progress returns TickSkipped without doing anything.
//
// The sequence is: fetch price, apply staged operator changes, decide, and on a crossing
// quote, persist the in-flight state, execute, record and persist the resolution.
// A price failure leaves the state untouched, and so does a panic raised while fetching it. Any
// panic after the price fetch is recovered, the in-flight flag is cleared and the state persisted.
func (b *GridBot) Tick(ctx context.Context) TickOutcome {
	if !b.tickMu.TryLock() {
		b.logger.Debug("tick skipped, previous tick still running")
		b.metrics.Ticks.WithLabelValues(TickSkipped.String()).Inc()
		return TickSkipped
	}
	defer b.tickMu.Unlock()

	start := b.now()
	outcome := b.runTick(ctx)

	b.mu.Lock()
	b.ticks++
	b.lastTickTime = start
	b.lastOutcome = outcome
	b.mu.Unlock()
	b.metrics.Ticks.WithLabelValues(outcome.String()).Inc()
	b.metrics.TickDuration.Observe(b.now().Sub(start).Seconds())
	return outcome
}

// runTick recovers panics raised before process takes over; nothing has touched the state yet,
// so the tick just ends.
func (b *GridBot) runTick(ctx context.Context) (outcome TickOutcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tick aborted by panic before decision", zap.Any("panic", r), zap.Stack("stack"))
			b.history.RecordLog("error", "tick aborted", map[string]any{"panic": fmt.Sprint(r)})
			b.setLastError(fmt.Errorf("panic: %v", r))
			outcome = TickAborted
		}
	}()

	b.mu.RLock()
	pair := [2]string{b.cfg.AssetA, b.cfg.AssetB}
	if b.pendingCfg != nil {
		pair = [2]string{b.pendingCfg.AssetA, b.pendingCfg.AssetB}
	}
	b.mu.RUnlock()

	price, err := b.fetchPrice(ctx, pair[0], pair[1])
	if err != nil {
		b.logger.Warn("price unavailable, skipping tick", zap.String("pair", pair[0]+"/"+pair[1]), zap.Error(err))
		b.history.RecordLog("warn", "price unavailable", map[string]any{"pair": pair[0] + "/" + pair[1], "error": err.Error()})
		b.setLastError(err)
		return TickPriceUnavailable
	}

	return b.process(ctx, price)
}

func (b *GridBot) fetchPrice(ctx context.Context, assetA, assetB string) (float64, error) {
	if b.priceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.priceTimeout)
		defer cancel()
	}
	price, err := b.prices.GetPrice(ctx, assetA, assetB)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %v", price)
	}

	b.mu.Lock()
	b.lastPrice = price
	b.lastPriceTime = b.now()
	b.mu.Unlock()
	b.metrics.LastPrice.Set(price)
	return price, nil
}

// process covers everything after a successful price fetch.
func (b *GridBot) process(ctx context.Context, price float64) (outcome TickOutcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tick aborted by panic", zap.Any("panic", r), zap.Stack("stack"))
			b.history.RecordLog("error", "tick aborted", map[string]any{"panic": fmt.Sprint(r)})
			b.setLastError(fmt.Errorf("panic: %v", r))
			b.resolve(false)
			_ = b.persist(ctx)
			outcome = TickAborted
		}
	}()

	b.applyPending()

	b.mu.RLock()
	cfg := b.cfg
	state := b.state.Clone()
	b.mu.RUnlock()

	intent, next := grid.Decide(cfg, state, price)
	b.commit(next)

	if intent == nil {
		_ = b.persist(ctx)
		return TickNoAction
	}

	b.logger.Info("grid crossing",
		zap.String("side", string(intent.Side)),
		zap.Float64("price", price),
		zap.Float64("trigger_price", intent.TriggerPrice),
		zap.Int("crossed_bands", intent.CrossedBands),
		zap.Intp("from_band", state.LastBand),
		zap.Intp("to_band", next.LastBand),
		zap.String("amount_in", intent.AmountIn.String()))

	quote, err := b.requestQuote(ctx, cfg, *intent, price)
	if err != nil {
		b.logger.Warn("quote failed, trade not placed", zap.String("side", string(intent.Side)), zap.Error(err))
		b.history.RecordLog("warn", "quote failed", map[string]any{"side": string(intent.Side), "error": err.Error()})
		b.setLastError(err)
		b.resolve(false)
		_ = b.persist(ctx)
		return TickQuoteFailed
	}

	// The in-flight state must be durable before anything reaches the venue.
	if err := b.persist(ctx); err != nil {
		b.logger.Error("could not persist in-flight state, trade abandoned", zap.Error(err))
		b.history.RecordLog("error", "trade abandoned: in-flight state not persisted", map[string]any{"error": err.Error()})
		b.resolve(false)
		_ = b.persist(ctx)
		return TickAborted
	}

	result := b.execute(ctx, *intent, *quote)
	b.recordTrade(*intent, *quote, result)
	b.resolve(result.Success)
	_ = b.persist(ctx)

	if result.Success {
		b.logger.Info("trade executed",
			zap.String("side", string(intent.Side)),
			zap.String("amount_in", result.AmountIn.String()),
			zap.String("amount_out", result.AmountOut.String()),
			zap.String("reference", result.Reference))
		b.history.RecordLog("info", "trade executed", map[string]any{
			"side": string(intent.Side), "amount_in": result.AmountIn.String(),
			"amount_out": result.AmountOut.String(), "reference": result.Reference,
		})
		return TickTradeSucceeded
	}

	b.logger.Warn("trade failed",
		zap.String("side", string(intent.Side)),
		zap.String("reference", result.Reference),
		zap.String("error", result.Error))
	b.history.RecordLog("warn", "trade failed", map[string]any{
		"side": string(intent.Side), "reference": result.Reference, "error": result.Error,
	})
	b.setLastError(errors.New(result.Error))
	return TickTradeFailed
}

// applyPending installs a staged config or reset. A change of geometry or pair drops the band.
func (b *GridBot) applyPending() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pendingCfg != nil {
		next := *b.pendingCfg
		b.pendingCfg = nil
		if !next.SameGrid(b.cfg) && b.state.LastBand != nil {
			b.state.LastBand = nil
			b.logger.Info("grid geometry or pair changed, band tracking restarts")
		}
		b.cfg = next
		b.logger.Info("config update applied")
	}
	if b.pendingReset {
		b.pendingReset = false
		b.state.LastBand = nil
		b.logger.Info("band tracking reset")
	}
}

// commit installs the state proposed by the decision engine.
func (b *GridBot) commit(next models.GridState) {
	b.mu.Lock()
	b.state = next
	b.mu.Unlock()

	b.metrics.SetBand(next.LastBand)
	b.metrics.SetInFlight(next.InFlight)
}

// resolve clears the in-flight flag; a successful trade also stamps the trade time.
func (b *GridBot) resolve(success bool) {
	b.mu.Lock()
	b.state.InFlight = false
	if success {
		t := b.now()
		b.state.LastTradeTime = &t
		b.trades++
	}
	b.mu.Unlock()
	b.metrics.SetInFlight(false)
}

func (b *GridBot) requestQuote(ctx context.Context, cfg models.GridConfig, intent models.TradeIntent, price float64) (*models.QuoteResult, error) {
	if b.quoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.quoteTimeout)
		defer cancel()
	}
	req := models.QuoteRequest{
		Side:           intent.Side,
		AssetA:         cfg.AssetA,
		AssetB:         cfg.AssetB,
		Notional:       intent.AmountIn,
		SlippageBps:    cfg.SlippageBps,
		ReferencePrice: price,
	}
	quote, err := b.quotes.Quote(ctx, req)
	if err == nil && quote == nil {
		err = errors.New("quote provider returned no quote")
	}

	from, to := cfg.AssetB, cfg.AssetA
	if intent.Side == models.Sell {
		from, to = cfg.AssetA, cfg.AssetB
	}
	rec := models.QuoteRecord{
		ID:        idgen.NewRecordID(),
		Timestamp: b.now(),
		Side:      intent.Side,
		Direction: intent.Side.Direction(),
		FromAsset: from,
		ToAsset:   to,
		AmountIn:  intent.AmountIn.String(),
		AmountOut: "0",
		MinOut:    "0",
	}
	if err != nil {
		rec.Status = models.StatusFailure
		rec.Error = err.Error()
		b.history.RecordQuote(rec)
		b.metrics.Quotes.WithLabelValues(string(intent.Side), string(models.StatusFailure)).Inc()
		return nil, err
	}

	p, impact := quote.Price, quote.PriceImpact
	rec.AmountIn = quote.AmountIn.String()
	rec.AmountOut = quote.EstimatedOut.String()
	rec.MinOut = quote.MinOut.String()
	rec.Price = &p
	rec.PriceImpact = &impact
	rec.Route = quote.Route
	rec.Status = models.StatusSuccess
	b.history.RecordQuote(rec)
	b.metrics.Quotes.WithLabelValues(string(intent.Side), string(models.StatusSuccess)).Inc()

	b.logger.Info("quote received",
		zap.String("side", string(intent.Side)),
		zap.String("amount_in", rec.AmountIn),
		zap.String("estimated_out", rec.AmountOut),
		zap.String("min_out", rec.MinOut),
		zap.Float64("price_impact", impact),
		zap.String("route", quote.Route))
	return quote, nil
}

// execute always yields a determinate outcome; an executor error becomes a failed outcome.
func (b *GridBot) execute(ctx context.Context, intent models.TradeIntent, quote models.QuoteResult) models.TradeOutcome {
	out, err := b.executor.Execute(ctx, intent, quote)
	switch {
	case err != nil:
		return models.TradeOutcome{Success: false, AmountIn: quote.AmountIn, Error: err.Error(), Timestamp: b.now()}
	case out == nil:
		return models.TradeOutcome{Success: false, AmountIn: quote.AmountIn, Error: "executor returned no outcome", Timestamp: b.now()}
	}
	if !out.Success && out.Error == "" {
		out.Error = "execution failed"
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = b.now()
	}
	return *out
}

func (b *GridBot) recordTrade(intent models.TradeIntent, quote models.QuoteResult, out models.TradeOutcome) {
	status := models.StatusSuccess
	if !out.Success {
		status = models.StatusFailure
		b.mu.Lock()
		b.failedTrades++
		b.mu.Unlock()
	}

	price := quote.Price
	if out.Success && out.AmountIn.IsPositive() && out.AmountOut.IsPositive() {
		if intent.Side == models.Buy {
			price = out.AmountIn.Div(out.AmountOut).InexactFloat64()
		} else {
			price = out.AmountOut.Div(out.AmountIn).InexactFloat64()
		}
	}

	b.history.RecordTrade(models.TradeRecord{
		ID:           idgen.NewRecordID(),
		Reference:    out.Reference,
		Timestamp:    out.Timestamp,
		Side:         intent.Side,
		Direction:    intent.Side.Direction(),
		TriggerPrice: intent.TriggerPrice,
		CrossedBands: intent.CrossedBands,
		AmountIn:     out.AmountIn.String(),
		AmountOut:    out.AmountOut.String(),
		Price:        price,
		Status:       status,
		Error:        out.Error,
	})
	b.metrics.Trades.WithLabelValues(string(intent.Side), string(status)).Inc()
}

// persist writes the current state; every tick that observed a price ends here. Failures are
// logged and counted; the in-memory state stays authoritative and the next tick tries again.
func (b *GridBot) persist(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	b.mu.RLock()
	rec := &models.PersistedState{
		AccountID: b.accountID,
		State:     b.state.Clone(),
		Config:    b.cfg,
		UpdatedAt: b.now(),
	}
	b.mu.RUnlock()

	if err := b.store.SaveState(ctx, rec); err != nil {
		b.mu.Lock()
		b.persistFailures++
		failures := b.persistFailures
		b.mu.Unlock()
		b.metrics.PersistFailures.Inc()
		b.logger.Error("failed to persist grid state; in-memory state remains authoritative",
			zap.Int("consecutive_failures", failures), zap.Error(err))
		b.history.RecordLog("error", "failed to persist grid state", map[string]any{
			"consecutive_failures": failures, "error": err.Error(),
		})
		b.setLastError(err)
		return err
	}

	b.mu.Lock()
	if b.persistFailures > 0 {
		b.logger.Info("state persistence recovered", zap.Int("after_failures", b.persistFailures))
	}
	b.persistFailures = 0
	b.mu.Unlock()
	return nil
}

func (b *GridBot) setLastError(err error) {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
}
