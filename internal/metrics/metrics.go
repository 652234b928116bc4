// Package metrics holds the Prometheus collectors of the bot.
//
//   - gridbot_ticks_total{outcome}            ticks by outcome
//   - gridbot_trades_total{side,status}       executed trades
//   - gridbot_quotes_total{side,status}       quote requests
//   - gridbot_persist_failures_total          failed state saves
//   - gridbot_current_band                    last located band, -1 when unset
//   - gridbot_in_flight                       1 while a trade is unresolved
//   - gridbot_last_price                      last observed price
//   - gridbot_tick_duration_seconds           tick latency
//
// Each Collector owns its registry so tests and multiple bots do not collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the bot's metrics.
type Collector struct {
	registry *prometheus.Registry

	Ticks           *prometheus.CounterVec
	Trades          *prometheus.CounterVec
	Quotes          *prometheus.CounterVec
	PersistFailures prometheus.Counter
	CurrentBand     prometheus.Gauge
	InFlight        prometheus.Gauge
	LastPrice       prometheus.Gauge
	TickDuration    prometheus.Histogram
}

// New creates and registers all collectors, plus the Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridbot_ticks_total",
				Help: "Ticks by outcome",
			},
			[]string{"outcome"},
		),
		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridbot_trades_total",
				Help: "Executed trades by side and status",
			},
			[]string{"side", "status"},
		),
		Quotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridbot_quotes_total",
				Help: "Quote requests by side and status",
			},
			[]string{"side", "status"},
		),
		PersistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gridbot_persist_failures_total",
				Help: "Failed grid state saves",
			},
		),
		CurrentBand: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gridbot_current_band",
				Help: "Last located band index (-1 when unset)",
			},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gridbot_in_flight",
				Help: "1 while a trade is dispatched but unresolved",
			},
		),
		LastPrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gridbot_last_price",
				Help: "Last observed price of asset A in asset B",
			},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gridbot_tick_duration_seconds",
				Help:    "Tick latency",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	c.CurrentBand.Set(-1)
	c.registry.MustRegister(
		c.Ticks, c.Trades, c.Quotes, c.PersistFailures,
		c.CurrentBand, c.InFlight, c.LastPrice, c.TickDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBand records the current band; nil means unset.
func (c *Collector) SetBand(band *int) {
	if band == nil {
		c.CurrentBand.Set(-1)
		return
	}
	c.CurrentBand.Set(float64(*band))
}

// SetInFlight records the in-flight flag.
func (c *Collector) SetInFlight(inFlight bool) {
	if inFlight {
		c.InFlight.Set(1)
		return
	}
	c.InFlight.Set(0)
}
