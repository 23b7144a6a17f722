// Package metrics collects engine counters and exposes them for Prometheus
// scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	events        *prometheus.CounterVec
	sends         prometheus.Counter
	droppedSends  prometheus.Counter
	dedupReplaced prometheus.Counter
	promotions    prometheus.Counter
	refreshes     prometheus.Counter
	reconnects    prometheus.Counter
}

// NewCollector registers all engine metrics on the given registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sverka_events_total",
			Help: "Inbound channel events by type",
		}, []string{"type"}),
		sends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sverka_sends_total",
			Help: "Outbound message intents accepted",
		}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sverka_dropped_sends_total",
			Help: "Outbound message intents dropped because the channel was not live",
		}),
		dedupReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sverka_dedup_replaced_total",
			Help: "Messages that replaced an optimistic duplicate",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sverka_promotions_total",
			Help: "Provisional conversations promoted to confirmed",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sverka_refreshes_total",
			Help: "Successful credential refreshes",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sverka_reconnects_total",
			Help: "Streaming channel replacements",
		}),
	}

	reg.MustRegister(
		c.events,
		c.sends,
		c.droppedSends,
		c.dedupReplaced,
		c.promotions,
		c.refreshes,
		c.reconnects,
	)

	return c
}

func (c *Collector) RecordEvent(eventType string) { c.events.WithLabelValues(eventType).Inc() }

func (c *Collector) RecordSend() { c.sends.Inc() }

func (c *Collector) RecordDroppedSend() { c.droppedSends.Inc() }

func (c *Collector) RecordDedupReplaced() { c.dedupReplaced.Inc() }

func (c *Collector) RecordPromotion() { c.promotions.Inc() }

func (c *Collector) RecordRefresh() { c.refreshes.Inc() }

func (c *Collector) RecordReconnect() { c.reconnects.Inc() }

// Handler returns the scrape endpoint for the registry backing the
// collector.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
