// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates synchronization counters. A nil *Collector is valid and
// records nothing, so callers never need to guard.
type Collector struct {
	registry *prometheus.Registry

	pollFetches       prometheus.Counter
	streamPayloads    prometheus.Counter
	streamReconnects  prometheus.Counter
	reconcileOps      prometheus.Counter
	activeSessions    prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pollFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quid_poll_fetches_total",
			Help: "Snapshot fetches issued by the polling fallback",
		}),
		streamPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quid_stream_payloads_total",
			Help: "Incremental snapshots delivered over the event stream",
		}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quid_stream_reconnects_total",
			Help: "Stream reconnect attempts",
		}),
		reconcileOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quid_reconcile_operations_total",
			Help: "Page snapshots merged into accumulated lists",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quid_active_sessions",
			Help: "Currently active list sessions",
		}),
	}

	c.registry.MustRegister(
		c.pollFetches,
		c.streamPayloads,
		c.streamReconnects,
		c.reconcileOps,
		c.activeSessions,
	)

	return c
}

// Registry returns the collector's registry for the metrics server.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) PollFetch() {
	if c != nil {
		c.pollFetches.Inc()
	}
}

func (c *Collector) StreamPayload() {
	if c != nil {
		c.streamPayloads.Inc()
	}
}

func (c *Collector) StreamReconnect() {
	if c != nil {
		c.streamReconnects.Inc()
	}
}

func (c *Collector) Reconcile() {
	if c != nil {
		c.reconcileOps.Inc()
	}
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.activeSessions.Inc()
	}
}

func (c *Collector) SessionClosed() {
	if c != nil {
		c.activeSessions.Dec()
	}
}
