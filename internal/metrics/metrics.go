// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics wires DRONE's per-round counters into Prometheus: a
// Metrics struct holding a Registerer, with every collector registered
// up front and any registration failures accumulated into one error.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/drone/utils/wrappers"
)

// Metrics holds every Prometheus collector the agent runtime updates.
type Metrics struct {
	Registry prometheus.Registerer

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	Rebroadcasts     prometheus.Counter
	StrongAgreement  prometheus.Gauge
	RoundDuration    prometheus.Histogram
	NodeUtility      prometheus.Gauge
}

// New registers and returns a Metrics for node against reg. Any
// registration failure is aggregated and returned as a single error
// using wrappers.Errs.
func New(node string, reg prometheus.Registerer) (*Metrics, error) {
	labels := prometheus.Labels{"node": node}
	m := &Metrics{
		Registry: reg,
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "drone_messages_sent_total",
			Help:        "Total number of vote messages sent.",
			ConstLabels: labels,
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "drone_messages_received_total",
			Help:        "Total number of vote messages received.",
			ConstLabels: labels,
		}),
		Rebroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "drone_rebroadcasts_total",
			Help:        "Total number of full-neighborhood rebroadcasts issued.",
			ConstLabels: labels,
		}),
		StrongAgreement: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "drone_strong_agreement",
			Help:        "1 if the most recent round ended in strong agreement, else 0.",
			ConstLabels: labels,
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "drone_round_duration_seconds",
			Help:        "Wall-clock duration of each round.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		NodeUtility: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "drone_node_utility",
			Help:        "This node's current total private utility.",
			ConstLabels: labels,
		}),
	}

	var errs wrappers.Errs
	errs.Add(reg.Register(m.MessagesSent))
	errs.Add(reg.Register(m.MessagesReceived))
	errs.Add(reg.Register(m.Rebroadcasts))
	errs.Add(reg.Register(m.StrongAgreement))
	errs.Add(reg.Register(m.RoundDuration))
	errs.Add(reg.Register(m.NodeUtility))
	if errs.Errored() {
		return nil, errs.Err()
	}
	return m, nil
}

// ObserveRound records the outcome of one completed round.
func (m *Metrics) ObserveRound(strongAgreement bool, durationSeconds float64, nodeUtility int) {
	if strongAgreement {
		m.StrongAgreement.Set(1)
	} else {
		m.StrongAgreement.Set(0)
	}
	m.RoundDuration.Observe(durationSeconds)
	m.NodeUtility.Set(float64(nodeUtility))
}
