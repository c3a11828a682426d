// Package metrics defines the process-wide counters for every silent-drop
// path: decode failures, stale-slot conflicts, policy blocks, queue
// evictions, and subscriber drops. Exposed on the hub's HTTP mux via
// promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecodeDropped counts raw notifications dropped by the normalizer
	// because no decoder recognized them. Never surfaced as an error.
	DecodeDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mev_decode_dropped_total",
		Help: "Raw notifications dropped due to unknown program or layout.",
	}, []string{"program"})

	// StateConflicts counts events dropped for arriving with a slot older
	// than the current state for the same account or pool.
	StateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mev_state_conflicts_total",
		Help: "Out-of-order events dropped (stale slot).",
	})

	// PolicyBlockedSandwich counts sandwich candidates suppressed because
	// ethical mode is enabled.
	PolicyBlockedSandwich = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mev_policy_blocked_sandwich_total",
		Help: "Sandwich opportunities suppressed by ethical mode.",
	})

	// OpportunitiesDropped counts opportunities evicted from a full
	// detector output queue (lowest-profit-first policy).
	OpportunitiesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mev_opportunities_dropped_total",
		Help: "Opportunities evicted from a full detector queue.",
	}, []string{"detector"})

	// OpportunitiesEmitted counts opportunities handed downstream.
	OpportunitiesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mev_opportunities_emitted_total",
		Help: "Opportunities emitted by each detector.",
	}, []string{"detector"})

	// SubscribersDropped counts subscribers dropped from a topic for
	// overflowing their queue. Delivery resumes only on re-subscribe.
	SubscribersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mev_subscribers_dropped_total",
		Help: "Subscribers dropped from a topic due to backpressure.",
	}, []string{"topic"})

	// BundlesSubmitted counts bundles sent to the block engine, by terminal
	// state once known.
	BundlesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mev_bundles_submitted_total",
		Help: "Bundles submitted to the block engine.",
	})

	// BundleOutcomes counts terminal transitions by state.
	BundleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mev_bundle_outcomes_total",
		Help: "Terminal bundle outcomes by state.",
	}, []string{"state"})

	// Reconnects counts chain stream reconnections.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mev_chain_reconnects_total",
		Help: "Chain push stream reconnections.",
	})
)
