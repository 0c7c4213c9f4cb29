// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes the bridge's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedUsers tracks users with a running inbox poller.
	ConnectedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twidm_connected_users",
		Help: "Number of bridge users with an active Twitter connection.",
	})

	// PollCycles counts successful inbox polls across all users.
	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twidm_poll_cycles_total",
		Help: "Total successful inbox poll cycles.",
	})

	// PollErrors counts failed inbox polls.
	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twidm_poll_errors_total",
		Help: "Total failed inbox poll cycles.",
	})

	// EventsDispatched counts poller events handed to the bridge by type.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twidm_events_dispatched_total",
		Help: "Total poller events dispatched to bridge handlers by type.",
	}, []string{"type"})

	// BridgedMessages counts relayed messages by direction and result.
	BridgedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twidm_bridged_messages_total",
		Help: "Total messages relayed across the bridge.",
	}, []string{"direction", "result"})

	// MatrixRoomsCreated counts portal rooms created on the Matrix side.
	MatrixRoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twidm_matrix_rooms_created_total",
		Help: "Total Matrix portal rooms created.",
	})

	// Transactions counts appservice transactions by result.
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twidm_appservice_transactions_total",
		Help: "Total appservice transactions received by result.",
	}, []string{"result"})

	// LoginAttempts counts connect outcomes.
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twidm_login_attempts_total",
		Help: "Total Twitter connect attempts by result.",
	}, []string{"result"})

	// StoreOpDuration times store operations by backend and operation.
	StoreOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "twidm_store_op_duration_seconds",
		Help:    "Store operation latency by backend and operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})

	// CacheOps counts profile cache hits and misses.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twidm_cache_ops_total",
		Help: "Profile cache operations by outcome.",
	}, []string{"outcome"})
)

// Direction label values for BridgedMessages.
const (
	DirectionTwitterToMatrix = "twitter_to_matrix"
	DirectionMatrixToTwitter = "matrix_to_twitter"
)
