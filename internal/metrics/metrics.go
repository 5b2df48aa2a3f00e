// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Lock acquisition outcomes.
const (
	LockAcquired    = "acquired"
	LockTimeout     = "timeout"
	LockUnavailable = "unavailable"
	LockError       = "error"
)

var (
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "walletpool",
		Name:      "lock_acquisitions_total",
		Help:      "Wallet lock acquisition attempts by outcome.",
	}, []string{"outcome"})

	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "walletpool",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for a wallet lock.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	LocksLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "walletpool",
		Name:      "locks_lost_total",
		Help:      "Releases that found the lock already expired or taken over.",
	})

	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "txpipeline",
		Name:      "transactions_total",
		Help:      "Terminal transaction states by status and failure reason.",
	}, []string{"status", "reason"})

	NonceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "txpipeline",
		Name:      "nonce_retries_total",
		Help:      "Resubmissions after a nonce conflict.",
	})

	SignDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "signer",
		Name:      "sign_duration_seconds",
		Help:      "Signing round trip latency by backend and result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "result"})

	BatchItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "multicall",
		Name:      "batch_items",
		Help:      "Items per atomic batch by result.",
		Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
	}, []string{"result"})
)
