// Package metrics exposes medsync's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medislot/medsync/internal/network"
	"github.com/medislot/medsync/internal/reconcile"
)

var (
	// Reconciliation
	PassesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medsync_reconcile_passes_total",
		Help: "The total number of reconciliation passes",
	}, []string{"outcome"})

	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "medsync_reconcile_pass_duration_seconds",
		Help: "The duration of reconciliation passes",
	})

	OperationsReplayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medsync_operations_replayed_total",
		Help: "The total number of queued operations applied to the remote store",
	}, []string{"mode"})

	OperationsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medsync_operations_dead_lettered_total",
		Help: "The total number of operations moved to the dead-letter list",
	})

	CommitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "medsync_batch_commit_latency_seconds",
		Help: "The latency of batch commits",
	}, []string{"result"})

	CommitSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "medsync_batch_commit_size",
		Help:    "The number of operations per batch commit",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// Queue
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "medsync_queue_depth",
		Help: "The current number of pending operations",
	})

	// Connectivity
	NetworkStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "medsync_network_status",
		Help: "1 for the current connectivity status, 0 otherwise",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(PassesTotal)
	prometheus.MustRegister(PassDuration)
	prometheus.MustRegister(OperationsReplayed)
	prometheus.MustRegister(OperationsDeadLettered)
	prometheus.MustRegister(CommitLatency)
	prometheus.MustRegister(CommitSize)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(NetworkStatus)
}

// Reconcile implements reconcile.Metrics on the package collectors.
type Reconcile struct{}

var _ reconcile.Metrics = Reconcile{}

func (Reconcile) ObservePass(r reconcile.Result, elapsed time.Duration) {
	outcome := "drained"
	switch {
	case r.Skipped:
		outcome = "skipped"
	case r.Err != nil:
		outcome = "stopped"
	case !r.Drained:
		outcome = "partial"
	}
	PassesTotal.WithLabelValues(outcome).Inc()
	if r.Skipped {
		return
	}
	PassDuration.Observe(elapsed.Seconds())
	OperationsReplayed.WithLabelValues("batch").Add(float64(r.Applied))
	OperationsReplayed.WithLabelValues("individual").Add(float64(r.Individually))
	OperationsDeadLettered.Add(float64(r.DeadLettered))
}

func (Reconcile) ObserveCommit(size int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CommitLatency.WithLabelValues(result).Observe(elapsed.Seconds())
	CommitSize.Observe(float64(size))
}

func (Reconcile) SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// SetNetworkStatus marks s as the current status.
func SetNetworkStatus(s network.Status) {
	for _, st := range []network.Status{network.StatusUnknown, network.StatusOnline, network.StatusOffline, network.StatusReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		NetworkStatus.WithLabelValues(st.String()).Set(v)
	}
}
