// Package metrics exposes convostore's prometheus counters.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Open attempt results.
const (
	OpenOK        = "ok"
	OpenTimeout   = "timeout"
	OpenBlocked   = "blocked"
	OpenFailed    = "failed"
	OpenRecovered = "recovered"
)

var (
	namespace = "convostore"

	openAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "open_attempts_total",
			Help:      "Connection open attempts by result",
		},
		[]string{"result"},
	)

	openDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "open_duration_seconds",
			Help:      "Time spent opening and upgrading the store",
			Buckets:   prometheus.DefBuckets,
		},
	)

	recoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "recoveries_total",
			Help:      "Delete-and-reopen recovery cycles",
		},
	)

	recordWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Record writes by store and operation",
		},
		[]string{"store", "op"},
	)

	migrationRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "records_total",
			Help:      "Records processed by migration, by source, type and outcome",
		},
		[]string{"source", "type", "outcome"},
	)

	reconciledRefs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relations",
			Name:      "removed_references_total",
			Help:      "Dangling topic references removed by reconciliation",
		},
	)
)

// ObserveOpen records an open attempt and, for successful ones, its duration.
func ObserveOpen(result string, d time.Duration) {
	openAttempts.WithLabelValues(result).Inc()
	if result == OpenOK {
		openDuration.Observe(d.Seconds())
	}
}

// IncRecovery counts one delete-and-reopen cycle.
func IncRecovery() { recoveries.Inc() }

// IncWrite counts a put or delete on store.
func IncWrite(store, op string) {
	recordWrites.WithLabelValues(store, op).Inc()
}

// AddMigrated counts n migrated records of type kind from source.
// outcome is "imported" or "rejected".
func AddMigrated(source, kind, outcome string, n int) {
	if n <= 0 {
		return
	}
	migrationRecords.WithLabelValues(source, kind, outcome).Add(float64(n))
}

// AddReconciled counts removed dangling references.
func AddReconciled(n int) {
	if n > 0 {
		reconciledRefs.Add(float64(n))
	}
}

// SetupMetricsEndpoint starts an HTTP server exposing /metrics on addr.
func SetupMetricsEndpoint(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if log != nil {
				log.Error("metrics endpoint stopped", zap.Error(err))
			}
		}
	}()

	return server
}
