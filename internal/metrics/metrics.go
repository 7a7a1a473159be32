// Package metrics provides Prometheus metrics for sparemap metadata stores.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all sparemap metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// StoreMetrics holds all Prometheus metrics for one metadata store.
type StoreMetrics struct {
	// Operation counters
	ReadsTotal   prometheus.Counter
	WritesTotal  prometheus.Counter
	RepairsTotal prometheus.Counter
	WriteErrors  prometheus.Counter
	ReadDegraded prometheus.Counter // reads that succeeded with fewer than all slots valid
	ReadFailed   prometheus.Counter // reads that found no valid slot

	// Slot-level counters
	InvalidSlots   prometheus.Counter // slots rejected by validation or unreadable
	SlotsRewritten prometheus.Counter // slots rewritten by repair passes

	// State gauges
	BestSequence prometheus.Gauge // sequence number of the best copy seen last
	ValidSlots   prometheus.Gauge // valid slot count observed by the last read

	// Latency histogram, labeled by operation (read, write, repair)
	OpDuration *prometheus.HistogramVec
}

// InitStoreMetrics initializes store metrics with the backing device path as
// a constant label.
func InitStoreMetrics(devicePath string) *StoreMetrics {
	constLabels := prometheus.Labels{
		"device": devicePath,
	}

	return &StoreMetrics{
		ReadsTotal: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "sparemap_metadata_reads_total",
			Help:        "Total metadata read operations",
			ConstLabels: constLabels,
		}),
		WritesTotal: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "sparemap_metadata_writes_total",
			Help:        "Total metadata write operations",
			ConstLabels: constLabels,
		}),
		RepairsTotal: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "sparemap_metadata_repairs_total",
			Help:        "Total metadata repair passes",
			ConstLabels: constLabels,
		}),
		WriteErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "sparemap_metadata_write_errors_total",
			Help:        "Metadata write operations that failed",
			ConstLabels: constLabels,
		}),
		ReadDegraded: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "sparemap_metadata_reads_degraded_total",
			Help:        "Reads that succeeded with fewer than all copy slots valid",
			ConstLabels: constLabels,
		}),
		ReadFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "sparemap_metadata_reads_failed_total",
			Help:        "Reads that found no valid copy slot",
			ConstLabels: constLabels,
		}),
		InvalidSlots: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "sparemap_metadata_invalid_slots_total",
			Help:        "Copy slots rejected by validation or unreadable during reads",
			ConstLabels: constLabels,
		}),
		SlotsRewritten: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "sparemap_metadata_slots_rewritten_total",
			Help:        "Copy slots rewritten by repair passes",
			ConstLabels: constLabels,
		}),
		BestSequence: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "sparemap_metadata_best_sequence",
			Help:        "Sequence number of the best valid copy observed last",
			ConstLabels: constLabels,
		}),
		ValidSlots: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "sparemap_metadata_valid_slots",
			Help:        "Valid copy slots observed by the last read",
			ConstLabels: constLabels,
		}),
		OpDuration: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:        "sparemap_metadata_op_duration_seconds",
			Help:        "Metadata operation latency by operation",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Handler returns an HTTP handler that serves the sparemap registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
