package livetable

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonUnknownUnit = "unknown_unit"
	reasonOutOfRange  = "out_of_range"
	reasonTableFull   = "table_full"
)

type metrics struct {
	samplesRecorded prometheus.Counter
	samplesDropped  *prometheus.CounterVec
	entries         prometheus.Gauge
	hotTransitions  prometheus.Counter
	snapshots       prometheus.Counter
	restores        prometheus.Counter

	droppedUnknownUnit prometheus.Counter
	droppedOutOfRange  prometheus.Counter
	droppedTableFull   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		samplesRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "hotprof_table_samples_recorded_total",
			Help: "Total number of method samples recorded in the live table.",
		}),
		samplesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hotprof_table_samples_dropped_total",
			Help: "Total number of method samples that could not be recorded.",
		}, []string{"reason"}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Name: "hotprof_table_entries",
			Help: "Number of methods tracked in the live table.",
		}),
		hotTransitions: f.NewCounter(prometheus.CounterOpts{
			Name: "hotprof_table_hot_methods_total",
			Help: "Total number of methods that became hot.",
		}),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "hotprof_table_snapshots_total",
			Help: "Total number of snapshots taken from the live table.",
		}),
		restores: f.NewCounter(prometheus.CounterOpts{
			Name: "hotprof_table_restores_total",
			Help: "Total number of snapshots put back into the live table.",
		}),
	}
	m.droppedUnknownUnit = m.samplesDropped.WithLabelValues(reasonUnknownUnit)
	m.droppedOutOfRange = m.samplesDropped.WithLabelValues(reasonOutOfRange)
	m.droppedTableFull = m.samplesDropped.WithLabelValues(reasonTableFull)
	return m
}
