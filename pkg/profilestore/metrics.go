package profilestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK      = "ok"
	resultAbsent  = "absent"
	resultCleared = "cleared"
	resultError   = "error"
	resultSkipped = "skipped"
)

type metrics struct {
	loads        *prometheus.CounterVec
	saves        *prometheus.CounterVec
	flushes      *prometheus.CounterVec
	bytesWritten prometheus.Histogram
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		loads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hotprof_store_loads_total",
			Help: "Total number of profile loads by result.",
		}, []string{"result"}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hotprof_store_saves_total",
			Help: "Total number of profile saves by result.",
		}, []string{"result"}),
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hotprof_store_flush_cycles_total",
			Help: "Total number of load-merge-save cycles by result.",
		}, []string{"result"}),
		bytesWritten: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hotprof_store_written_bytes",
			Help:    "Size of written profile files.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "hotprof_store_cache_hits_total",
			Help: "Total number of profile loads served from the cache.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "hotprof_store_cache_misses_total",
			Help: "Total number of profile loads that read the file.",
		}),
	}
}
