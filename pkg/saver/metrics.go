package saver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type trigger string

const (
	triggerPeriodic     trigger = "periodic"
	triggerNotification trigger = "notification"
	triggerForced       trigger = "forced"
	triggerShutdown     trigger = "shutdown"
)

const (
	resultOK      = "ok"
	resultSkipped = "skipped"
	resultError   = "error"
)

type metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	outputs       *prometheus.CounterVec
	notifications prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hotprof_saver_cycles_total",
			Help: "Total number of save cycles by trigger and result.",
		}, []string{"trigger", "result"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hotprof_saver_cycle_duration_seconds",
			Help:    "Duration of save cycles.",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger"}),
		outputs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hotprof_saver_outputs_processed_total",
			Help: "Total number of profile files processed by result.",
		}, []string{"result"}),
		notifications: f.NewCounter(prometheus.CounterOpts{
			Name: "hotprof_saver_notifications_total",
			Help: "Total number of new and hot method notifications received.",
		}),
	}
}
