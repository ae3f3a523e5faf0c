package scanner

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Entities      *prometheus.CounterVec
	Indicators    *prometheus.CounterVec
	ParseFailures *prometheus.CounterVec
	ScanErrors    *prometheus.CounterVec
	ScanDuration  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memscan_entities_total",
			Help: "Total number of entities reconstructed, by kind",
		}, []string{"kind"}),
		Indicators: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memscan_indicators_total",
			Help: "Total number of tamper indicators raised, by indicator",
		}, []string{"indicator", "severity"}),
		ParseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memscan_pe_parse_failures_total",
			Help: "Total number of image mappings whose in-memory headers could not be used",
		}, []string{"reason"}),
		ScanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memscan_scan_errors_total",
			Help: "Total number of errors while enumerating a target",
		}, []string{"stage"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memscan_scan_duration_seconds",
			Help:    "Time spent scanning one process",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Entities,
			m.Indicators,
			m.ParseFailures,
			m.ScanErrors,
			m.ScanDuration,
		)
	}

	return m
}
