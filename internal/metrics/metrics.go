package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "episodesync"

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	StagingUpserts  *prometheus.CounterVec
	SourcePages     prometheus.Counter
	SourceRows      prometheus.Counter
	InvalidRecords  prometheus.Counter
	Episodes        *prometheus.CounterVec
	PlatformErrors  *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	LastRunStatus   *prometheus.GaugeVec
	LastRunFinished *prometheus.GaugeVec
	HTTPPanics      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StagingUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_upserts_total",
			Help:      "Staging upserts by result (created, updated, unchanged).",
		}, []string{"result"}),
		SourcePages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_pages_total",
			Help:      "Source pages fetched.",
		}),
		SourceRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rows_total",
			Help:      "Source rows received.",
		}),
		InvalidRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_invalid_records_total",
			Help:      "Grouped source records skipped for missing identifiers.",
		}),
		Episodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_episodes_total",
			Help:      "Imported episodes by outcome (applied, unchanged, failed).",
		}, []string{"outcome"}),
		PlatformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_errors_total",
			Help:      "Episode import failures by error kind.",
		}, []string{"kind"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of fetch and import runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind"}),
		LastRunStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_status",
			Help:      "1 for the status the last run of each kind ended with, 0 otherwise.",
		}, []string{"kind", "status"}),
		LastRunFinished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the last run of each kind finished.",
		}, []string{"kind"}),
		HTTPPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_total",
			Help:      "Recovered handler panics by route.",
		}, []string{"route"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.StagingUpserts, m.SourcePages, m.SourceRows, m.InvalidRecords,
		m.Episodes, m.PlatformErrors, m.RunDuration, m.LastRunStatus, m.LastRunFinished,
		m.HTTPPanics,
	)
	return m
}

var runStatuses = []string{"success", "error", "idle"}

// ObserveRun records a finished run of kind with the given status.
func (m *Metrics) ObserveRun(kind, status string, seconds float64, finishedUnix float64) {
	m.RunDuration.WithLabelValues(kind).Observe(seconds)
	for _, s := range runStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.LastRunStatus.WithLabelValues(kind, s).Set(v)
	}
	m.LastRunFinished.WithLabelValues(kind).Set(finishedUnix)
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
