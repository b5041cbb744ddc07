// Package metrics exports import progress as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/queue"
)

const namespace = "csvimport"

// Recorder implements importer.Observer.
type Recorder struct {
	rowsTotal     *prometheus.CounterVec
	undoneTotal   prometheus.Counter
	jobsTotal     *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
}

var _ importer.Observer = (*Recorder)(nil)

// New registers the import metrics with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		rowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Total number of processed CSV rows by format and outcome.",
		}, []string{"format", "outcome"}),
		undoneTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_undone_total",
			Help:      "Total number of records removed by undo.",
		}),
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of finished job runs by method and resulting status.",
		}, []string{"method", "status"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of a job run, one batch or the rest of the file.",
			Buckets: []float64{
				0.01, 0.05,
				0.1, 0.5,
				1, 5, 10, 30,
				60, 300, 900,
			},
		}, []string{"method"}),
	}
}

var defaultRecorder = sync.OnceValue(func() *Recorder {
	return New(prometheus.DefaultRegisterer)
})

// Default returns the recorder registered with the default registry.
func Default() *Recorder {
	return defaultRecorder()
}

func (r *Recorder) RowProcessed(format model.Format, outcome importer.Outcome) {
	r.rowsTotal.WithLabelValues(string(format), string(outcome)).Inc()
}

func (r *Recorder) RecordsUndone(n int) {
	r.undoneTotal.Add(float64(n))
}

// JobFinished counts a run. Failed runs report no duration.
func (r *Recorder) JobFinished(method importer.Method, status model.Status, elapsed time.Duration) {
	r.jobsTotal.WithLabelValues(string(method), string(status)).Inc()
	if elapsed > 0 {
		r.batchDuration.WithLabelValues(string(method)).Observe(elapsed.Seconds())
	}
}

// RegisterRunner exports the state of a local task runner as gauges.
func RegisterRunner(reg prometheus.Registerer, status func() queue.Status) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "active_tasks",
		Help:      "Number of tasks currently executing.",
	}, func() float64 { return float64(status().Active) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "pending_tasks",
		Help:      "Number of tasks waiting for a worker.",
	}, func() float64 { return float64(status().Pending) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "workers",
		Help:      "Number of workers of the runner.",
	}, func() float64 { return float64(status().Workers) })
}
