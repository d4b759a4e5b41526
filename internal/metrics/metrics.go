// Package metrics provides the Prometheus metrics of the attendance pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "classroll"

// Metrics contains all Prometheus metrics of the pipeline. All methods are
// safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	FramesSubmitted    *prometheus.CounterVec
	Faces              *prometheus.CounterVec
	AttendanceMarked   *prometheus.CounterVec
	Jobs               *prometheus.CounterVec
	JobRetries         *prometheus.CounterVec
	RosterLoads        *prometheus.CounterVec
	RosterLoadDuration prometheus.Histogram
	MatchDuration      prometheus.Histogram
	QueueDepth         prometheus.Gauge
	ActiveSessions     prometheus.Gauge
}

// New creates the metrics and registers them on the registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FramesSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_submitted_total",
		Help:      "Frames submitted, by validation outcome",
	}, []string{"outcome"})

	m.Faces = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "faces_total",
		Help:      "Detected faces, by match outcome",
	}, []string{"outcome"})

	m.AttendanceMarked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attendance_marked_total",
		Help:      "Attendance mark attempts, by result",
	}, []string{"result"})

	m.Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Completed dispatcher jobs, by kind and result",
	}, []string{"kind", "result"})

	m.JobRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_retries_total",
		Help:      "Dispatcher job retries after transient failures",
	}, []string{"kind"})

	m.RosterLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "roster_loads_total",
		Help:      "Roster loads from the template store, by result",
	}, []string{"result"})

	m.RosterLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "roster_load_duration_seconds",
		Help:      "Duration of roster loads",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	m.MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_duration_seconds",
		Help:      "Duration of matching one frame against its roster",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting in dispatcher queues",
	})

	m.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently taking attendance",
	})
}

// FrameSubmitted counts a submitted frame.
func (m *Metrics) FrameSubmitted(outcome string) {
	if m == nil {
		return
	}
	m.FramesSubmitted.WithLabelValues(outcome).Inc()
}

// Face counts a classified face.
func (m *Metrics) Face(outcome string) {
	if m == nil {
		return
	}
	m.Faces.WithLabelValues(outcome).Inc()
}

// Marked counts an attendance mark attempt.
func (m *Metrics) Marked(result string) {
	if m == nil {
		return
	}
	m.AttendanceMarked.WithLabelValues(result).Inc()
}

// JobDone counts a finished job.
func (m *Metrics) JobDone(kind, result string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(kind, result).Inc()
}

// JobRetried counts a retry of a job.
func (m *Metrics) JobRetried(kind string) {
	if m == nil {
		return
	}
	m.JobRetries.WithLabelValues(kind).Inc()
}

// RosterLoaded records a roster load. It matches the roster cache OnLoad hook.
func (m *Metrics) RosterLoaded(_ string, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RosterLoads.WithLabelValues(result).Inc()
	m.RosterLoadDuration.Observe(d.Seconds())
}

// ObserveMatch records the duration of matching one frame.
func (m *Metrics) ObserveMatch(d time.Duration) {
	if m == nil {
		return
	}
	m.MatchDuration.Observe(d.Seconds())
}

// QueueChanged adjusts the queue depth gauge by delta.
func (m *Metrics) QueueChanged(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}

// SetActiveSessions sets the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesSubmitted.Describe(ch)
	m.Faces.Describe(ch)
	m.AttendanceMarked.Describe(ch)
	m.Jobs.Describe(ch)
	m.JobRetries.Describe(ch)
	m.RosterLoads.Describe(ch)
	ch <- m.RosterLoadDuration.Desc()
	ch <- m.MatchDuration.Desc()
	ch <- m.QueueDepth.Desc()
	ch <- m.ActiveSessions.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesSubmitted.Collect(ch)
	m.Faces.Collect(ch)
	m.AttendanceMarked.Collect(ch)
	m.Jobs.Collect(ch)
	m.JobRetries.Collect(ch)
	m.RosterLoads.Collect(ch)
	ch <- m.RosterLoadDuration
	ch <- m.MatchDuration
	ch <- m.QueueDepth
	ch <- m.ActiveSessions
}
