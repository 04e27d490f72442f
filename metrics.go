package pollster

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsAggregator accumulates job outcomes across every job a client (or
// several clients sharing it) observes. It is safe for concurrent use.
type MetricsAggregator struct {
	mu                 sync.Mutex
	totalJobs          int
	successfulJobs     int
	failedJobs         int
	totalTime          time.Duration
	durations          []time.Duration
	statusDistribution map[JobStatus]int

	sink *gometrics.Metrics
}

// MetricsOption configures a MetricsAggregator.
type MetricsOption func(*MetricsAggregator)

// WithMetricsSink mirrors every recorded job into a go-metrics instance as
// the counters jobs.total and jobs.<status> and the sample jobs.duration
// (milliseconds).
func WithMetricsSink(m *gometrics.Metrics) MetricsOption {
	return func(a *MetricsAggregator) { a.sink = m }
}

func NewMetricsAggregator(opts ...MetricsOption) *MetricsAggregator {
	a := &MetricsAggregator{
		statusDistribution: make(map[JobStatus]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordJob records the terminal outcome of one job and how long it took.
func (a *MetricsAggregator) RecordJob(status JobStatus, duration time.Duration) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: %q", ErrNonTerminalStatus, status)
	}

	a.mu.Lock()
	a.totalJobs++
	a.durations = append(a.durations, duration)
	a.totalTime += duration
	a.statusDistribution[status]++
	if status == StatusCompleted {
		a.successfulJobs++
	} else {
		a.failedJobs++
	}
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.IncrCounter([]string{"jobs", "total"}, 1)
		a.sink.IncrCounter([]string{"jobs", string(status)}, 1)
		a.sink.AddSample([]string{"jobs", "duration"}, float32(duration.Seconds()*1000))
	}
	return nil
}

// Summary is a point-in-time view of a MetricsAggregator.
type Summary struct {
	TotalJobs          int               `json:"total_jobs"`
	SuccessfulJobs     int               `json:"successful_jobs"`
	FailedJobs         int               `json:"failed_jobs"`
	SuccessRate        float64           `json:"success_rate"`
	AvgProcessingTime  time.Duration     `json:"avg_processing_time"`
	MinProcessingTime  time.Duration     `json:"min_processing_time"`
	MaxProcessingTime  time.Duration     `json:"max_processing_time"`
	StatusDistribution map[JobStatus]int `json:"status_distribution"`
}

// Summary reports the accumulated metrics without modifying them. Rates and
// averages are zero when nothing was recorded.
func (a *MetricsAggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		TotalJobs:          a.totalJobs,
		SuccessfulJobs:     a.successfulJobs,
		FailedJobs:         a.failedJobs,
		StatusDistribution: maps.Clone(a.statusDistribution),
	}
	if a.totalJobs > 0 {
		s.SuccessRate = float64(a.successfulJobs) / float64(a.totalJobs)
		s.AvgProcessingTime = a.totalTime / time.Duration(a.totalJobs)
	}
	if len(a.durations) > 0 {
		s.MinProcessingTime = slices.Min(a.durations)
		s.MaxProcessingTime = slices.Max(a.durations)
	}
	return s
}

const metricPrefix = "pollster_"

var (
	jobsTotalDesc = prometheus.NewDesc(
		metricPrefix+"jobs_total",
		"Number of jobs observed reaching a terminal status",
		[]string{"status"},
		nil,
	)
	successRateDesc = prometheus.NewDesc(
		metricPrefix+"job_success_rate",
		"Fraction of observed jobs that completed successfully",
		nil,
		nil,
	)
	processingTimeDesc = prometheus.NewDesc(
		metricPrefix+"job_processing_seconds",
		"Job processing time from the start of polling",
		[]string{"stat"},
		nil,
	)
)

// MetricsCollector exposes a MetricsAggregator to Prometheus.
type MetricsCollector struct {
	agg *MetricsAggregator
}

func NewMetricsCollector(agg *MetricsAggregator) *MetricsCollector {
	return &MetricsCollector{agg: agg}
}

func (c *MetricsCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- jobsTotalDesc
	desc <- successRateDesc
	desc <- processingTimeDesc
}

func (c *MetricsCollector) Collect(metrics chan<- prometheus.Metric) {
	s := c.agg.Summary()
	for _, status := range []JobStatus{StatusCompleted, StatusError} {
		metrics <- prometheus.MustNewConstMetric(jobsTotalDesc, prometheus.CounterValue,
			float64(s.StatusDistribution[status]), string(status))
	}
	metrics <- prometheus.MustNewConstMetric(successRateDesc, prometheus.GaugeValue, s.SuccessRate)
	metrics <- prometheus.MustNewConstMetric(processingTimeDesc, prometheus.GaugeValue, s.AvgProcessingTime.Seconds(), "avg")
	metrics <- prometheus.MustNewConstMetric(processingTimeDesc, prometheus.GaugeValue, s.MinProcessingTime.Seconds(), "min")
	metrics <- prometheus.MustNewConstMetric(processingTimeDesc, prometheus.GaugeValue, s.MaxProcessingTime.Seconds(), "max")
}
