package pollster

import (
	"sync"
	"testing"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummary_ZeroGuard(t *testing.T) {
	m := NewMetricsAggregator()
	s := m.Summary()

	assert.Equal(t, 0, s.TotalJobs)
	assert.Equal(t, 0.0, s.SuccessRate)
	assert.Equal(t, time.Duration(0), s.AvgProcessingTime)
	assert.Equal(t, time.Duration(0), s.MinProcessingTime)
	assert.Equal(t, time.Duration(0), s.MaxProcessingTime)
	assert.Empty(t, s.StatusDistribution)
}

func TestRecordJob_Aggregates(t *testing.T) {
	m := NewMetricsAggregator()
	require.NoError(t, m.RecordJob(StatusCompleted, 2*time.Second))
	require.NoError(t, m.RecordJob(StatusCompleted, 4*time.Second))
	require.NoError(t, m.RecordJob(StatusError, 6*time.Second))

	s := m.Summary()
	assert.Equal(t, 3, s.TotalJobs)
	assert.Equal(t, 2, s.SuccessfulJobs)
	assert.Equal(t, 1, s.FailedJobs)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.Equal(t, 4*time.Second, s.AvgProcessingTime)
	assert.Equal(t, 2*time.Second, s.MinProcessingTime)
	assert.Equal(t, 6*time.Second, s.MaxProcessingTime)
	assert.Equal(t, map[JobStatus]int{StatusCompleted: 2, StatusError: 1}, s.StatusDistribution)
}

func TestRecordJob_RejectsUnknownAndPending(t *testing.T) {
	m := NewMetricsAggregator()

	require.ErrorIs(t, m.RecordJob("exploded", time.Second), ErrUnknownStatus)
	require.ErrorIs(t, m.RecordJob(StatusPending, time.Second), ErrNonTerminalStatus)
	assert.Equal(t, 0, m.Summary().TotalJobs)
}

func TestSummary_DoesNotMutate(t *testing.T) {
	m := NewMetricsAggregator()
	require.NoError(t, m.RecordJob(StatusCompleted, time.Second))

	first := m.Summary()
	first.StatusDistribution[StatusError] = 99
	second := m.Summary()

	assert.Equal(t, first.TotalJobs, second.TotalJobs)
	assert.Equal(t, map[JobStatus]int{StatusCompleted: 1}, second.StatusDistribution)
}

func TestAggregators_DoNotShareDistribution(t *testing.T) {
	a := NewMetricsAggregator()
	b := NewMetricsAggregator()
	require.NoError(t, a.RecordJob(StatusCompleted, time.Second))

	assert.Empty(t, b.Summary().StatusDistribution)
}

func TestRecordJob_Concurrent(t *testing.T) {
	m := NewMetricsAggregator()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := StatusCompleted
			if i%4 == 0 {
				status = StatusError
			}
			assert.NoError(t, m.RecordJob(status, time.Duration(i)*time.Millisecond))
		}()
	}
	wg.Wait()

	s := m.Summary()
	assert.Equal(t, 100, s.TotalJobs)
	assert.Equal(t, 75, s.SuccessfulJobs)
	assert.Equal(t, 25, s.FailedJobs)
	assert.Equal(t, s.TotalJobs, s.SuccessfulJobs+s.FailedJobs)
	assert.Equal(t, 99*time.Millisecond, s.MaxProcessingTime)
}

func TestRecordJob_MirrorsIntoMetricsSink(t *testing.T) {
	sink := gometrics.NewInmemSink(time.Minute, time.Minute)
	conf := gometrics.DefaultConfig("pollster")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	met, err := gometrics.New(conf, sink)
	require.NoError(t, err)

	m := NewMetricsAggregator(WithMetricsSink(met))
	require.NoError(t, m.RecordJob(StatusCompleted, 1500*time.Millisecond))
	require.NoError(t, m.RecordJob(StatusError, 500*time.Millisecond))

	data := sink.Data()
	require.NotEmpty(t, data)
	current := data[len(data)-1]
	require.Contains(t, current.Counters, "pollster.jobs.total")
	assert.Equal(t, 2, current.Counters["pollster.jobs.total"].Count)
	assert.Equal(t, 1, current.Counters["pollster.jobs.completed"].Count)
	assert.Equal(t, 1, current.Counters["pollster.jobs.error"].Count)
	require.Contains(t, current.Samples, "pollster.jobs.duration")
	assert.InDelta(t, 2000.0, current.Samples["pollster.jobs.duration"].Sum, 0.01)
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsAggregator()
	require.NoError(t, m.RecordJob(StatusCompleted, 2*time.Second))
	require.NoError(t, m.RecordJob(StatusError, 4*time.Second))

	collector := NewMetricsCollector(m)
	assert.Equal(t, 6, testutil.CollectAndCount(collector))

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))
	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range metric.GetLabel() {
				key += "/" + lp.GetValue()
			}
			if c := metric.GetCounter(); c != nil {
				values[key] = c.GetValue()
			} else {
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["pollster_jobs_total/completed"])
	assert.Equal(t, 1.0, values["pollster_jobs_total/error"])
	assert.Equal(t, 0.5, values["pollster_job_success_rate"])
	assert.Equal(t, 3.0, values["pollster_job_processing_seconds/avg"])
	assert.Equal(t, 4.0, values["pollster_job_processing_seconds/max"])
}
