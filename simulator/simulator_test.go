package simulator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yirzhou/pollster"
)

func TestStatus_UnknownJob(t *testing.T) {
	s := New()
	got := s.Status("nope")
	assert.Equal(t, pollster.StatusError, got.Result)
	assert.Equal(t, "Job not found", got.Message)
}

func TestStatus_CompletesAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	s := New(WithClock(mock), WithDelay(5*time.Second, 10*time.Second), WithErrorProbability(0), WithSeed(7))

	id := s.Create(nil)
	assert.Equal(t, pollster.StatusPending, s.Status(id).Result)

	mock.Add(4 * time.Second)
	assert.Equal(t, pollster.StatusPending, s.Status(id).Result)

	mock.Add(6 * time.Second)
	assert.Equal(t, pollster.StatusCompleted, s.Status(id).Result)
}

func TestStatus_FailureIsSticky(t *testing.T) {
	mock := clock.NewMock()
	s := New(WithClock(mock), WithErrorProbability(1))

	id := s.Create(map[string]any{"k": "v"})
	got := s.Status(id)
	assert.Equal(t, pollster.StatusError, got.Result)
	assert.Equal(t, "Translation failed", got.Message)

	mock.Add(time.Minute)
	assert.Equal(t, got, s.Status(id))
}

func TestStatus_CompletedIsSticky(t *testing.T) {
	mock := clock.NewMock()
	s := New(WithClock(mock), WithDelay(time.Second, time.Second), WithErrorProbability(0))

	id := s.Create(nil)
	mock.Add(time.Second)
	require.Equal(t, pollster.StatusCompleted, s.Status(id).Result)

	// Failures only hit pending jobs.
	WithErrorProbability(1)(s)
	assert.Equal(t, pollster.StatusCompleted, s.Status(id).Result)
}

func TestHandler_RejectsBadMetadata(t *testing.T) {
	srv := httptest.NewServer(New().Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/job", "application/json", strings.NewReader("[1,2"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientAgainstSimulatorOverHTTP(t *testing.T) {
	sim := New(WithDelay(20*time.Millisecond, 40*time.Millisecond), WithErrorProbability(0))
	srv := httptest.NewServer(sim.Handler())
	defer srv.Close()

	c, err := pollster.New(pollster.NewHTTPBackend(srv.URL, srv.Client()),
		pollster.WithLogger(hclog.NewNullLogger()),
		pollster.WithBackoffUnit(5*time.Millisecond),
	)
	require.NoError(t, err)

	ctx := context.Background()
	cfg := pollster.DefaultJobConfig()
	cfg.Metadata = map[string]any{"video": "intro.mp4"}

	h, err := c.CreateJob(ctx, cfg)
	require.NoError(t, err)
	result, err := c.WaitForResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, pollster.StatusCompleted, result.Result)

	s := c.Metrics().Summary()
	assert.Equal(t, 1, s.TotalJobs)
	assert.Equal(t, 1.0, s.SuccessRate)
}

func TestClientAgainstFailingSimulator(t *testing.T) {
	sim := New(WithErrorProbability(1))
	c, err := pollster.New(sim, pollster.WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)

	h, err := c.CreateJob(context.Background(), pollster.DefaultJobConfig())
	require.NoError(t, err)
	_, err = c.WaitForResult(context.Background(), h)

	var jerr *pollster.JobError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "Translation failed", jerr.Message)
	assert.Equal(t, 1, c.Metrics().Summary().FailedJobs)
}
