package pollster

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Outcome is the end result of one job driven by a Runner.
type Outcome struct {
	Handle JobHandle     // empty if creation failed
	Result *StatusResult // nil on error
	Err    error
}

// Runner drives many jobs through one Client concurrently, with at most
// Concurrency jobs in flight. Jobs share the client's rate limiter and
// metrics.
type Runner struct {
	id     string
	client *Client
	sem    *semaphore.Weighted
}

// NewRunner returns a runner over client. A concurrency below one means one.
func NewRunner(client *Client, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		id:     uuid.NewString(),
		client: client,
		sem:    semaphore.NewWeighted(int64(concurrency)),
	}
}

// Run creates a job per config and waits for each one. Outcomes are returned
// in the order of configs. Jobs not yet started when ctx ends report a
// CancellationError.
func (r *Runner) Run(ctx context.Context, configs []JobConfig) []Outcome {
	r.client.logger.Info("runner starting", "runner_id", r.id, "jobs", len(configs))

	outcomes := make([]Outcome, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(configs); j++ {
				outcomes[j] = Outcome{Err: &CancellationError{Err: err}}
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			outcomes[i] = r.runOne(ctx, cfg)
		}()
	}
	wg.Wait()

	r.client.logger.Info("runner finished", "runner_id", r.id, "summary", r.client.metrics.Summary())
	return outcomes
}

func (r *Runner) runOne(ctx context.Context, cfg JobConfig) Outcome {
	handle, err := r.client.CreateJob(ctx, cfg)
	if err != nil {
		return Outcome{Err: err}
	}
	result, err := r.client.WaitForResult(ctx, handle)
	return Outcome{Handle: handle, Result: result, Err: err}
}
