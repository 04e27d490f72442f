// Package pollster submits jobs to an asynchronous backend and polls them to
// completion.
//
// Usage:
//
//	c, err := pollster.New(pollster.NewHTTPBackend("http://localhost:5000", nil),
//	    pollster.WithLogger(logger),
//	)
//	handle, err := c.CreateJob(ctx, pollster.DefaultJobConfig())
//	result, err := c.WaitForResult(ctx, handle)
//	fmt.Println(result.Result, c.Metrics().Summary())
package pollster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/trace"
)

// Client creates jobs on a Backend and waits for them to finish. It is safe
// for concurrent use; each job is driven by the goroutine waiting on it.
type Client struct {
	backend  Backend
	limiter  *RateLimiter
	metrics  *MetricsAggregator
	audit    AuditSink
	store    *Store
	logger   hclog.Logger
	clock    clock.Clock
	tracer   trace.Tracer
	backoff  Backoff
	defaults JobConfig

	mu   sync.Mutex
	jobs map[JobHandle]*jobEntry
}

// jobEntry is guarded by Client.mu.
type jobEntry struct {
	// The client's view of the job, persisted on every transition.
	rec JobRecord

	// Timestamp of the last audit event, used to keep the trail monotonic.
	lastEvent time.Time

	// The poll attempt currently running for this job, nil when idle.
	// Concurrent waiters join it instead of polling on their own.
	wait *waitCall
}

// waitCall is one in-flight WaitForResult attempt. result and err are set
// before done is closed.
type waitCall struct {
	done   chan struct{}
	result *StatusResult
	err    error
}

// New returns a client for backend. Unset collaborators get private
// defaults: a 5 calls/second limiter, a fresh aggregator, no audit sink.
func New(backend Backend, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("pollster: nil backend")
	}
	c := &Client{
		backend:  backend,
		clock:    clock.New(),
		backoff:  DefaultBackoff(),
		defaults: DefaultJobConfig(),
		jobs:     make(map[JobHandle]*jobEntry),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.defaults.Validate(); err != nil {
		return nil, err
	}
	if c.backoff.Unit <= 0 || c.backoff.Max <= 0 {
		return nil, &ValidationError{Field: "backoff", Err: fmt.Errorf("unit and max must be positive, got %s and %d", c.backoff.Unit, c.backoff.Max)}
	}
	if c.logger == nil {
		c.logger = hclog.New(&hclog.LoggerOptions{Name: "pollster", Level: hclog.Info})
	}
	if c.limiter == nil {
		rl := DefaultRateLimitConfig()
		limiter, err := NewRateLimiter(rl.MaxCalls, rl.Period, WithLimiterClock(c.clock))
		if err != nil {
			return nil, err
		}
		c.limiter = limiter
	}
	if c.metrics == nil {
		c.metrics = NewMetricsAggregator()
	}
	switch {
	case c.audit == nil && c.store == nil:
		c.audit = discardSink{}
	case c.audit == nil:
		c.audit = c.store
	case c.store != nil:
		c.audit = MultiSink{c.audit, c.store}
	}
	return c, nil
}

// Metrics returns the aggregator job outcomes are recorded into.
func (c *Client) Metrics() *MetricsAggregator { return c.metrics }

// Job returns the client's record of a job.
func (c *Client) Job(h JobHandle) (JobRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[h]
	if !ok {
		return JobRecord{}, false
	}
	return e.rec, true
}

// CreateJob validates cfg and submits a job. Creation is gated by the rate
// limiter and is not retried on failure.
func (c *Client) CreateJob(ctx context.Context, cfg JobConfig) (JobHandle, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	tc := NewTraceContext("", c.clock)
	tc.CreateSpan(SpanJobCreation)

	if err := c.limiter.Acquire(ctx); err != nil {
		tc.EndSpan(SpanJobCreation, map[string]any{"error": "cancelled"})
		return "", &CancellationError{Err: err}
	}

	handle, err := c.backend.CreateJob(ctx, cfg.Metadata)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			tc.EndSpan(SpanJobCreation, map[string]any{"error": "cancelled"})
			return "", &CancellationError{Err: ctxErr}
		}
		var terr *TransportError
		if !errors.As(err, &terr) {
			terr = &TransportError{Op: "create", Err: err}
		}
		tc.EndSpan(SpanJobCreation, map[string]any{"error": terr.Error()})
		c.logger.Error("job creation failed", "error", terr)
		c.emit(ctx, nil, EventJobCreationFailed, "", map[string]any{
			"error":    terr.Error(),
			"metadata": cfg.Metadata,
		})
		c.exportTrace(ctx, tc)
		return "", terr
	}

	tc.EndSpan(SpanJobCreation, map[string]any{"job_id": string(handle)})

	now := c.clock.Now()
	entry := &jobEntry{rec: JobRecord{
		Handle:    handle,
		Config:    cfg,
		State:     Created,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	c.mu.Lock()
	c.jobs[handle] = entry
	c.mu.Unlock()
	c.persist(entry.rec)

	c.emit(ctx, entry, EventJobCreated, handle, map[string]any{
		"metadata": cfg.Metadata,
		"priority": cfg.Priority,
	})
	c.exportTrace(ctx, tc)
	c.logger.Info("job created", "job_id", handle, "trace_id", tc.TraceID())
	return handle, nil
}

// WaitForResult polls the job until the backend reports a terminal status,
// the job's timeout passes, status requests fail more than MaxRetries times,
// or ctx ends. A job already seen completed or errored is answered from the
// client's record without contacting the backend. Concurrent waits on one
// handle share a single poll attempt.
func (c *Client) WaitForResult(ctx context.Context, h JobHandle) (*StatusResult, error) {
	for {
		// 1. Find the job's entry. Handles this client did not create get
		//    the default config.
		c.mu.Lock()
		entry, ok := c.jobs[h]
		if !ok {
			now := c.clock.Now()
			entry = &jobEntry{rec: JobRecord{Handle: h, Config: c.defaults, State: Created, CreatedAt: now, UpdatedAt: now}}
			c.jobs[h] = entry
		}

		// 2. A completed or errored job is never polled again.
		if entry.rec.State.Final() {
			rec := entry.rec
			c.mu.Unlock()
			return finalOutcome(rec)
		}

		// 3. Someone is already polling this job: wait for their outcome.
		if w := entry.wait; w != nil {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, &CancellationError{JobID: h, Err: ctx.Err()}
			case <-w.done:
			}
			// The attempt we joined was cancelled by its own caller, but we
			// still want the result. Start over and take the attempt on.
			var cerr *CancellationError
			if errors.As(w.err, &cerr) && ctx.Err() == nil {
				continue
			}
			return w.result, w.err
		}

		// 4. Otherwise this caller runs the attempt.
		w := &waitCall{done: make(chan struct{})}
		entry.wait = w
		entry.rec.State = Polling
		entry.rec.Attempts = 0
		entry.rec.Retries = 0
		entry.rec.UpdatedAt = c.clock.Now()
		cfg := entry.rec.Config
		rec := entry.rec
		c.mu.Unlock()
		c.persist(rec)

		p := &pollRun{
			Client: c,
			entry:  entry,
			handle: h,
			cfg:    cfg,
			tc:     NewTraceContext("", c.clock),
			start:  c.clock.Now(),
		}
		p.deadline = p.start.Add(cfg.Timeout)
		p.tc.CreateSpan(SpanJobPolling)
		w.result, w.err = p.run(ctx)

		// 5. Release the entry before waking joiners so a joiner that
		//    starts over does not find this attempt again.
		c.mu.Lock()
		entry.wait = nil
		c.mu.Unlock()
		close(w.done)
		return w.result, w.err
	}
}

func finalOutcome(rec JobRecord) (*StatusResult, error) {
	if rec.State == Completed {
		return &StatusResult{Result: StatusCompleted, Message: rec.Message}, nil
	}
	return nil, &JobError{JobID: rec.Handle, Message: rec.Message}
}

// pollRun is one WaitForResult attempt.
type pollRun struct {
	*Client
	entry  *jobEntry
	handle JobHandle
	cfg    JobConfig

	// A fresh trace per attempt; job_polling spans the whole attempt.
	tc *TraceContext

	// start is when polling began. Timeouts and recorded durations are
	// measured from it, not from job creation.
	start    time.Time
	deadline time.Time

	// attempts counts pending observations and drives the backoff.
	// retries counts failed requests and is bounded by cfg.MaxRetries.
	attempts int
	retries  int
}

func (p *pollRun) run(ctx context.Context) (*StatusResult, error) {
	for {
		// 1. Stop if the caller gave up or the job ran out of time. The
		//    deadline is checked before every request, whatever the retry count.
		if err := ctx.Err(); err != nil {
			return nil, p.cancel(ctx, err)
		}
		if !p.clock.Now().Before(p.deadline) {
			return nil, p.timeout(ctx)
		}

		// 2. Ask the backend. A status we do not know counts as a failed request.
		status, err := p.getStatus(ctx)
		if err == nil && !status.Result.Valid() {
			err = &TransportError{Op: "status", Err: fmt.Errorf("%w: %q", ErrUnknownStatus, status.Result)}
		}

		// 3. Failed request.
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, p.cancel(ctx, ctxErr)
			}
			// A request cut off by the poll deadline is a timeout, not a retry.
			if errors.Is(err, errPollDeadline) || !p.clock.Now().Before(p.deadline) {
				return nil, p.timeout(ctx)
			}
			// Failed requests are retried at once; backoff only follows
			// pending observations.
			p.retries++
			p.logger.Warn("status check failed", "job_id", p.handle, "retries", p.retries, "error", err)
			p.update(func(r *JobRecord) { r.Retries = p.retries })
			if p.retries >= p.cfg.MaxRetries {
				return nil, p.abort(ctx, err)
			}
			continue
		}

		// 4. Got a status. Terminal ones are counted once, here.
		elapsed := p.clock.Since(p.start)
		if status.Result.Terminal() {
			if err := p.metrics.RecordJob(status.Result, elapsed); err != nil {
				p.logger.Error("recording job metrics failed", "job_id", p.handle, "error", err)
			}
		}
		details := map[string]any{}
		if status.Message != "" {
			details["message"] = status.Message
		}
		p.emit(ctx, p.entry, EventStatusPrefix+string(status.Result), p.handle, details)

		// 5. Move the job along.
		switch status.Result {
		case StatusCompleted:
			p.finish(ctx, Completed, status, map[string]any{"final_status": string(StatusCompleted)})
			p.logger.Info("job completed", "job_id", p.handle, "elapsed", elapsed)
			return &status, nil

		case StatusError:
			if status.Message == "" {
				status.Message = "unknown error"
			}
			p.finish(ctx, Errored, status, map[string]any{"final_status": string(StatusError)})
			p.logger.Error("job failed", "job_id", p.handle, "message", status.Message)
			return nil, &JobError{JobID: p.handle, Message: status.Message}

		case StatusPending:
			// Still running: back off, but never sleep past the deadline.
			p.attempts++
			p.update(func(r *JobRecord) {
				r.Attempts = p.attempts
				r.LastStatus = StatusPending
			})
			wait := min(p.backoff.Delay(p.attempts), p.deadline.Sub(p.clock.Now()))
			p.logger.Debug("job pending", "job_id", p.handle, "attempt", p.attempts, "wait", wait)
			if err := p.sleep(ctx, wait); err != nil {
				return nil, p.cancel(ctx, err)
			}
		}
	}
}

// errPollDeadline marks a status request cut off by the poll deadline
// while the caller's context was still live.
var errPollDeadline = errors.New("poll deadline reached")

// getStatus bounds the request by the poll deadline.
func (p *pollRun) getStatus(ctx context.Context) (StatusResult, error) {
	reqCtx, cancel := p.clock.WithDeadline(ctx, p.deadline)
	defer cancel()
	status, err := p.backend.GetStatus(reqCtx, p.handle)
	if err != nil && ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return status, fmt.Errorf("%w: %w", errPollDeadline, err)
	}
	return status, err
}

func (p *pollRun) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := p.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *pollRun) finish(ctx context.Context, state JobState, status StatusResult, spanMeta map[string]any) {
	p.tc.EndSpan(SpanJobPolling, spanMeta)
	p.update(func(r *JobRecord) {
		r.State = state
		r.LastStatus = status.Result
		r.Message = status.Message
	})
	p.exportTrace(ctx, p.tc)
}

func (p *pollRun) timeout(ctx context.Context) error {
	err := &TimeoutError{JobID: p.handle, Timeout: p.cfg.Timeout, Elapsed: p.clock.Since(p.start)}
	p.tc.EndSpan(SpanJobPolling, map[string]any{"final_status": "timed_out"})
	p.update(func(r *JobRecord) { r.State = TimedOut })
	p.logger.Error("job processing timed out", "job_id", p.handle, "elapsed", err.Elapsed, "attempts", p.attempts)
	p.emit(ctx, p.entry, EventJobTimedOut, p.handle, map[string]any{
		"elapsed_seconds": err.Elapsed.Seconds(),
		"attempts":        p.attempts,
	})
	p.exportTrace(ctx, p.tc)
	return err
}

func (p *pollRun) abort(ctx context.Context, last error) error {
	err := &AbortedError{JobID: p.handle, Retries: p.retries, Err: last}
	p.tc.EndSpan(SpanJobPolling, map[string]any{"final_status": "aborted"})
	p.update(func(r *JobRecord) { r.State = Aborted })
	p.logger.Error("giving up on job", "job_id", p.handle, "retries", p.retries, "error", last)
	p.emit(ctx, p.entry, EventJobAborted, p.handle, map[string]any{
		"retries": p.retries,
		"error":   last.Error(),
	})
	p.exportTrace(ctx, p.tc)
	return err
}

// cancel closes the attempt without recording metrics or audit events; the
// job's outcome stays unknown to the client.
func (p *pollRun) cancel(ctx context.Context, cause error) error {
	p.tc.EndSpan(SpanJobPolling, map[string]any{"final_status": "cancelled"})
	p.update(func(r *JobRecord) { r.State = Cancelled })
	p.logger.Info("wait cancelled", "job_id", p.handle, "error", cause)
	p.exportTrace(ctx, p.tc)
	return &CancellationError{JobID: p.handle, Err: cause}
}

func (c *Client) update(entry *jobEntry, fn func(*JobRecord)) {
	c.mu.Lock()
	fn(&entry.rec)
	entry.rec.UpdatedAt = c.clock.Now()
	rec := entry.rec
	c.mu.Unlock()
	c.persist(rec)
}

func (p *pollRun) update(fn func(*JobRecord)) { p.Client.update(p.entry, fn) }

func (c *Client) persist(rec JobRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveJob(rec); err != nil {
		c.logger.Warn("saving job record failed", "job_id", rec.Handle, "error", err)
	}
}

// emit hands an event to the audit sink. Timestamps never go backwards for a
// job, and sink failures are only logged.
func (c *Client) emit(ctx context.Context, entry *jobEntry, eventType string, h JobHandle, details map[string]any) {
	ts := c.clock.Now().UTC()
	if entry != nil {
		c.mu.Lock()
		if ts.Before(entry.lastEvent) {
			ts = entry.lastEvent
		}
		entry.lastEvent = ts
		c.mu.Unlock()
	}
	if details == nil {
		details = map[string]any{}
	}

	event := AuditEvent{Timestamp: ts, EventType: eventType, JobID: h, Details: details}
	if err := c.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warn("audit event dropped", "event_type", eventType, "job_id", h, "error", err)
	}
}

func (c *Client) exportTrace(ctx context.Context, tc *TraceContext) {
	if c.logger.IsDebug() {
		if data, err := tc.ToJSON(); err == nil {
			c.logger.Debug("trace", "trace", string(data))
		}
	}
	if c.tracer != nil {
		tc.Export(context.WithoutCancel(ctx), c.tracer)
	}
}
