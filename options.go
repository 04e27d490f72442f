package pollster

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimiter gates job creation with l. Share one limiter between
// clients to enforce a combined quota.
func WithRateLimiter(l *RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMetrics records job outcomes into m instead of a private aggregator.
func WithMetrics(m *MetricsAggregator) Option {
	return func(c *Client) { c.metrics = m }
}

// WithAuditSink sends lifecycle events to sink.
func WithAuditSink(sink AuditSink) Option {
	return func(c *Client) { c.audit = sink }
}

// WithStore persists job records in s and appends every audit event to the
// job's trail in s, in addition to any sink set with WithAuditSink.
func WithStore(s *Store) Option {
	return func(c *Client) { c.store = s }
}

// WithClock sets the clock used for deadlines, backoff sleeps and spans.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithTracer exports every finished job trace to tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithBackoff replaces the poll backoff.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithBackoffUnit keeps the min(2^attempt, 30) schedule but measures it in
// unit instead of seconds.
func WithBackoffUnit(unit time.Duration) Option {
	return func(c *Client) { c.backoff.Unit = unit }
}

// WithDefaultJobConfig sets the config used when waiting on a handle this
// client did not create.
func WithDefaultJobConfig(cfg JobConfig) Option {
	return func(c *Client) { c.defaults = cfg }
}
