package pollster

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span names recorded by the client.
const (
	SpanJobCreation = "job_creation"
	SpanJobPolling  = "job_polling"
)

// Span is a named, timed interval inside a TraceContext.
type Span struct {
	Name      string         `json:"name"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time"` // nil while open
	Duration  *time.Duration `json:"duration"` // nil while open
	Metadata  map[string]any `json:"metadata"`
}

// Open reports whether EndSpan has not been called yet.
func (s Span) Open() bool { return s.EndTime == nil }

// TraceContext records the spans of one job attempt. It belongs to the
// goroutine driving that attempt and is not safe for concurrent use.
type TraceContext struct {
	traceID string

	// Empty when the context has no parent; exported as null.
	parentSpanID string

	// When the context was created. TotalDuration is measured from here.
	startTime time.Time
	clock     clock.Clock

	// Spans by name. Creating a span with a used name replaces it.
	spans map[string]*Span
}

// NewTraceContext starts a context with a fresh trace id. A nil clock means
// the wall clock.
func NewTraceContext(parentSpanID string, clk clock.Clock) *TraceContext {
	if clk == nil {
		clk = clock.New()
	}
	return &TraceContext{
		traceID:      uuid.NewString(),
		parentSpanID: parentSpanID,
		startTime:    clk.Now(),
		clock:        clk,
		spans:        make(map[string]*Span),
	}
}

func (t *TraceContext) TraceID() string { return t.traceID }

func (t *TraceContext) ParentSpanID() string { return t.parentSpanID }

// CreateSpan opens a span. A span with the same name is replaced.
func (t *TraceContext) CreateSpan(name string) Span {
	s := &Span{
		Name:      name,
		StartTime: t.clock.Now(),
		Metadata:  map[string]any{},
	}
	t.spans[name] = s
	return *s
}

// EndSpan closes the named span and merges metadata into it; later keys win.
// Unknown names are ignored.
func (t *TraceContext) EndSpan(name string, metadata map[string]any) {
	s, ok := t.spans[name]
	if !ok {
		return
	}
	end := t.clock.Now()
	d := end.Sub(s.StartTime)
	s.EndTime = &end
	s.Duration = &d
	maps.Copy(s.Metadata, metadata)
}

// Span returns a copy of the named span.
func (t *TraceContext) Span(name string) (Span, bool) {
	s, ok := t.spans[name]
	if !ok {
		return Span{}, false
	}
	return copySpan(s), true
}

func copySpan(s *Span) Span {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return c
}

// TraceSnapshot is the exported form of a TraceContext.
type TraceSnapshot struct {
	TraceID       string          `json:"trace_id"`
	ParentSpanID  *string         `json:"parent_span_id"`
	TotalDuration time.Duration   `json:"total_duration"`
	Spans         map[string]Span `json:"spans"`
}

// Snapshot captures the context as it is now. Open spans keep nil end and
// duration.
func (t *TraceContext) Snapshot() TraceSnapshot {
	snap := TraceSnapshot{
		TraceID:       t.traceID,
		TotalDuration: t.clock.Since(t.startTime),
		Spans:         make(map[string]Span, len(t.spans)),
	}
	if t.parentSpanID != "" {
		parent := t.parentSpanID
		snap.ParentSpanID = &parent
	}
	for name, s := range t.spans {
		snap.Spans[name] = copySpan(s)
	}
	return snap
}

// ToJSON serializes Snapshot for diagnostics.
func (t *TraceContext) ToJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

// Export replays the context into OpenTelemetry: one root span covering the
// whole attempt with a child per recorded span, using the recorded
// timestamps. Spans still open are ended now and flagged.
func (t *TraceContext) Export(ctx context.Context, tracer trace.Tracer) {
	// 1. The root span covers the whole context.
	now := t.clock.Now()
	ctx, root := tracer.Start(ctx, "job.trace",
		trace.WithTimestamp(t.startTime),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pollster.trace_id", t.traceID),
			attribute.String("pollster.parent_span_id", t.parentSpanID),
		),
	)

	// 2. One child per recorded span, in name order so exports are stable.
	names := slices.Sorted(maps.Keys(t.spans))
	for _, name := range names {
		s := t.spans[name]
		attrs := make([]attribute.KeyValue, 0, len(s.Metadata)+1)
		for _, k := range slices.Sorted(maps.Keys(s.Metadata)) {
			attrs = append(attrs, attribute.String(k, fmt.Sprint(s.Metadata[k])))
		}
		end := now
		if s.EndTime != nil {
			end = *s.EndTime
		} else {
			attrs = append(attrs, attribute.Bool("open", true))
		}
		_, child := tracer.Start(ctx, name,
			trace.WithTimestamp(s.StartTime),
			trace.WithAttributes(attrs...),
		)
		child.End(trace.WithTimestamp(end))
	}
	root.End(trace.WithTimestamp(now))
}
