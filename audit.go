package pollster

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Audit event types emitted by the client. Status events are
// EventStatusPrefix followed by the observed status, e.g. job_status_pending.
const (
	EventJobCreated        = "job_created"
	EventJobCreationFailed = "job_creation_failed"
	EventJobTimedOut       = "job_timed_out"
	EventJobAborted        = "job_aborted"
	EventStatusPrefix      = "job_status_"
)

// AuditEvent is one structured lifecycle record.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"` // UTC
	EventType string         `json:"event_type"`
	JobID     JobHandle      `json:"job_id"`
	Details   map[string]any `json:"details"`
}

// AuditSink receives lifecycle events. The client treats sinks as
// fire-and-forget: a returned error is logged and otherwise ignored.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// AuditSinkFunc adapts a plain function to an AuditSink.
type AuditSinkFunc func(ctx context.Context, event AuditEvent) error

func (f AuditSinkFunc) Record(ctx context.Context, event AuditEvent) error {
	return f(ctx, event)
}

// JSONLineSink writes each event as one JSON object per line.
type JSONLineSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLineSink(w io.Writer) *JSONLineSink {
	return &JSONLineSink{w: w}
}

func (s *JSONLineSink) Record(_ context.Context, event AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

// LoggerSink writes events to an hclog logger at info level.
type LoggerSink struct {
	logger hclog.Logger
}

func NewLoggerSink(logger hclog.Logger) *LoggerSink {
	return &LoggerSink{logger: logger.Named("audit")}
}

func (s *LoggerSink) Record(_ context.Context, event AuditEvent) error {
	s.logger.Info(event.EventType,
		"job_id", event.JobID,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
		"details", event.Details,
	)
	return nil
}

// MultiSink fans an event out to every sink and collects their errors.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, event AuditEvent) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type discardSink struct{}

func (discardSink) Record(context.Context, AuditEvent) error { return nil }
