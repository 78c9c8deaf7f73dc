package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStartFailed EventType = "start_failed"
	EventStop        EventType = "stop"
	EventStopFailed  EventType = "stop_failed"
	EventExit        EventType = "exit"
	EventRestart     EventType = "restart"
)

// Record describes the daemon an event is about.
type Record struct {
	ID       string `json:"id"`
	PID      int    `json:"pid"`
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SendTimeout bounds each delivery made by a Recorder.
const SendTimeout = 3 * time.Second

// Recorder fans events out to sinks. Delivery failures are logged and never
// affect the lifecycle operation that produced the event.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
}

// NewRecorder returns a Recorder for sinks. A nil logger uses slog.Default.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log}
}

// Emit sends an event of type typ for rec to every sink.
func (r *Recorder) Emit(ctx context.Context, typ EventType, rec Record) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	e := Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, SendTimeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Warn("history sink failed", "type", string(typ), "id", rec.ID, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
