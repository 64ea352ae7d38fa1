// Package telemetry defines the fire-and-forget observability sink used by the
// fetch, save and etag paths.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/internal/metrics"
)

// Event names.
const (
	EventRetryAttempt           = "RetryAttempt"
	EventBulkheadRejected       = "BulkheadLimitsExceeded"
	EventFetchTriggered         = "FetchTriggered"
	EventFetchCompleted         = "FetchCompleted"
	EventFetchFailed            = "FetchFailed"
	EventRecordFailed           = "FetchRecordFailed"
	EventMappingFetchFailed     = "MappingEntityFetchFailed"
	EventSaveTriggered          = "SaveTriggered"
	EventSaveCompleted          = "SaveCompleted"
	EventSaveFailed             = "SaveFailed"
	EventSaveAttributePathEmpty = "SaveAttributePathEmpty"
	EventSystemError            = "SystemError"
	EventEtagContentSame        = "EtagContentSame"
	EventEtagContentChanged     = "EtagContentChanged"
	EventEtagFailed             = "EtagRefreshFailed"
	EventNoAccessToken          = "NoAccessToken"
	EventPopulationFailed       = "PopulationFailed"
)

// Outcome classifies an event.
type Outcome string

const (
	OutcomeInfo    Outcome = "info"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is a structured telemetry record.
type Event struct {
	Name       string
	Outcome    Outcome
	URL        string
	EntityType string
	Method     string
	Duration   time.Duration
	Error      string
	Attempt    int
	StatusCode int
}

// Sink receives telemetry events. Implementations must not block or panic.
type Sink interface {
	Info(e Event)
	Success(e Event)
	Failure(e Event)
}

// Logger is a Sink that writes events to zap and counts them in Prometheus.
type Logger struct{}

// NewLogger creates a logging sink.
func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) Info(e Event) {
	e.Outcome = OutcomeInfo
	l.emit(e)
}

func (l *Logger) Success(e Event) {
	e.Outcome = OutcomeSuccess
	l.emit(e)
}

func (l *Logger) Failure(e Event) {
	e.Outcome = OutcomeFailure
	l.emit(e)
}

func (l *Logger) emit(e Event) {
	metrics.RecordTelemetryEvent(e.Name, string(e.Outcome))

	fields := []zap.Field{logging.String("event", e.Name)}
	if e.URL != "" {
		fields = append(fields, logging.URL(e.URL))
	}
	if e.EntityType != "" {
		fields = append(fields, logging.Entity(e.EntityType))
	}
	if e.Method != "" {
		fields = append(fields, logging.String("method", e.Method))
	}
	if e.Duration > 0 {
		fields = append(fields, logging.Duration("duration", e.Duration))
	}
	if e.Attempt > 0 {
		fields = append(fields, logging.Int("attempt", e.Attempt))
	}
	if e.StatusCode > 0 {
		fields = append(fields, logging.Status(e.StatusCode))
	}
	if e.Error != "" {
		fields = append(fields, logging.String("error", e.Error))
	}

	if e.Outcome == OutcomeFailure {
		logging.L().Warn("telemetry", fields...)
		return
	}
	logging.L().Debug("telemetry", fields...)
}

// Recorder is a Sink that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an in-memory sink.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Info(e Event)    { r.add(e, OutcomeInfo) }
func (r *Recorder) Success(e Event) { r.add(e, OutcomeSuccess) }
func (r *Recorder) Failure(e Event) { r.add(e, OutcomeFailure) }

func (r *Recorder) add(e Event, o Outcome) {
	e.Outcome = o
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of recorded events with the given name.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}

// Nop discards every event.
type Nop struct{}

func (Nop) Info(Event)    {}
func (Nop) Success(Event) {}
func (Nop) Failure(Event) {}
