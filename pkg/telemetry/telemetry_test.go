package telemetry

import (
	"testing"

	"go.uber.org/zap"

	"github.com/portalsfs/portalsfs/internal/logging"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Info(Event{Name: EventFetchTriggered, EntityType: "webpages"})
	r.Failure(Event{Name: EventSaveFailed, StatusCode: 500})
	r.Success(Event{Name: EventSaveCompleted})
	r.Failure(Event{Name: EventSaveFailed, StatusCode: 401})

	if got := r.Count(EventSaveFailed); got != 2 {
		t.Errorf("expected 2 SaveFailed events, got %d", got)
	}
	failed := r.Named(EventSaveFailed)
	if failed[1].StatusCode != 401 || failed[1].Outcome != OutcomeFailure {
		t.Errorf("unexpected event: %+v", failed[1])
	}
	if all := r.Events(); len(all) != 4 || all[0].Outcome != OutcomeInfo {
		t.Errorf("unexpected events: %+v", all)
	}
}

func TestLoggerDoesNotPanic(t *testing.T) {
	logging.SetLogger(zap.NewNop())
	l := NewLogger()
	l.Info(Event{Name: EventRetryAttempt, Attempt: 1, URL: "https://x"})
	l.Failure(Event{Name: EventFetchFailed, Error: "boom", StatusCode: 503})
	l.Success(Event{Name: EventSaveCompleted, Method: "PATCH"})

	var s Sink = Nop{}
	s.Failure(Event{Name: EventSystemError})
}
