package history

import (
	"fmt"
	"io"

	"github.com/berth-dev/autopilot/internal/autopilot"
)

// Recorder writes engine events into a Store.
type Recorder struct {
	store *Store
	warn  io.Writer
	runs  map[string]string // session id -> run id
}

// NewRecorder returns a Recorder writing to store. Write failures are
// reported to warn and otherwise ignored.
func NewRecorder(store *Store, warn io.Writer) *Recorder {
	return &Recorder{store: store, warn: warn, runs: make(map[string]string)}
}

// Consume records events until the channel is closed.
func (r *Recorder) Consume(events <-chan autopilot.Event) {
	for ev := range events {
		if err := r.Record(ev); err != nil && r.warn != nil {
			fmt.Fprintf(r.warn, "Warning: failed to record %s in history: %v\n", ev.Type, err)
		}
	}
}

// Record applies one event.
func (r *Recorder) Record(ev autopilot.Event) error {
	switch ev.Type {
	case autopilot.EventSessionCreated:
		id, err := r.store.StartRun(ev.SessionID, ev.ProjectPath, ev.Task, ev.Time)
		if err != nil {
			return err
		}
		r.runs[ev.SessionID] = id
	case autopilot.EventIterationCompleted:
		runID, ok := r.runs[ev.SessionID]
		if !ok || ev.Result == nil || ev.Analysis == nil {
			return nil
		}
		it := Iteration{
			RunID:        runID,
			Number:       ev.Iteration,
			ExitCode:     ev.Result.ExitCode,
			HasError:     ev.Result.HasError,
			TimedOut:     ev.Result.TimedOut,
			IsComplete:   ev.Analysis.IsComplete,
			Confidence:   ev.Analysis.Confidence,
			QualityScore: ev.Analysis.QualityScore,
			Reason:       ev.Analysis.ReasonForContinuation,
			CostUSD:      ev.Result.CostUSD,
			DurationMS:   ev.Result.ExecutionTime.Milliseconds(),
			RecordedAt:   ev.Time,
		}
		if u := ev.Result.Usage; u != nil {
			it.InputTokens = u.InputTokens
			it.OutputTokens = u.OutputTokens
		}
		return r.store.AddIteration(it)
	case autopilot.EventSessionCompleted, autopilot.EventSessionFailed:
		runID, ok := r.runs[ev.SessionID]
		if !ok {
			return nil
		}
		delete(r.runs, ev.SessionID)
		return r.store.FinishRun(runID, string(ev.Outcome), ev.Err, ev.Time)
	}
	return nil
}
