package history

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/analyze"
	"github.com/berth-dev/autopilot/internal/autopilot"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), ".autopilot", "history.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RunLifecycle(t *testing.T) {
	s := newTestStore(t)
	started := time.Now().Add(-time.Minute)

	id, err := s.StartRun("sess-1", "/src/app", "fix bug", started)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	for n := 1; n <= 2; n++ {
		if err := s.AddIteration(Iteration{RunID: id, Number: n, ExitCode: 1, HasError: true, Confidence: 0.85, Reason: "errors"}); err != nil {
			t.Fatalf("AddIteration %d: %v", n, err)
		}
	}
	if err := s.FinishRun(id, "exhausted-budget", "budget exhausted", time.Now()); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := s.GetRun(id)
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	if run.Outcome != "exhausted-budget" || run.Iterations != 2 || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}
	if run.Task != "fix bug" || run.SessionID != "sess-1" {
		t.Errorf("run = %+v", run)
	}

	its, err := s.Iterations(id)
	if err != nil {
		t.Fatalf("Iterations: %v", err)
	}
	if len(its) != 2 || its[0].Number != 1 || !its[1].HasError || its[1].Confidence != 0.85 {
		t.Errorf("iterations = %+v", its)
	}
}

func TestStore_GetRunMissing(t *testing.T) {
	s := newTestStore(t)
	run, err := s.GetRun("nope")
	if err != nil || run != nil {
		t.Errorf("GetRun = %v, %v; want nil, nil", run, err)
	}
	if err := s.FinishRun("nope", "failed", "", time.Now()); err == nil {
		t.Error("FinishRun on missing run succeeded")
	}
}

func TestStore_RecentRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, project := range []string{"/a", "/b", "/a"} {
		if _, err := s.StartRun("s", project, "task", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("StartRun: %v", err)
		}
	}

	all, err := s.RecentRuns("", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("runs = %d, want 3", len(all))
	}
	if !all[0].StartedAt.After(all[2].StartedAt) {
		t.Error("runs not newest first")
	}

	onlyA, err := s.RecentRuns("/a", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(onlyA) != 2 {
		t.Errorf("runs for /a = %d, want 2", len(onlyA))
	}

	limited, err := s.RecentRuns("", 1)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %d", len(limited))
	}
}

func TestRecorder_ConsumesEvents(t *testing.T) {
	s := newTestStore(t)
	var warn bytes.Buffer
	rec := NewRecorder(s, &warn)

	now := time.Now()
	events := make(chan autopilot.Event, 8)
	events <- autopilot.Event{Type: autopilot.EventSessionCreated, Time: now, SessionID: "sess", ProjectPath: "/p", Task: "t"}
	events <- autopilot.Event{
		Type: autopilot.EventIterationCompleted, Time: now, SessionID: "sess", Iteration: 1,
		Result:   &agent.IterationResult{Output: "ok", ExecutionTime: 2 * time.Second, Usage: &agent.Usage{InputTokens: 7, OutputTokens: 9}},
		Analysis: &analyze.Analysis{IsComplete: true, Confidence: 0.9, QualityScore: 0.9},
	}
	events <- autopilot.Event{Type: autopilot.EventSessionCompleted, Time: now, SessionID: "sess", Outcome: autopilot.OutcomeCompleted}
	close(events)

	rec.Consume(events)
	if warn.Len() != 0 {
		t.Errorf("warnings: %s", warn.String())
	}

	runs, err := s.RecentRuns("/p", 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns = %v, %v", runs, err)
	}
	if runs[0].Outcome != "completed" || runs[0].Iterations != 1 {
		t.Errorf("run = %+v", runs[0])
	}
	its, err := s.Iterations(runs[0].ID)
	if err != nil || len(its) != 1 {
		t.Fatalf("Iterations = %v, %v", its, err)
	}
	if its[0].InputTokens != 7 || its[0].DurationMS != 2000 || !its[0].IsComplete {
		t.Errorf("iteration = %+v", its[0])
	}
}
