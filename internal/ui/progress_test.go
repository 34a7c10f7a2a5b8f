package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/analyze"
	"github.com/berth-dev/autopilot/internal/autopilot"
)

func TestProgressDisplay_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressDisplay(&buf, false, "fix bug", false)

	events := make(chan autopilot.Event, 8)
	events <- autopilot.Event{Type: autopilot.EventSessionCreated, SessionID: "sess-1", MaxIterations: 3}
	events <- autopilot.Event{Type: autopilot.EventIterationStarted, Iteration: 1, MaxIterations: 3}
	events <- autopilot.Event{
		Type: autopilot.EventIterationCompleted, Iteration: 1,
		Result:   &agent.IterationResult{ExecutionTime: 3 * time.Second},
		Analysis: &analyze.Analysis{ReasonForContinuation: "test failures detected"},
	}
	events <- autopilot.Event{Type: autopilot.EventIterationStarted, Iteration: 2, MaxIterations: 3}
	events <- autopilot.Event{
		Type: autopilot.EventIterationCompleted, Iteration: 2,
		Result:   &agent.IterationResult{ExecutionTime: 2 * time.Second},
		Analysis: &analyze.Analysis{IsComplete: true, QualityScore: 0.95},
	}
	close(events)
	p.Consume(events)
	p.Finish(&autopilot.Summary{Outcome: autopilot.OutcomeCompleted, SessionID: "sess-1", Iterations: 2, Duration: 5 * time.Second})

	out := buf.String()
	for _, want := range []string{
		"Started session sess-1",
		"[iteration 1/3] RUNNING",
		"[iteration 1/3] CONTINUE [3s] test failures detected",
		"[iteration 2/3] COMPLETE [2s, quality 0.95]",
		"after 2 iteration(s) in 5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "[iteration 1/3] RUNNING"); n != 1 {
		t.Errorf("running line printed %d times", n)
	}
}

func TestProgressDisplay_FailureMarksRunningIteration(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressDisplay(&buf, false, "task", false)
	p.Handle(autopilot.Event{Type: autopilot.EventIterationStarted, Iteration: 1})
	p.Handle(autopilot.Event{Type: autopilot.EventSessionFailed, Err: "run cancelled"})

	if !strings.Contains(buf.String(), "[iteration 1] FAILED run cancelled") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestProgressDisplay_TTYRedraws(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressDisplay(&buf, true, "task", false)
	p.Handle(autopilot.Event{Type: autopilot.EventIterationStarted, Iteration: 1, MaxIterations: 2})
	p.Handle(autopilot.Event{Type: autopilot.EventIterationCompleted, Iteration: 1, Analysis: &analyze.Analysis{IsComplete: true}})

	out := buf.String()
	if !strings.Contains(out, "\033[2A") {
		t.Errorf("no cursor-up redraw in %q", out)
	}
	if !strings.Contains(out, "iteration 1/2") {
		t.Errorf("output lacks iteration label: %q", out)
	}
}

func TestProgressDisplay_StreamMessageVerboseOnly(t *testing.T) {
	var quiet, loud bytes.Buffer
	newProgressDisplay(&quiet, false, "t", false).StreamMessage(agent.Message{Kind: agent.KindToolUse, ToolName: "Bash"})
	newProgressDisplay(&loud, false, "t", true).StreamMessage(agent.Message{Kind: agent.KindToolUse, ToolName: "Bash"})

	if quiet.Len() != 0 {
		t.Errorf("quiet display printed %q", quiet.String())
	}
	if !strings.Contains(loud.String(), "Bash") {
		t.Errorf("verbose display printed %q", loud.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h2m3s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
