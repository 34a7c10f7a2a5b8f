package autopilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/analyze"
	"github.com/berth-dev/autopilot/internal/session"
)

// fakeExecutor answers each call with step(call), where call is 1-based.
type fakeExecutor struct {
	mu      sync.Mutex
	prompts []string
	opts    []ExecuteOptions
	step    func(ctx context.Context, call int) (*agent.IterationResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, prompt string, opts ExecuteOptions) (*agent.IterationResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	call := len(f.prompts)
	f.mu.Unlock()
	return f.step(ctx, call)
}

func (f *fakeExecutor) IsAvailable() bool { return true }

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func always(output string, exitCode int, hasError bool) func(context.Context, int) (*agent.IterationResult, error) {
	return func(context.Context, int) (*agent.IterationResult, error) {
		return &agent.IterationResult{Output: output, ExitCode: exitCode, HasError: hasError}, nil
	}
}

func newTestEngine(t *testing.T, exec Executor) (*Engine, *session.Store, string) {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewEngine(exec, store, analyze.New(analyze.DefaultWeights())), store, t.TempDir()
}

func assistantEntries(entries []session.Entry) []session.Entry {
	var out []session.Entry
	for _, e := range entries {
		if e.Type == session.EntryAssistant {
			out = append(out, e)
		}
	}
	return out
}

func TestRun_ExhaustsBudgetOnPersistentErrors(t *testing.T) {
	exec := &fakeExecutor{step: always("error: build failed", 1, true)}
	engine, store, project := newTestEngine(t, exec)

	summary, err := engine.Run(context.Background(), "fix the build", Options{
		ProjectPath:   project,
		MaxIterations: 2,
	})

	var budgetErr *BudgetExhaustedError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("err = %v, want *BudgetExhaustedError", err)
	}
	if summary.Outcome != OutcomeExhausted {
		t.Errorf("Outcome = %s, want %s", summary.Outcome, OutcomeExhausted)
	}
	if summary.Iterations != 2 || exec.calls() != 2 {
		t.Errorf("iterations = %d, calls = %d, want 2 and 2", summary.Iterations, exec.calls())
	}
	if budgetErr.SessionID != summary.SessionID || summary.SessionID == "" {
		t.Errorf("session ids: error %q, summary %q", budgetErr.SessionID, summary.SessionID)
	}

	entries, err := store.LoadSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got := len(assistantEntries(entries)); got != 2 {
		t.Errorf("assistant entries = %d, want 2", got)
	}
	if engine.State() != StateExhausted {
		t.Errorf("State = %s, want %s", engine.State(), StateExhausted)
	}
	if engine.IsExecuting() || engine.CurrentSession() != "" {
		t.Error("engine reports activity after run")
	}
}

func TestRun_CompletesOnFirstIteration(t *testing.T) {
	exec := &fakeExecutor{step: always("I've fixed the bug. The task is complete and all tests pass.", 0, false)}
	engine, store, project := newTestEngine(t, exec)

	summary, err := engine.Run(context.Background(), "fix bug", Options{ProjectPath: project, MaxIterations: 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Outcome != OutcomeCompleted || summary.Iterations != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.LastAnalysis == nil || !summary.LastAnalysis.IsComplete {
		t.Error("last analysis not complete")
	}

	entries, err := store.LoadSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want summary, user, assistant", len(entries))
	}
	if entries[2].Message.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", entries[2].Message.StopReason)
	}

	meta, err := store.GetSessionMetadata(project, summary.SessionID)
	if err != nil {
		t.Fatalf("GetSessionMetadata: %v", err)
	}
	if meta.Status != session.StatusCompleted {
		t.Errorf("Status = %s, want completed", meta.Status)
	}
	if engine.State() != StateCompleted {
		t.Errorf("State = %s", engine.State())
	}
}

func TestRun_ContinuesWithCondensedHistory(t *testing.T) {
	exec := &fakeExecutor{step: func(_ context.Context, call int) (*agent.IterationResult, error) {
		if call == 1 {
			return &agent.IterationResult{Output: "I started on the parser; still need to add tests."}, nil
		}
		return &agent.IterationResult{Output: "The task is complete. All tests pass."}, nil
	}}
	engine, store, project := newTestEngine(t, exec)

	summary, err := engine.Run(context.Background(), "write a parser", Options{ProjectPath: project, MaxIterations: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Iterations != 2 {
		t.Fatalf("Iterations = %d, want 2", summary.Iterations)
	}

	second := exec.prompts[1]
	for _, want := range []string{"write a parser", "iteration 2", "still need to add tests"} {
		if !strings.Contains(second, want) {
			t.Errorf("continuation prompt lacks %q:\n%s", want, second)
		}
	}

	entries, err := store.LoadSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	wantTypes := []session.EntryType{
		session.EntrySummary, session.EntryUser, session.EntryAssistant,
		session.EntryUser, session.EntryAssistant,
	}
	if len(entries) != len(wantTypes) {
		t.Fatalf("entries = %d, want %d", len(entries), len(wantTypes))
	}
	for i, want := range wantTypes {
		if entries[i].Type != want {
			t.Errorf("entry %d type = %s, want %s", i, entries[i].Type, want)
		}
	}
	if entries[3].Text() != second {
		t.Error("recorded continuation prompt differs from the prompt sent")
	}

	v, err := store.ValidateSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if !v.Valid {
		t.Errorf("chain invalid: %v", v.Errors)
	}
}

func TestRun_LaunchErrorIsFatal(t *testing.T) {
	exec := &fakeExecutor{step: func(context.Context, int) (*agent.IterationResult, error) {
		return nil, &agent.LaunchError{Command: "claude", Reason: "executable not found"}
	}}
	engine, store, project := newTestEngine(t, exec)

	summary, err := engine.Run(context.Background(), "anything", Options{ProjectPath: project, MaxIterations: 5})

	var launchErr *agent.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *agent.LaunchError", err)
	}
	if exec.calls() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", exec.calls())
	}
	if summary.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %s", summary.Outcome)
	}
	if engine.State() != StateFailed {
		t.Errorf("State = %s", engine.State())
	}

	entries, err := store.LoadSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(assistantEntries(entries)) != 1 {
		t.Error("launch failure not recorded")
	}
}

func TestRun_TimeoutFeedsContinuation(t *testing.T) {
	exec := &fakeExecutor{step: func(_ context.Context, call int) (*agent.IterationResult, error) {
		if call == 1 {
			return &agent.IterationResult{Output: "partial work"}, &agent.TimeoutError{Timeout: time.Second}
		}
		return &agent.IterationResult{Output: "The task is complete. All tests pass."}, nil
	}}
	engine, _, project := newTestEngine(t, exec)

	summary, err := engine.Run(context.Background(), "slow task", Options{ProjectPath: project, MaxIterations: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Iterations != 2 {
		t.Fatalf("Iterations = %d, want 2", summary.Iterations)
	}
	first := summary.Results[0]
	if !first.TimedOut || !first.HasError {
		t.Errorf("first result = %+v, want timed out with error", first)
	}
}

func TestRun_CancellationRecordsCancelledEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &fakeExecutor{step: func(ctx context.Context, _ int) (*agent.IterationResult, error) {
		cancel()
		return &agent.IterationResult{Output: "half done"}, ctx.Err()
	}}
	engine, store, project := newTestEngine(t, exec)

	summary, err := engine.Run(ctx, "task", Options{ProjectPath: project})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if summary.Outcome != OutcomeFailed || engine.State() != StateFailed {
		t.Errorf("outcome %s state %s", summary.Outcome, engine.State())
	}

	entries, err := store.LoadSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Type != session.EntryAssistant || last.Message.StopReason != "cancelled" {
		t.Errorf("last entry = %s/%q, want cancelled assistant entry", last.Type, last.Message.StopReason)
	}
	if !strings.Contains(last.Text(), "half done") {
		t.Errorf("partial output lost: %q", last.Text())
	}
}

func TestRun_DeadlineEndsTimedOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	exec := &fakeExecutor{step: func(ctx context.Context, _ int) (*agent.IterationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	engine, _, project := newTestEngine(t, exec)

	if _, err := engine.Run(ctx, "task", Options{ProjectPath: project}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if engine.State() != StateTimedOut {
		t.Errorf("State = %s, want %s", engine.State(), StateTimedOut)
	}
}

func TestRun_BusyEngine(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := &fakeExecutor{step: func(context.Context, int) (*agent.IterationResult, error) {
		close(started)
		<-release
		return &agent.IterationResult{Output: "The task is complete. All tests pass."}, nil
	}}
	engine, _, project := newTestEngine(t, exec)

	if engine.IsExecuting() || engine.CurrentSession() != "" || engine.State() != StateIdle {
		t.Fatal("new engine is not idle")
	}

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background(), "task", Options{ProjectPath: project})
		done <- err
	}()
	<-started

	if !engine.IsExecuting() {
		t.Error("IsExecuting = false during run")
	}
	if engine.CurrentSession() == "" || engine.CurrentIteration() != 1 {
		t.Errorf("session %q iteration %d", engine.CurrentSession(), engine.CurrentIteration())
	}
	if s, err := engine.Run(context.Background(), "other", Options{ProjectPath: project}); !errors.Is(err, ErrEngineBusy) || s != nil {
		t.Errorf("second Run = %v, %v; want nil, ErrEngineBusy", s, err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	exec := &fakeExecutor{step: always("error: still broken", 1, true)}
	engine, _, project := newTestEngine(t, exec)
	events, unsubscribe := engine.Subscribe(32)

	summary, _ := engine.Run(context.Background(), "task", Options{ProjectPath: project, MaxIterations: 2})
	unsubscribe()

	var got []EventType
	var last Event
	for ev := range events {
		if ev.SessionID != summary.SessionID {
			t.Errorf("event %s has session %q", ev.Type, ev.SessionID)
		}
		if ev.Type == EventIterationCompleted && (ev.Result == nil || ev.Analysis == nil) {
			t.Error("iteration_completed without result or analysis")
		}
		got = append(got, ev.Type)
		last = ev
	}

	want := []EventType{
		EventSessionCreated,
		EventIterationStarted, EventIterationCompleted,
		EventIterationStarted, EventIterationCompleted,
		EventSessionCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if last.Outcome != OutcomeExhausted {
		t.Errorf("final outcome = %s", last.Outcome)
	}
}

func TestRun_ResumesExistingSession(t *testing.T) {
	exec := &fakeExecutor{step: always("The task is complete. All tests pass.", 0, false)}
	engine, store, project := newTestEngine(t, exec)

	id, err := store.CreateSession(project, session.CreateOptions{InitialMessage: "first request"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	summary, err := engine.Run(context.Background(), "follow-up request", Options{
		ProjectPath:     project,
		ResumeSessionID: id,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.SessionID != id {
		t.Errorf("SessionID = %q, want %q", summary.SessionID, id)
	}

	entries, err := store.LoadSession(project, id)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if entries[2].Text() != "follow-up request" {
		t.Errorf("resume entry = %q", entries[2].Text())
	}
}

func TestRun_ResumeUnknownSessionFails(t *testing.T) {
	exec := &fakeExecutor{step: always("done", 0, false)}
	engine, _, project := newTestEngine(t, exec)

	summary, err := engine.Run(context.Background(), "task", Options{
		ProjectPath:     project,
		ResumeSessionID: "00000000-0000-0000-0000-000000000000",
	})
	var notFound *session.SessionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want SessionNotFoundError", err)
	}
	if summary.Outcome != OutcomeFailed || exec.calls() != 0 {
		t.Errorf("outcome %s, calls %d", summary.Outcome, exec.calls())
	}
}

func TestRun_DualAgentReview(t *testing.T) {
	exec := &fakeExecutor{step: func(_ context.Context, call int) (*agent.IterationResult, error) {
		if call == 1 {
			return &agent.IterationResult{Output: "The task is complete. All tests pass."}, nil
		}
		return &agent.IterationResult{Output: "Added the missing tests. The task is complete. All tests pass."}, nil
	}}
	reviewer := &fakeExecutor{step: func(_ context.Context, call int) (*agent.IterationResult, error) {
		if call == 1 {
			return &agent.IterationResult{Output: "Edge cases are untested.\nVERDICT: INCOMPLETE"}, nil
		}
		return &agent.IterationResult{Output: "Looks good.\nVERDICT: COMPLETE"}, nil
	}}
	engine, store, project := newTestEngine(t, exec)
	engine.SetReviewer(reviewer)

	summary, err := engine.Run(context.Background(), "task", Options{
		ProjectPath:     project,
		MaxIterations:   3,
		EnableDualAgent: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Iterations != 2 || reviewer.calls() != 2 {
		t.Errorf("iterations %d, reviews %d; want 2 and 2", summary.Iterations, reviewer.calls())
	}
	if !strings.Contains(reviewer.prompts[0], "VERDICT: COMPLETE") {
		t.Error("review prompt lacks verdict instructions")
	}

	entries, err := store.LoadSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	replies := assistantEntries(entries)
	if len(replies) != 2 {
		t.Fatalf("assistant entries = %d, want 2", len(replies))
	}
	if !strings.Contains(replies[0].Text(), "Review (incomplete)") {
		t.Errorf("review not folded into reply: %q", replies[0].Text())
	}
}

func TestRun_IntermediateRepliesStayActive(t *testing.T) {
	exec := &fakeExecutor{step: func(_ context.Context, call int) (*agent.IterationResult, error) {
		if call == 1 {
			return &agent.IterationResult{Output: "I started on the parser; still need to add tests.", StopReason: "end_turn"}, nil
		}
		return &agent.IterationResult{Output: "The task is complete. All tests pass.", StopReason: "end_turn"}, nil
	}}
	engine, store, project := newTestEngine(t, exec)

	summary, err := engine.Run(context.Background(), "write a parser", Options{ProjectPath: project, MaxIterations: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := store.LoadSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	replies := assistantEntries(entries)
	if len(replies) != 2 {
		t.Fatalf("assistant entries = %d, want 2", len(replies))
	}
	if got := replies[0].Message.StopReason; got != session.StopReasonContinuation {
		t.Errorf("intermediate stop reason = %q, want %q", got, session.StopReasonContinuation)
	}
	if got := replies[1].Message.StopReason; got != "end_turn" {
		t.Errorf("final stop reason = %q, want end_turn", got)
	}
	if session.InferStatus(entries[:3]) != session.StatusActive {
		t.Error("session interrupted after the first reply should read as active")
	}
	if session.InferStatus(entries) != session.StatusCompleted {
		t.Error("finished session should read as completed")
	}
}

func TestRun_ExhaustedReplyIsTerminal(t *testing.T) {
	exec := &fakeExecutor{step: always("still need to add tests", 0, false)}
	engine, store, project := newTestEngine(t, exec)

	summary, _ := engine.Run(context.Background(), "task", Options{ProjectPath: project, MaxIterations: 2})
	entries, err := store.LoadSession(project, summary.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	replies := assistantEntries(entries)
	if len(replies) != 2 {
		t.Fatalf("assistant entries = %d, want 2", len(replies))
	}
	if replies[0].Message.StopReason != session.StopReasonContinuation {
		t.Errorf("first stop reason = %q", replies[0].Message.StopReason)
	}
	if replies[1].Message.StopReason == session.StopReasonContinuation {
		t.Error("last reply of an exhausted run should be terminal")
	}
}

func TestRun_ReviewOnlyWhenFirstPassComplete(t *testing.T) {
	exec := &fakeExecutor{step: func(_ context.Context, call int) (*agent.IterationResult, error) {
		if call == 1 {
			return &agent.IterationResult{Output: "Started the refactor; still need to update the callers."}, nil
		}
		return &agent.IterationResult{Output: "The task is complete. All tests pass."}, nil
	}}
	reviewer := &fakeExecutor{step: always("Looks good.\nVERDICT: COMPLETE", 0, false)}
	engine, _, project := newTestEngine(t, exec)
	engine.SetReviewer(reviewer)

	summary, err := engine.Run(context.Background(), "refactor", Options{
		ProjectPath:     project,
		MaxIterations:   3,
		EnableDualAgent: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", summary.Iterations)
	}
	if reviewer.calls() != 1 {
		t.Errorf("reviews = %d, want 1 (incomplete iteration is not reviewed)", reviewer.calls())
	}
}

func TestRun_ReusesAgentSession(t *testing.T) {
	exec := &fakeExecutor{step: func(_ context.Context, call int) (*agent.IterationResult, error) {
		if call == 1 {
			return &agent.IterationResult{Output: "still need to finish", SessionID: "agent-1"}, nil
		}
		return &agent.IterationResult{Output: "The task is complete. All tests pass.", SessionID: "agent-1"}, nil
	}}
	engine, _, project := newTestEngine(t, exec)

	if _, err := engine.Run(context.Background(), "task", Options{ProjectPath: project, ReuseAgentSession: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.opts[0].SessionID != "" {
		t.Errorf("first call SessionID = %q, want empty", exec.opts[0].SessionID)
	}
	if exec.opts[1].SessionID != "agent-1" {
		t.Errorf("second call SessionID = %q, want agent-1", exec.opts[1].SessionID)
	}
}

func TestShouldContinue(t *testing.T) {
	opts := Options{MaxIterations: 3, ContinuationThreshold: 0.7}
	tests := []struct {
		name      string
		analysis  analyze.Analysis
		iteration int
		want      bool
	}{
		{"complete and confident", analyze.Analysis{IsComplete: true, Confidence: 0.9}, 1, false},
		{"complete below threshold", analyze.Analysis{IsComplete: true, Confidence: 0.5}, 1, true},
		{"incomplete", analyze.Analysis{Confidence: 0.9}, 2, true},
		{"budget reached", analyze.Analysis{}, 3, false},
		{"past budget", analyze.Analysis{}, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldContinue(tt.analysis, tt.iteration, opts); got != tt.want {
				t.Errorf("ShouldContinue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in   string
		want Verdict
	}{
		{"VERDICT: COMPLETE", VerdictComplete},
		{"blah\nverdict: incomplete\n", VerdictIncomplete},
		{"VERDICT: INCOMPLETE\n...\nVERDICT: COMPLETE", VerdictComplete},
		{"no verdict here", VerdictUnknown},
	}
	for _, tt := range tests {
		if got := ParseVerdict(tt.in); got != tt.want {
			t.Errorf("ParseVerdict(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	tc := &agent.TaskContext{Request: "add caching", WorkDir: "/src/app", Iteration: 1}
	first := BuildPrompt(tc, nil)
	if !strings.Contains(first, "add caching") || !strings.Contains(first, "/src/app") {
		t.Errorf("first prompt = %q", first)
	}

	long := strings.Repeat("x", 3*maxHistoryOutput) + " final words"
	tc.Iteration = 2
	tc.Preferences.MaxIterations = 4
	tc.History = []agent.Outcome{{Iteration: 1, Output: long, HasError: true, ExitCode: 1, Reason: "tests failing"}}
	next := BuildPrompt(tc, &analyze.Analysis{SuggestedNextAction: "Run the failing tests."})

	for _, want := range []string{"iteration 2 of 4", "final words", "[...]", "tests failing", "Run the failing tests.", "exit 1"} {
		if !strings.Contains(next, want) {
			t.Errorf("continuation prompt lacks %q", want)
		}
	}
	if strings.Contains(next, strings.Repeat("x", 2*maxHistoryOutput)) {
		t.Error("history output not condensed")
	}
}
