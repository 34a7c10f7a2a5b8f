// Package autopilot drives an agent through repeated iterations until the
// completion analyzer judges the task done or the iteration budget runs
// out. Every prompt and reply is recorded in the session store.
//
// An Engine runs one task at a time. Hosts that need several concurrent
// tasks create one Engine each; they may share a session.Store.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/analyze"
	"github.com/berth-dev/autopilot/internal/session"
)

const (
	DefaultMaxIterations = 10
	DefaultTimeout       = 10 * time.Minute
)

// Options configure one run.
type Options struct {
	ProjectPath           string // defaults to the working directory
	Model                 string
	MaxIterations         int
	Timeout               time.Duration // per iteration
	Verbose               bool
	ContinuationThreshold float64
	EnableDualAgent       bool
	ReuseAgentSession     bool   // pass the agent's own session id back on the next iteration
	ResumeSessionID       string // continue an existing store session instead of creating one
	GitBranch             string
	SystemPrompt          string
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ContinuationThreshold <= 0 {
		o.ContinuationThreshold = analyze.DefaultThreshold
	}
	return o
}

func (o Options) preferences() agent.Preferences {
	return agent.Preferences{
		Model:                 o.Model,
		MaxIterations:         o.MaxIterations,
		Timeout:               o.Timeout,
		Verbose:               o.Verbose,
		ContinuationThreshold: o.ContinuationThreshold,
		EnableDualAgent:       o.EnableDualAgent,
	}
}

// Summary is what Run reports, whatever the outcome.
type Summary struct {
	Outcome      Outcome
	SessionID    string
	Iterations   int
	LastAnalysis *analyze.Analysis
	Results      []*agent.IterationResult
	StartedAt    time.Time
	Duration     time.Duration
}

// Engine owns the iteration state machine.
type Engine struct {
	executor Executor
	reviewer Executor
	store    *session.Store
	analyzer *analyze.Analyzer

	mu        sync.RWMutex
	state     State
	sessionID string
	iteration int

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// NewEngine returns an idle engine. A nil analyzer means default weights.
func NewEngine(executor Executor, store *session.Store, analyzer *analyze.Analyzer) *Engine {
	if analyzer == nil {
		analyzer = analyze.New(analyze.DefaultWeights())
	}
	return &Engine{
		executor: executor,
		store:    store,
		analyzer: analyzer,
		state:    StateIdle,
		subs:     make(map[chan Event]struct{}),
	}
}

// SetReviewer sets the executor used for dual-agent review. Without one the
// main executor reviews its own work in a fresh invocation.
func (e *Engine) SetReviewer(r Executor) {
	e.reviewer = r
}

// State returns the current state, or the terminal state of the last run.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsExecuting reports whether a run is in progress.
func (e *Engine) IsExecuting() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.executing()
}

func (e *Engine) executing() bool {
	return e.state == StateRunning || e.state == StateAnalyzing
}

// CurrentSession returns the session id of the run in progress, or "" when
// idle.
func (e *Engine) CurrentSession() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.executing() {
		return ""
	}
	return e.sessionID
}

// CurrentIteration returns the 1-based iteration in progress, or 0 when
// idle.
func (e *Engine) CurrentIteration() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.executing() {
		return 0
	}
	return e.iteration
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) setProgress(sessionID string, iteration int) {
	e.mu.Lock()
	e.sessionID = sessionID
	e.iteration = iteration
	e.mu.Unlock()
}

// ShouldContinue reports whether another iteration should run after
// iteration produced a.
func ShouldContinue(a analyze.Analysis, iteration int, opts Options) bool {
	opts = opts.withDefaults()
	if a.IsComplete && a.Confidence >= opts.ContinuationThreshold {
		return false
	}
	return iteration < opts.MaxIterations
}

// Run drives task to completion. The returned Summary is non-nil except
// for ErrEngineBusy and always carries the last known session id. The
// error is nil only for OutcomeCompleted; an exhausted budget returns
// *BudgetExhaustedError.
func (e *Engine) Run(ctx context.Context, task string, opts Options) (*Summary, error) {
	e.mu.Lock()
	if e.executing() {
		e.mu.Unlock()
		return nil, ErrEngineBusy
	}
	e.state = StateRunning
	e.sessionID = ""
	e.iteration = 0
	e.mu.Unlock()

	opts = opts.withDefaults()
	r := &run{
		engine:  e,
		opts:    opts,
		summary: &Summary{StartedAt: time.Now()},
	}

	if opts.ProjectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return r.fail(StateFailed, fmt.Errorf("getting working directory: %w", err))
		}
		r.opts.ProjectPath = wd
	}

	if err := r.bind(task); err != nil {
		return r.fail(StateFailed, err)
	}
	return r.loop(ctx)
}

// run is the mutable state of one Run call.
type run struct {
	engine  *Engine
	opts    Options
	summary *Summary
	tc      *agent.TaskContext
	last    *analyze.Analysis

	agentSession string
}

func (r *run) bind(task string) error {
	e := r.engine
	var (
		id      string
		resumed bool
	)
	if r.opts.ResumeSessionID != "" {
		if _, err := e.store.ResumeSession(r.opts.ProjectPath, r.opts.ResumeSessionID, task); err != nil {
			return fmt.Errorf("resuming session: %w", err)
		}
		id, resumed = r.opts.ResumeSessionID, true
	} else {
		var err error
		id, err = e.store.CreateSession(r.opts.ProjectPath, session.CreateOptions{
			InitialMessage: task,
			GitBranch:      r.opts.GitBranch,
		})
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}

	r.summary.SessionID = id
	r.tc = &agent.TaskContext{
		Request:     task,
		WorkDir:     r.opts.ProjectPath,
		SessionID:   id,
		Preferences: r.opts.preferences(),
	}
	e.setProgress(id, 0)
	e.publish(Event{
		Type:          EventSessionCreated,
		SessionID:     id,
		ProjectPath:   r.opts.ProjectPath,
		Task:          task,
		Resumed:       resumed,
		MaxIterations: r.opts.MaxIterations,
	})
	return nil
}

func (r *run) loop(ctx context.Context) (*Summary, error) {
	e := r.engine
	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return r.cancel(ctx, nil)
		}

		r.tc.Iteration = iteration
		r.summary.Iterations = iteration
		e.setProgress(r.tc.SessionID, iteration)
		e.setState(StateRunning)

		prompt := BuildPrompt(r.tc, r.last)
		if iteration > 1 {
			if _, err := e.store.AppendMessage(r.opts.ProjectPath, r.tc.SessionID, session.UserMessage(prompt)); err != nil {
				return r.fail(StateFailed, fmt.Errorf("recording prompt: %w", err))
			}
		}
		e.publish(Event{
			Type:          EventIterationStarted,
			SessionID:     r.tc.SessionID,
			Iteration:     iteration,
			MaxIterations: r.opts.MaxIterations,
		})

		result, err := r.execute(ctx, prompt)
		if ctx.Err() != nil {
			return r.cancel(ctx, result)
		}
		var launchErr *agent.LaunchError
		if errors.As(err, &launchErr) {
			if recErr := r.record(result, Review{}, false); recErr != nil {
				return r.fail(StateFailed, errors.Join(err, recErr))
			}
			r.summary.Results = append(r.summary.Results, result)
			return r.fail(StateFailed, err)
		}

		e.setState(StateAnalyzing)
		analysis := e.analyzer.Analyze(result, r.tc)
		var rv Review
		if r.opts.EnableDualAgent && analysis.IsComplete {
			rv = e.review(ctx, r.tc, result, r.opts)
			analysis = e.analyzer.WithDetectors(reviewDetector(rv)).Analyze(result, r.tc)
		}
		more := ShouldContinue(analysis, iteration, r.opts)

		if err := r.record(result, rv, more); err != nil {
			return r.fail(StateFailed, err)
		}
		r.summary.Results = append(r.summary.Results, result)
		r.summary.LastAnalysis = &analysis
		r.last = &analysis
		r.tc.History = append(r.tc.History, outcomeOf(iteration, result, analysis))

		e.publish(Event{
			Type:          EventIterationCompleted,
			SessionID:     r.tc.SessionID,
			Iteration:     iteration,
			MaxIterations: r.opts.MaxIterations,
			Result:        result,
			Analysis:      &analysis,
		})

		if !more {
			break
		}
	}

	if r.last.IsComplete {
		return r.finish(OutcomeCompleted, StateCompleted, nil)
	}
	return r.finish(OutcomeExhausted, StateExhausted, &BudgetExhaustedError{
		SessionID:  r.tc.SessionID,
		Iterations: r.summary.Iterations,
		LastReason: r.last.ReasonForContinuation,
	})
}

// execute invokes the executor and folds recoverable errors into the
// result so the analyzer sees them. Launch errors are returned as is.
func (r *run) execute(ctx context.Context, prompt string) (*agent.IterationResult, error) {
	opts := ExecuteOptions{
		Timeout:      r.opts.Timeout,
		Model:        r.opts.Model,
		WorkDir:      r.opts.ProjectPath,
		SystemPrompt: r.opts.SystemPrompt,
	}
	if r.opts.ReuseAgentSession {
		opts.SessionID = r.agentSession
	}

	started := time.Now()
	result, err := r.engine.executor.Execute(ctx, prompt, opts)
	if result == nil {
		result = &agent.IterationResult{}
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(started)
	}
	if result.Model == "" {
		result.Model = r.opts.Model
	}
	if r.opts.ReuseAgentSession && result.SessionID != "" {
		r.agentSession = result.SessionID
	}

	if err == nil {
		return result, nil
	}

	var launchErr *agent.LaunchError
	if errors.As(err, &launchErr) {
		result.HasError = true
		if result.Output == "" {
			result.Output = err.Error()
		}
		return result, err
	}

	var timeoutErr *agent.TimeoutError
	if errors.As(err, &timeoutErr) {
		result.TimedOut = true
	}
	result.HasError = true
	result.Messages = append(result.Messages, agent.Message{
		Kind:      agent.KindError,
		Content:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
	return result, nil
}

// record appends the assistant entry for result. more reports whether
// another iteration follows.
func (r *run) record(result *agent.IterationResult, rv Review, more bool) error {
	text := result.Output
	if rv.Output != "" {
		text = fmt.Sprintf("%s\n\n---\nReview (%s):\n%s", strings.TrimSpace(text), verdictLabel(rv.Verdict), rv.Output)
	}
	if result.Cancelled {
		text = strings.TrimSpace(text + "\n\n[iteration cancelled]")
	}

	entry := session.AssistantMessage(text, result.Model, stopReasonOf(result, more), sessionUsage(result.Usage))
	if _, err := r.engine.store.AppendMessage(r.opts.ProjectPath, r.tc.SessionID, entry); err != nil {
		return fmt.Errorf("recording iteration %d: %w", r.tc.Iteration, err)
	}
	return nil
}

// cancel records the interrupted iteration and ends the run. result may be
// nil when cancellation arrived between iterations.
func (r *run) cancel(ctx context.Context, result *agent.IterationResult) (*Summary, error) {
	if result == nil {
		result = &agent.IterationResult{Model: r.opts.Model}
	}
	result.Cancelled = true
	result.HasError = true

	state := StateFailed
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		state = StateTimedOut
	}
	if err := r.record(result, Review{}, false); err != nil {
		return r.fail(state, errors.Join(ctx.Err(), err))
	}
	r.summary.Results = append(r.summary.Results, result)
	return r.fail(state, fmt.Errorf("run cancelled: %w", ctx.Err()))
}

func (r *run) fail(state State, err error) (*Summary, error) {
	r.summary.Outcome = OutcomeFailed
	r.summary.Duration = time.Since(r.summary.StartedAt)
	r.engine.publish(Event{
		Type:      EventSessionFailed,
		SessionID: r.summary.SessionID,
		Iteration: r.summary.Iterations,
		Outcome:   OutcomeFailed,
		Err:       err.Error(),
	})
	r.engine.setState(state)
	return r.summary, err
}

func (r *run) finish(outcome Outcome, state State, err error) (*Summary, error) {
	r.summary.Outcome = outcome
	r.summary.Duration = time.Since(r.summary.StartedAt)
	ev := Event{
		Type:      EventSessionCompleted,
		SessionID: r.summary.SessionID,
		Iteration: r.summary.Iterations,
		Outcome:   outcome,
		Analysis:  r.last,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	r.engine.publish(ev)
	r.engine.setState(state)
	return r.summary, err
}

func outcomeOf(iteration int, result *agent.IterationResult, a analyze.Analysis) agent.Outcome {
	return agent.Outcome{
		Iteration:           iteration,
		Output:              result.Output,
		ExitCode:            result.ExitCode,
		HasError:            result.HasError,
		IsComplete:          a.IsComplete,
		Confidence:          a.Confidence,
		Reason:              a.ReasonForContinuation,
		SuggestedNextAction: a.SuggestedNextAction,
	}
}

// stopReasonOf picks the recorded stop reason. Replies the loop will
// continue from stay non-terminal so an interrupted run reads as active.
func stopReasonOf(result *agent.IterationResult, more bool) string {
	switch {
	case result.Cancelled:
		return "cancelled"
	case more && !result.HasError:
		return session.StopReasonContinuation
	case result.StopReason != "":
		return result.StopReason
	case result.HasError:
		return "error"
	}
	return "end_turn"
}

func sessionUsage(u *agent.Usage) *session.Usage {
	if u == nil {
		return nil
	}
	return &session.Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

func verdictLabel(v Verdict) string {
	if v == VerdictUnknown {
		return "no verdict"
	}
	return strings.ToLower(string(v))
}
