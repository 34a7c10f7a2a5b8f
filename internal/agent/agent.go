// Package agent holds the data model shared by the executor, the completion
// analyzer and the autopilot engine.
package agent

import (
	"fmt"
	"time"
)

// MessageKind classifies one structured message reported by the agent.
type MessageKind string

const (
	KindStream     MessageKind = "stream"
	KindToolUse    MessageKind = "tool_use"
	KindToolResult MessageKind = "tool_result"
	KindError      MessageKind = "error"
	KindStatus     MessageKind = "status"
)

// Message is one typed item of an iteration's structured output.
type Message struct {
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content,omitempty"`
	ToolName  string      `json:"tool_name,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Usage holds the token counters reported for one invocation.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// IterationResult is the immutable outcome of one agent invocation.
type IterationResult struct {
	Output        string        `json:"output"`
	ExitCode      int           `json:"exit_code"`
	SessionID     string        `json:"session_id,omitempty"`
	Messages      []Message     `json:"messages,omitempty"`
	HasError      bool          `json:"has_error"`
	TimedOut      bool          `json:"timed_out,omitempty"`
	Cancelled     bool          `json:"cancelled,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Model         string        `json:"model,omitempty"`
	StopReason    string        `json:"stop_reason,omitempty"`
	Usage         *Usage        `json:"usage,omitempty"`
	CostUSD       float64       `json:"cost_usd,omitempty"`
}

// PendingToolUses returns tool invocations that never received a result.
func (r *IterationResult) PendingToolUses() []Message {
	answered := make(map[string]bool)
	for _, m := range r.Messages {
		if m.Kind == KindToolResult && m.ToolUseID != "" {
			answered[m.ToolUseID] = true
		}
	}
	var pending []Message
	for _, m := range r.Messages {
		if m.Kind == KindToolUse && m.ToolUseID != "" && !answered[m.ToolUseID] {
			pending = append(pending, m)
		}
	}
	return pending
}

// Preferences are the per-run knobs carried in every TaskContext.
type Preferences struct {
	Model                 string        `json:"model"`
	MaxIterations         int           `json:"max_iterations"`
	Timeout               time.Duration `json:"timeout"`
	Verbose               bool          `json:"verbose"`
	ContinuationThreshold float64       `json:"continuation_threshold"`
	EnableDualAgent       bool          `json:"enable_dual_agent"`
}

// Outcome is the condensed record of one finished iteration kept in the
// task history.
type Outcome struct {
	Iteration           int     `json:"iteration"`
	Output              string  `json:"output"`
	ExitCode            int     `json:"exit_code"`
	HasError            bool    `json:"has_error"`
	IsComplete          bool    `json:"is_complete"`
	Confidence          float64 `json:"confidence"`
	Reason              string  `json:"reason,omitempty"`
	SuggestedNextAction string  `json:"suggested_next_action,omitempty"`
}

// TaskContext is the engine's view of a task at the start of an iteration.
// Only the engine mutates it, by appending to History between iterations.
type TaskContext struct {
	Request     string      `json:"request"`
	History     []Outcome   `json:"history"`
	WorkDir     string      `json:"work_dir"`
	SessionID   string      `json:"session_id"`
	Iteration   int         `json:"iteration"`
	Preferences Preferences `json:"preferences"`
}

// Previous returns the most recent history entry, or nil.
func (tc *TaskContext) Previous() *Outcome {
	if tc == nil || len(tc.History) == 0 {
		return nil
	}
	return &tc.History[len(tc.History)-1]
}

// LaunchError reports that the agent could not be started or refused to
// run, for example a missing executable or failed authentication. It is
// never retried.
type LaunchError struct {
	Command string
	Reason  string
	Err     error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launching %s", e.Command)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError reports that one invocation exceeded its time limit.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.Timeout)
}
