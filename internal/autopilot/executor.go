package autopilot

import (
	"context"
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
)

// ExecuteOptions are the per-invocation knobs handed to an Executor.
type ExecuteOptions struct {
	Timeout      time.Duration
	Model        string
	SessionID    string // agent-side session to continue, if any
	WorkDir      string
	SystemPrompt string
}

// Executor runs the agent once. Implementations enforce opts.Timeout
// themselves, returning *agent.TimeoutError with a partial result when it
// expires, and *agent.LaunchError when the agent cannot be started at all.
type Executor interface {
	Execute(ctx context.Context, prompt string, opts ExecuteOptions) (*agent.IterationResult, error)
	IsAvailable() bool
}
