// Package executor runs the Claude CLI as the autopilot's agent.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/autopilot"
	"github.com/berth-dev/autopilot/internal/config"
)

const (
	defaultCommand = "claude"
	defaultTimeout = 10 * time.Minute
	defaultGrace   = 5 * time.Second

	// maxStderr caps how much stderr is attached to a failed result.
	maxStderr = 4096
)

var authFailure = regexp.MustCompile(`(?i)(invalid api key|please run /login|not logged in|authentication (failed|error)|oauth token (has )?expired)`)

// Claude spawns `claude -p` once per iteration.
type Claude struct {
	command         string
	allowedTools    []string
	grace           time.Duration
	skipPermissions bool
	onMessage       func(agent.Message)
}

// New returns a Claude executor configured from cfg.
func New(cfg config.ExecutorConfig) *Claude {
	c := &Claude{
		command:         cfg.Command,
		allowedTools:    cfg.AllowedTools,
		grace:           time.Duration(cfg.GracePeriod) * time.Second,
		skipPermissions: cfg.SkipPermissions,
	}
	if c.command == "" {
		c.command = defaultCommand
	}
	if c.grace <= 0 {
		c.grace = defaultGrace
	}
	return c
}

// OnMessage registers fn to receive structured messages as they stream in.
// fn runs on the output-copying goroutine and must not block.
func (c *Claude) OnMessage(fn func(agent.Message)) {
	c.onMessage = fn
}

// IsAvailable reports whether the CLI can be found.
func (c *Claude) IsAvailable() bool {
	_, err := exec.LookPath(c.command)
	return err == nil
}

// Execute runs one invocation. A non-zero exit is reported in the result,
// not as an error. Errors are *agent.LaunchError when the CLI cannot start
// or rejects authentication, *agent.TimeoutError when opts.Timeout expires,
// and the context's error when ctx is cancelled.
func (c *Claude) Execute(ctx context.Context, prompt string, opts autopilot.ExecuteOptions) (*agent.IterationResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.command, c.buildArgs(prompt, opts)...)
	cmd.Dir = opts.WorkDir
	// Interrupt first so the CLI can flush its session; WaitDelay escalates
	// to a kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = c.grace

	parser := newStreamParser(c.onMessage)
	var stderr bytes.Buffer
	cmd.Stdout = parser
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	parser.flush()

	result := &agent.IterationResult{ExecutionTime: time.Since(start)}
	if parser.parsed() {
		parser.fill(result)
	} else {
		fillUnstructured(result, parser.rawOutput())
	}
	if result.Model == "" {
		result.Model = opts.Model
	}

	if runErr == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		result.Cancelled = true
		result.HasError = true
		return result, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.HasError = true
		return result, &agent.TimeoutError{Timeout: timeout}
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		result.HasError = true
		errText := strings.TrimSpace(stderr.String())
		if errText != "" {
			result.Messages = append(result.Messages, agent.Message{
				Kind:      agent.KindError,
				Content:   truncate(errText, maxStderr),
				Timestamp: time.Now().UTC(),
			})
		}
		if authFailure.MatchString(errText) || authFailure.MatchString(result.Output) {
			return result, &agent.LaunchError{Command: c.command, Reason: "authentication failed", Err: runErr}
		}
		return result, nil
	default:
		return result, &agent.LaunchError{Command: c.command, Err: runErr}
	}
}

// buildArgs constructs the CLI argument slice for one invocation.
func (c *Claude) buildArgs(prompt string, opts autopilot.ExecuteOptions) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(c.allowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.allowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if c.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

// fillUnstructured handles output that is not stream-json: first as a
// single JSON envelope, then as plain text.
func fillUnstructured(r *agent.IterationResult, raw string) {
	if env, err := ParseEnvelope(bytes.TrimSpace([]byte(raw))); err == nil {
		r.Output = env.Result
		r.SessionID = env.SessionID
		r.HasError = env.IsError
		r.CostUSD = env.CostUSD
		return
	}
	r.Output = strings.TrimSpace(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("... (%d bytes truncated)", len(s)-n)
}
