package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/autopilot"
	"github.com/berth-dev/autopilot/internal/config"
	"github.com/berth-dev/autopilot/internal/testutil"
)

func newClaude(command string) *Claude {
	return New(config.ExecutorConfig{Command: command, GracePeriod: 1})
}

func TestExecute_StreamJSON(t *testing.T) {
	script := testutil.FakeAgent(t, testutil.HeredocScript(
		testutil.SuccessStream(t, "sess-1", "The task is complete."), 0))
	c := newClaude(script)

	var mu sync.Mutex
	var streamed []agent.Message
	c.OnMessage(func(m agent.Message) {
		mu.Lock()
		streamed = append(streamed, m)
		mu.Unlock()
	})

	res, err := c.Execute(context.Background(), "do it", autopilot.ExecuteOptions{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "The task is complete." {
		t.Errorf("Output = %q", res.Output)
	}
	if res.SessionID != "sess-1" || res.Model != "claude-sonnet-4-5" {
		t.Errorf("SessionID %q Model %q", res.SessionID, res.Model)
	}
	if res.StopReason != "end_turn" {
		t.Errorf("StopReason = %q", res.StopReason)
	}
	if res.Usage == nil || res.Usage.CacheReadInputTokens != 5 || res.Usage.OutputTokens != 20 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if res.CostUSD != 0.01 {
		t.Errorf("CostUSD = %v", res.CostUSD)
	}
	if res.HasError || res.ExitCode != 0 {
		t.Errorf("HasError %v ExitCode %d", res.HasError, res.ExitCode)
	}
	if res.ExecutionTime <= 0 {
		t.Error("ExecutionTime not set")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(streamed) == 0 || streamed[0].Kind != agent.KindStream {
		t.Errorf("streamed messages = %+v", streamed)
	}
}

func TestExecute_PassesArguments(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	script := testutil.FakeAgent(t, `for a in "$@"; do printf '%s\n' "$a" >> `+argsFile+`; done
pwd >> `+argsFile+`
echo '{"type":"result","result":"ok","session_id":"s"}'`)

	c := New(config.ExecutorConfig{
		Command:         script,
		AllowedTools:    []string{"Read", "Bash"},
		SkipPermissions: true,
	})
	workDir := t.TempDir()
	_, err := c.Execute(context.Background(), "the prompt", autopilot.ExecuteOptions{
		Model:        "opus",
		SessionID:    "agent-7",
		WorkDir:      workDir,
		SystemPrompt: "be brief",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("reading args: %v", err)
	}
	got := string(data)
	for _, want := range []string{
		"-p\nthe prompt\n",
		"--output-format\nstream-json\n",
		"--model\nopus\n",
		"--allowedTools\nRead,Bash\n",
		"--append-system-prompt\nbe brief\n",
		"--resume\nagent-7\n",
		"--dangerously-skip-permissions\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("args lack %q:\n%s", want, got)
		}
	}
	resolved, _ := filepath.EvalSymlinks(workDir)
	if !strings.Contains(got, workDir) && !strings.Contains(got, resolved) {
		t.Errorf("command did not run in %s:\n%s", workDir, got)
	}
}

func TestExecute_NonZeroExitIsAResult(t *testing.T) {
	script := testutil.FakeAgent(t, `echo "compilation failed"; echo "boom on stderr" >&2; exit 3`)
	c := newClaude(script)

	res, err := c.Execute(context.Background(), "x", autopilot.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 || !res.HasError {
		t.Errorf("ExitCode %d HasError %v", res.ExitCode, res.HasError)
	}
	if res.Output != "compilation failed" {
		t.Errorf("Output = %q", res.Output)
	}
	found := false
	for _, m := range res.Messages {
		if m.Kind == agent.KindError && strings.Contains(m.Content, "boom on stderr") {
			found = true
		}
	}
	if !found {
		t.Errorf("stderr not captured: %+v", res.Messages)
	}
}

func TestExecute_Timeout(t *testing.T) {
	script := testutil.FakeAgent(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
exec sleep 30`)
	c := newClaude(script)

	start := time.Now()
	res, err := c.Execute(context.Background(), "x", autopilot.ExecuteOptions{Timeout: 200 * time.Millisecond})

	var timeoutErr *agent.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *agent.TimeoutError", err)
	}
	if !res.TimedOut || !res.HasError {
		t.Errorf("TimedOut %v HasError %v", res.TimedOut, res.HasError)
	}
	if res.Output != "working" {
		t.Errorf("partial output lost: %q", res.Output)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("took %s to stop", elapsed)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	script := testutil.FakeAgent(t, `exec sleep 30`)
	c := newClaude(script)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := c.Execute(ctx, "x", autopilot.ExecuteOptions{Timeout: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !res.Cancelled {
		t.Error("Cancelled = false")
	}
}

func TestExecute_MissingCommand(t *testing.T) {
	c := newClaude(filepath.Join(t.TempDir(), "no-such-agent"))
	if c.IsAvailable() {
		t.Error("IsAvailable = true for missing command")
	}

	_, err := c.Execute(context.Background(), "x", autopilot.ExecuteOptions{})
	var launchErr *agent.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *agent.LaunchError", err)
	}
}

func TestExecute_AuthFailureIsLaunchError(t *testing.T) {
	script := testutil.FakeAgent(t, `echo '{"type":"result","subtype":"success","is_error":true,"result":"Invalid API key · Please run /login"}'
exit 1`)
	c := newClaude(script)

	_, err := c.Execute(context.Background(), "x", autopilot.ExecuteOptions{})
	var launchErr *agent.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *agent.LaunchError", err)
	}
	if launchErr.Reason != "authentication failed" {
		t.Errorf("Reason = %q", launchErr.Reason)
	}
}

func TestExecute_JSONEnvelopeFallback(t *testing.T) {
	script := testutil.FakeAgent(t, testutil.HeredocScript(`{
  "type": "result",
  "result": "Created auth.go",
  "total_cost_usd": 0.042,
  "session_id": "sess-abc",
  "is_error": false
}`, 0))
	c := newClaude(script)

	res, err := c.Execute(context.Background(), "x", autopilot.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "Created auth.go" || res.SessionID != "sess-abc" || res.CostUSD != 0.042 {
		t.Errorf("result = %+v", res)
	}
}

func TestIsAvailable(t *testing.T) {
	script := testutil.FakeAgent(t, "exit 0")
	if !newClaude(script).IsAvailable() {
		t.Error("IsAvailable = false for executable script")
	}
}

func TestNewDefaults(t *testing.T) {
	c := New(config.ExecutorConfig{})
	if c.command != "claude" || c.grace != defaultGrace {
		t.Errorf("command %q grace %s", c.command, c.grace)
	}
	args := c.buildArgs("p", autopilot.ExecuteOptions{})
	for _, a := range args {
		if a == "--resume" || a == "--model" || a == "--dangerously-skip-permissions" {
			t.Errorf("unexpected flag %s in %v", a, args)
		}
	}
}
