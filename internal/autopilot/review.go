package autopilot

import (
	"context"
	"regexp"
	"strings"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/analyze"
)

// Verdict is a reviewer's judgement of an iteration.
type Verdict string

const (
	VerdictComplete   Verdict = "COMPLETE"
	VerdictIncomplete Verdict = "INCOMPLETE"
	VerdictUnknown    Verdict = ""
)

var verdictLine = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(COMPLETE|INCOMPLETE)\b`)

// ParseVerdict returns the last VERDICT line in output.
func ParseVerdict(output string) Verdict {
	matches := verdictLine.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return VerdictUnknown
	}
	return Verdict(strings.ToUpper(matches[len(matches)-1][1]))
}

// Review is the second agent's report on one iteration.
type Review struct {
	Verdict Verdict
	Output  string
}

// review asks the reviewer to judge result. A reviewer that fails to run
// yields an unknown verdict, which leaves the analysis untouched.
func (e *Engine) review(ctx context.Context, tc *agent.TaskContext, result *agent.IterationResult, opts Options) Review {
	reviewer := e.reviewer
	if reviewer == nil {
		reviewer = e.executor
	}
	out, err := reviewer.Execute(ctx, buildReviewPrompt(tc.Request, result.Output), ExecuteOptions{
		Timeout: opts.Timeout,
		Model:   opts.Model,
		WorkDir: tc.WorkDir,
	})
	if err != nil || out == nil {
		return Review{}
	}
	return Review{Verdict: ParseVerdict(out.Output), Output: strings.TrimSpace(out.Output)}
}

// reviewDetector reports the rejection as an analyzer pattern.
func reviewDetector(rv Review) analyze.Detector {
	return func(*agent.IterationResult, *agent.TaskContext) (analyze.Pattern, bool) {
		if rv.Verdict != VerdictIncomplete {
			return analyze.Pattern{}, false
		}
		return analyze.Pattern{Type: analyze.PatternReviewRejected, Confidence: 0.8}, true
	}
}
