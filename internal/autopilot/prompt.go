package autopilot

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/analyze"
	"github.com/berth-dev/autopilot/prompts"
)

// maxHistoryOutput caps how much of each earlier iteration's output is
// repeated in a continuation prompt.
const maxHistoryOutput = 1500

// maxHistoryEntries caps how many earlier iterations are summarized.
const maxHistoryEntries = 5

var (
	taskTmpl         = template.Must(template.New("task").Parse(prompts.TaskTemplate))
	continuationTmpl = template.Must(template.New("continuation").Parse(prompts.ContinuationTemplate))
	reviewTmpl       = template.Must(template.New("review").Parse(prompts.ReviewTemplate))
)

type continuationData struct {
	Request       string
	Iteration     int
	MaxIterations int
	History       []agent.Outcome
	Suggestion    string
}

// BuildPrompt renders the prompt for tc.Iteration. The first iteration gets
// the bare task; later ones get the task plus a condensed account of the
// most recent iterations and the analyzer's last suggestion.
func BuildPrompt(tc *agent.TaskContext, last *analyze.Analysis) string {
	var buf bytes.Buffer
	if tc.Iteration <= 1 || len(tc.History) == 0 {
		if err := taskTmpl.Execute(&buf, tc); err != nil {
			return tc.Request
		}
		return buf.String()
	}

	history := tc.History
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}
	condensed := make([]agent.Outcome, len(history))
	for i, h := range history {
		h.Output = condense(h.Output, maxHistoryOutput)
		condensed[i] = h
	}

	data := continuationData{
		Request:       tc.Request,
		Iteration:     tc.Iteration,
		MaxIterations: tc.Preferences.MaxIterations,
		History:       condensed,
	}
	if last != nil {
		data.Suggestion = last.SuggestedNextAction
	}

	if err := continuationTmpl.Execute(&buf, data); err != nil {
		return fmt.Sprintf("%s\n\nContinue the task (iteration %d).", tc.Request, tc.Iteration)
	}
	return buf.String()
}

// condense keeps the tail of s, where agents usually summarize, within
// limit bytes.
func condense(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "[...]\n" + s[cut:]
}

func buildReviewPrompt(request, output string) string {
	var buf bytes.Buffer
	data := struct{ Request, Output string }{request, condense(output, 4*maxHistoryOutput)}
	if err := reviewTmpl.Execute(&buf, data); err != nil {
		return request
	}
	return buf.String()
}
