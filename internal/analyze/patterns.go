package analyze

import (
	"regexp"
	"strings"

	"github.com/berth-dev/autopilot/internal/agent"
)

// PatternType names a signal found in an iteration's output.
type PatternType string

const (
	PatternSuccess        PatternType = "success"
	PatternError          PatternType = "error"
	PatternTestFailure    PatternType = "test_failure"
	PatternProcessFailure PatternType = "process_failure"
	PatternTimeout        PatternType = "timeout"
	PatternTodo           PatternType = "unresolved_todo"
	PatternPendingTools   PatternType = "pending_tools"
	PatternStagnation     PatternType = "stagnation"
	PatternEmptyOutput    PatternType = "empty_output"
	PatternReviewRejected PatternType = "review_rejected"
)

// IsError reports whether the pattern outranks any success signal.
func (p PatternType) IsError() bool {
	switch p {
	case PatternError, PatternTestFailure, PatternProcessFailure, PatternTimeout:
		return true
	}
	return false
}

// IsIncomplete reports whether the pattern signals unfinished work.
func (p PatternType) IsIncomplete() bool {
	switch p {
	case PatternTodo, PatternPendingTools, PatternStagnation, PatternEmptyOutput, PatternReviewRejected:
		return true
	}
	return false
}

// Pattern is one detector hit.
type Pattern struct {
	Type       PatternType `json:"type"`
	Confidence float64     `json:"confidence"`
}

// Detector inspects a result and its context and optionally reports a
// pattern.
type Detector func(result *agent.IterationResult, tc *agent.TaskContext) (Pattern, bool)

type weightedRegexp struct {
	re         *regexp.Regexp
	confidence float64
}

var successPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(task|work|implementation|feature|fix) (is |has been )?(now )?(complete|completed|done|finished)\b`),
	regexp.MustCompile(`(?i)\ball (\d+ )?(tests|checks) (now )?pass(ed|ing)?\b`),
	regexp.MustCompile(`(?i)\bsuccessfully (implemented|completed|fixed|added|created|updated|resolved|refactored)\b`),
	regexp.MustCompile(`(?i)\b(everything|it) (is |now )?work(s|ing)( as expected| correctly)?\b`),
	regexp.MustCompile(`(?i)\b(i have|i've) (finished|completed|implemented|fixed|resolved)\b`),
}

var errorPhrases = []weightedRegexp{
	{regexp.MustCompile(`(?im)^\s*(error|fatal|panic)(\[[^\]]*\])?:`), 0.85},
	{regexp.MustCompile(`(?i)\b(traceback \(most recent call last\)|unhandled exception|segmentation fault)`), 0.9},
	{regexp.MustCompile(`(?i)\b(build|compilation|command|migration) failed\b`), 0.8},
	{regexp.MustCompile(`(?i)\b(failed to|unable to|could not|cannot) (compile|build|run|complete|fix|install|find|resolve|apply|start)\b`), 0.6},
}

var testFailurePhrases = []weightedRegexp{
	{regexp.MustCompile(`(?m)^(--- FAIL|FAIL\b)`), 0.95},
	{regexp.MustCompile(`(?i)\b[1-9]\d* (tests? )?(failed|failing|failures?)\b`), 0.9},
	{regexp.MustCompile(`(?i)\b(tests? (are |is )?(still )?failing|assertionerror|assertion failed)\b`), 0.85},
}

var todoPhrases = []weightedRegexp{
	{regexp.MustCompile(`\b(TODO|FIXME|XXX)\b`), 0.5},
	{regexp.MustCompile(`(?i)\b(still need(s)? to|remaining (work|tasks|steps)|not yet (implemented|done|complete)|next steps?:|will need to)\b`), 0.6},
}

// stagnationSimilarity is the word-set overlap above which two consecutive
// outputs count as the same answer.
const stagnationSimilarity = 0.9

// DefaultDetectors returns the built-in detector set.
func DefaultDetectors() []Detector {
	return []Detector{
		detectSuccess,
		detectErrors,
		detectTestFailures,
		detectTodos,
		detectPendingTools,
		detectStagnation,
		detectTimeout,
	}
}

func detectSuccess(r *agent.IterationResult, _ *agent.TaskContext) (Pattern, bool) {
	hits := 0
	for _, re := range successPhrases {
		if re.MatchString(r.Output) {
			hits++
		}
	}
	if hits == 0 {
		return Pattern{}, false
	}
	conf := 0.6 + 0.15*float64(hits)
	if conf > 1 {
		conf = 1
	}
	return Pattern{Type: PatternSuccess, Confidence: conf}, true
}

func detectErrors(r *agent.IterationResult, _ *agent.TaskContext) (Pattern, bool) {
	text := r.Output
	for _, m := range r.Messages {
		if m.Kind == agent.KindError {
			return Pattern{Type: PatternError, Confidence: 0.9}, true
		}
	}
	return bestMatch(PatternError, errorPhrases, text)
}

func detectTestFailures(r *agent.IterationResult, _ *agent.TaskContext) (Pattern, bool) {
	return bestMatch(PatternTestFailure, testFailurePhrases, r.Output)
}

func detectTodos(r *agent.IterationResult, _ *agent.TaskContext) (Pattern, bool) {
	return bestMatch(PatternTodo, todoPhrases, r.Output)
}

func detectPendingTools(r *agent.IterationResult, _ *agent.TaskContext) (Pattern, bool) {
	if len(r.PendingToolUses()) > 0 || r.StopReason == "tool_use" {
		return Pattern{Type: PatternPendingTools, Confidence: 0.7}, true
	}
	return Pattern{}, false
}

func detectStagnation(r *agent.IterationResult, tc *agent.TaskContext) (Pattern, bool) {
	prev := tc.Previous()
	if prev == nil || strings.TrimSpace(prev.Output) == "" {
		return Pattern{}, false
	}
	sim := similarity(prev.Output, r.Output)
	if sim < stagnationSimilarity {
		return Pattern{}, false
	}
	return Pattern{Type: PatternStagnation, Confidence: sim}, true
}

func detectTimeout(r *agent.IterationResult, _ *agent.TaskContext) (Pattern, bool) {
	if r.TimedOut {
		return Pattern{Type: PatternTimeout, Confidence: 1}, true
	}
	return Pattern{}, false
}

func bestMatch(kind PatternType, phrases []weightedRegexp, text string) (Pattern, bool) {
	best := 0.0
	for _, p := range phrases {
		if p.confidence > best && p.re.MatchString(text) {
			best = p.confidence
		}
	}
	if best == 0 {
		return Pattern{}, false
	}
	return Pattern{Type: kind, Confidence: best}, true
}

// similarity is the Jaccard index of the lower-cased word sets of a and b.
func similarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}
