// Package analyze scores an agent iteration and decides whether the task is
// finished or needs another pass.
//
// The analyzer is stateless: the same result and context always produce the
// same Analysis. Error patterns always outrank success phrasing, and the
// iteration budget can force continuation off without changing the
// completion verdict.
package analyze

import (
	"fmt"
	"sort"
	"strings"

	"github.com/berth-dev/autopilot/internal/agent"
)

// DefaultThreshold is used when the task context carries no threshold.
const DefaultThreshold = 0.7

// Weights tunes the quality score. Positive weights are normalized by their
// sum so the score stays within [0, 1].
type Weights struct {
	NoError           float64 `yaml:"no_error_weight"`
	Success           float64 `yaml:"success_weight"`
	Structural        float64 `yaml:"structural_weight"`
	IncompletePenalty float64 `yaml:"incomplete_penalty"`
	ErrorOverride     float64 `yaml:"error_override"` // minimum quality deduction once any error is detected
}

// DefaultWeights returns the empirically tuned defaults.
func DefaultWeights() Weights {
	return Weights{
		NoError:           0.3,
		Success:           0.5,
		Structural:        0.2,
		IncompletePenalty: 0.3,
		ErrorOverride:     0.5,
	}
}

// Analysis is the verdict for one iteration.
type Analysis struct {
	IsComplete            bool      `json:"is_complete"`
	Confidence            float64   `json:"confidence"`
	ContinuationNeeded    bool      `json:"continuation_needed"`
	ReasonForContinuation string    `json:"reason_for_continuation,omitempty"`
	SuggestedNextAction   string    `json:"suggested_next_action,omitempty"`
	QualityScore          float64   `json:"quality_score"`
	Patterns              []Pattern `json:"patterns"`
}

// Has reports whether a pattern of type p was detected.
func (a *Analysis) Has(p PatternType) bool {
	for _, pat := range a.Patterns {
		if pat.Type == p {
			return true
		}
	}
	return false
}

// Analyzer runs a detector set and combines the hits.
type Analyzer struct {
	weights   Weights
	detectors []Detector
}

// New returns an Analyzer with the default detectors.
func New(w Weights) *Analyzer {
	return NewWithDetectors(w, DefaultDetectors())
}

// NewWithDetectors returns an Analyzer running exactly the given detectors.
func NewWithDetectors(w Weights, detectors []Detector) *Analyzer {
	return &Analyzer{weights: w, detectors: detectors}
}

// Analyze scores result in the light of tc.
func (a *Analyzer) Analyze(result *agent.IterationResult, tc *agent.TaskContext) Analysis {
	if result == nil {
		result = &agent.IterationResult{}
	}
	if tc == nil {
		tc = &agent.TaskContext{}
	}

	if strings.TrimSpace(result.Output) == "" {
		patterns := []Pattern{{Type: PatternEmptyOutput, Confidence: 1}}
		if result.HasError || result.ExitCode != 0 {
			patterns = append(patterns, Pattern{Type: PatternProcessFailure, Confidence: 1})
		}
		an := Analysis{Confidence: 1, Patterns: patterns}
		a.decideContinuation(&an, tc)
		if an.ContinuationNeeded {
			an.ReasonForContinuation = "no output produced"
			an.SuggestedNextAction = suggestionFor(PatternEmptyOutput)
		}
		return an
	}

	var patterns []Pattern
	for _, d := range a.detectors {
		if p, ok := d(result, tc); ok {
			patterns = append(patterns, p)
		}
	}

	if (result.ExitCode != 0 || result.HasError) && !hasErrorPattern(patterns) {
		patterns = append(patterns, Pattern{Type: PatternProcessFailure, Confidence: 1})
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Confidence > patterns[j].Confidence
	})

	quality := a.quality(result, patterns)
	threshold := tc.Preferences.ContinuationThreshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	blocking, blocked := a.blockingError(patterns)
	an := Analysis{
		QualityScore: quality,
		Patterns:     patterns,
		IsComplete:   quality > threshold && !blocked,
	}

	switch {
	case an.IsComplete:
		an.Confidence = quality
	case blocked:
		an.Confidence = blocking.Confidence
	default:
		an.Confidence = 1 - quality
	}

	a.decideContinuation(&an, tc)
	if an.ContinuationNeeded {
		an.ReasonForContinuation, an.SuggestedNextAction = explain(patterns, quality, threshold)
	}
	return an
}

// decideContinuation applies the budget rule: once the current iteration
// reaches the maximum, continuation is off whatever the verdict.
func (a *Analyzer) decideContinuation(an *Analysis, tc *agent.TaskContext) {
	an.ContinuationNeeded = !an.IsComplete
	if limit := tc.Preferences.MaxIterations; limit > 0 && tc.Iteration >= limit {
		an.ContinuationNeeded = false
	}
}

func (a *Analyzer) quality(result *agent.IterationResult, patterns []Pattern) float64 {
	w := a.weights
	total := positive(w.NoError) + positive(w.Success) + positive(w.Structural)
	if total == 0 {
		return 0
	}

	var noError, success, structural, incomplete, errConf float64
	if !result.HasError && result.ExitCode == 0 {
		noError = 1
	}
	structural = 1
	for _, p := range patterns {
		switch {
		case p.Type == PatternSuccess:
			success = p.Confidence
		case p.Type == PatternPendingTools:
			structural = 0
			incomplete = maxf(incomplete, p.Confidence)
		case p.Type.IsIncomplete():
			incomplete = maxf(incomplete, p.Confidence)
		case p.Type.IsError():
			errConf = maxf(errConf, p.Confidence)
		}
	}

	q := (positive(w.NoError)*noError + positive(w.Success)*success + positive(w.Structural)*structural) / total
	q -= positive(w.IncompletePenalty) * incomplete
	if errConf > 0 {
		if limit := 1 - maxf(errConf, positive(w.ErrorOverride)); q > limit {
			q = limit
		}
	}
	return clamp(q)
}

// blockingError returns the strongest pattern that vetoes completion: any
// error pattern, or a reviewer rejection. Weights never affect the veto.
func (a *Analyzer) blockingError(patterns []Pattern) (Pattern, bool) {
	for _, p := range patterns {
		if p.Type == PatternReviewRejected || p.Type.IsError() {
			return p, true
		}
	}
	return Pattern{}, false
}

// explain picks the highest-confidence unresolved pattern. Patterns are
// already sorted by confidence.
func explain(patterns []Pattern, quality, threshold float64) (string, string) {
	for _, p := range patterns {
		if p.Type.IsError() || p.Type.IsIncomplete() {
			return reasonFor(p), suggestionFor(p.Type)
		}
	}
	return fmt.Sprintf("no clear completion signal (quality %.2f, threshold %.2f)", quality, threshold),
		"Confirm whether the task is finished; if not, complete the remaining work and say so explicitly."
}

func reasonFor(p Pattern) string {
	switch p.Type {
	case PatternError:
		return fmt.Sprintf("errors reported in output (confidence %.2f)", p.Confidence)
	case PatternTestFailure:
		return fmt.Sprintf("test failures detected (confidence %.2f)", p.Confidence)
	case PatternProcessFailure:
		return "agent process reported a failure"
	case PatternTimeout:
		return "iteration timed out"
	case PatternTodo:
		return "unresolved TODO markers or remaining work mentioned"
	case PatternPendingTools:
		return "agent stopped with tool calls still pending"
	case PatternStagnation:
		return fmt.Sprintf("output repeats the previous iteration (similarity %.2f)", p.Confidence)
	case PatternEmptyOutput:
		return "no output produced"
	case PatternReviewRejected:
		return "reviewer rejected the result"
	}
	return string(p.Type)
}

func suggestionFor(t PatternType) string {
	switch t {
	case PatternError:
		return "Investigate the reported errors and fix their root cause."
	case PatternTestFailure:
		return "Run the failing tests, read the failures and fix the code until they pass."
	case PatternProcessFailure:
		return "Check why the previous run failed and retry the remaining work."
	case PatternTimeout:
		return "Split the remaining work into smaller steps that finish within the time limit."
	case PatternTodo:
		return "Resolve the outstanding TODOs and remaining steps."
	case PatternPendingTools:
		return "Finish the interrupted tool operations and verify their results."
	case PatternStagnation:
		return "Try a different approach; the last attempt produced the same result."
	case PatternEmptyOutput:
		return "Restate progress so far and continue the task."
	case PatternReviewRejected:
		return "Address the reviewer's objections before declaring the task complete."
	}
	return "Continue the task."
}

func hasErrorPattern(patterns []Pattern) bool {
	for _, p := range patterns {
		if p.Type.IsError() {
			return true
		}
	}
	return false
}

func positive(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// WithDetectors returns a copy of a that also runs extra.
func (a *Analyzer) WithDetectors(extra ...Detector) *Analyzer {
	ds := make([]Detector, 0, len(a.detectors)+len(extra))
	ds = append(ds, a.detectors...)
	ds = append(ds, extra...)
	return &Analyzer{weights: a.weights, detectors: ds}
}
