// Package ui provides terminal UI components for autopilot.
// This file implements the progress display shown during a run.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"golang.org/x/term"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/autopilot"
)

// IterationStatus represents the display status of a single iteration.
type IterationStatus int

const (
	StatusRunning   IterationStatus = iota // Agent is working
	StatusCompleted                        // Judged complete
	StatusContinue                         // Finished, another pass needed
	StatusFailed                           // Cancelled or fatal
)

// IterationState holds the display state of a single iteration.
type IterationState struct {
	Number     int
	Status     IterationStatus
	Started    time.Time
	Elapsed    time.Duration
	Quality    float64
	Confidence float64
	Reason     string
}

// ProgressDisplay manages a live-updating terminal progress view.
type ProgressDisplay struct {
	mu         sync.Mutex
	out        io.Writer
	isTTY      bool
	verbose    bool
	task       string
	sessionID  string
	maxIter    int
	iterations []*IterationState
	frame      int
	linesDrawn int
	printed    map[int]IterationStatus // last printed status per iteration (non-TTY)
}

// NewProgressDisplay creates a ProgressDisplay writing to stdout.
func NewProgressDisplay(task string, verbose bool) *ProgressDisplay {
	return newProgressDisplay(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())), task, verbose)
}

func newProgressDisplay(out io.Writer, isTTY bool, task string, verbose bool) *ProgressDisplay {
	return &ProgressDisplay{
		out:     out,
		isTTY:   isTTY,
		verbose: verbose,
		task:    task,
		printed: make(map[int]IterationStatus),
	}
}

// Consume renders events until the channel is closed, animating the
// spinner in between on a terminal.
func (p *ProgressDisplay) Consume(events <-chan autopilot.Event) {
	tick := time.NewTicker(spinner.Dot.FPS)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Handle(ev)
		case <-tick.C:
			p.mu.Lock()
			if p.isTTY && p.running() {
				p.frame++
				p.render()
			}
			p.mu.Unlock()
		}
	}
}

// Handle applies one engine event and re-renders.
func (p *ProgressDisplay) Handle(ev autopilot.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case autopilot.EventSessionCreated:
		p.sessionID = ev.SessionID
		p.maxIter = ev.MaxIterations
		verb := "Started"
		if ev.Resumed {
			verb = "Resumed"
		}
		fmt.Fprintf(p.out, "%s session %s\n", verb, ev.SessionID)
		return
	case autopilot.EventIterationStarted:
		if ev.MaxIterations > 0 {
			p.maxIter = ev.MaxIterations
		}
		p.iterations = append(p.iterations, &IterationState{
			Number:  ev.Iteration,
			Status:  StatusRunning,
			Started: time.Now(),
		})
	case autopilot.EventIterationCompleted:
		it := p.find(ev.Iteration)
		if it == nil {
			return
		}
		it.Elapsed = time.Since(it.Started)
		if ev.Result != nil && ev.Result.ExecutionTime > 0 {
			it.Elapsed = ev.Result.ExecutionTime
		}
		it.Status = StatusContinue
		if a := ev.Analysis; a != nil {
			it.Quality = a.QualityScore
			it.Confidence = a.Confidence
			it.Reason = a.ReasonForContinuation
			if a.IsComplete {
				it.Status = StatusCompleted
			}
		}
	case autopilot.EventSessionFailed:
		for _, it := range p.iterations {
			if it.Status == StatusRunning {
				it.Status = StatusFailed
				it.Elapsed = time.Since(it.Started)
				it.Reason = ev.Err
			}
		}
	default:
		return
	}
	p.render()
}

// StreamMessage prints an agent message when verbose output is on.
func (p *ProgressDisplay) StreamMessage(m agent.Message) {
	if !p.verbose {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var line string
	switch m.Kind {
	case agent.KindToolUse:
		line = DimStyle.Render("    → " + m.ToolName)
	case agent.KindError:
		line = ErrorStyle.Render("    ! " + firstLine(m.Content))
	case agent.KindStream:
		line = "    " + firstLine(m.Content)
	default:
		return
	}
	// Printing below the live block would be overwritten; start a new one.
	fmt.Fprintln(p.out, line)
	p.linesDrawn = 0
}

// Finish prints the run summary line.
func (p *ProgressDisplay) Finish(summary *autopilot.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if summary == nil {
		return
	}

	outcome := string(summary.Outcome)
	fmt.Fprintf(p.out, "\n%s after %d iteration(s) in %s  %s\n",
		OutcomeStyle(outcome).Render(outcome),
		summary.Iterations,
		formatDuration(summary.Duration),
		DimStyle.Render("session "+summary.SessionID),
	)
}

func (p *ProgressDisplay) find(n int) *IterationState {
	for _, it := range p.iterations {
		if it.Number == n {
			return it
		}
	}
	return nil
}

func (p *ProgressDisplay) running() bool {
	for _, it := range p.iterations {
		if it.Status == StatusRunning {
			return true
		}
	}
	return false
}

// render draws or redraws the progress display.
func (p *ProgressDisplay) render() {
	if !p.isTTY {
		p.renderPlain()
		return
	}
	p.renderTTY()
}

// renderTTY redraws the block in place using ANSI cursor movement.
func (p *ProgressDisplay) renderTTY() {
	if p.linesDrawn > 0 {
		fmt.Fprintf(p.out, "\033[%dA", p.linesDrawn)
	}

	var buf strings.Builder
	buf.WriteString("\033[2K")
	buf.WriteString(TitleStyle.Render(fmt.Sprintf("Autopilot - %q", truncate(p.task, 60))))
	buf.WriteString("\n")
	for _, it := range p.iterations {
		buf.WriteString("\033[2K")
		buf.WriteString(p.formatLine(it))
		buf.WriteString("\n")
	}

	fmt.Fprint(p.out, buf.String())
	p.linesDrawn = len(p.iterations) + 1
}

// renderPlain writes one line per status transition (for CI/piping).
func (p *ProgressDisplay) renderPlain() {
	for _, it := range p.iterations {
		if prev, seen := p.printed[it.Number]; seen && prev == it.Status {
			continue
		}
		fmt.Fprintln(p.out, p.formatPlain(it))
		p.printed[it.Number] = it.Status
	}
}

func (p *ProgressDisplay) formatLine(it *IterationState) string {
	label := fmt.Sprintf("iteration %d", it.Number)
	if p.maxIter > 0 {
		label = fmt.Sprintf("iteration %d/%d", it.Number, p.maxIter)
	}

	switch it.Status {
	case StatusRunning:
		frame := spinner.Dot.Frames[p.frame%len(spinner.Dot.Frames)]
		return fmt.Sprintf("  %s %s  %s", WarningStyle.Render(frame), label,
			DimStyle.Render("["+formatDuration(time.Since(it.Started))+"]"))
	case StatusCompleted:
		return fmt.Sprintf("  %s %s  %s", IconDone, label,
			DimStyle.Render(fmt.Sprintf("[%s, quality %.2f]", formatDuration(it.Elapsed), it.Quality)))
	case StatusContinue:
		return fmt.Sprintf("  %s %s  %s %s", IconRetry, label,
			DimStyle.Render("["+formatDuration(it.Elapsed)+"]"), WarningStyle.Render(truncate(it.Reason, 60)))
	default:
		return fmt.Sprintf("  %s %s  %s", IconFailed, label, ErrorStyle.Render(truncate(it.Reason, 60)))
	}
}

func (p *ProgressDisplay) formatPlain(it *IterationState) string {
	var status string
	switch it.Status {
	case StatusRunning:
		status = "RUNNING"
	case StatusCompleted:
		status = fmt.Sprintf("COMPLETE [%s, quality %.2f]", formatDuration(it.Elapsed), it.Quality)
	case StatusContinue:
		status = fmt.Sprintf("CONTINUE [%s] %s", formatDuration(it.Elapsed), it.Reason)
	case StatusFailed:
		status = "FAILED " + it.Reason
	}
	if p.maxIter > 0 {
		return fmt.Sprintf("[iteration %d/%d] %s", it.Number, p.maxIter, status)
	}
	return fmt.Sprintf("[iteration %d] %s", it.Number, status)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 100)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh%dm%ds", h, m, s)
}
