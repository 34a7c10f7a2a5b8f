// Package log provides structured event logging.
// This file appends JSON events to .autopilot/log.jsonl.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/berth-dev/autopilot/internal/autopilot"
)

// Event type constants.
const (
	EventSessionCreated     = string(autopilot.EventSessionCreated)
	EventIterationStarted   = string(autopilot.EventIterationStarted)
	EventIterationCompleted = string(autopilot.EventIterationCompleted)
	EventSessionCompleted   = string(autopilot.EventSessionCompleted)
	EventSessionFailed      = string(autopilot.EventSessionFailed)
)

// LogEvent represents a single structured event written to the log.
type LogEvent struct {
	Time          time.Time              `json:"time"`
	Event         string                 `json:"event"`
	SessionID     string                 `json:"session,omitempty"`
	Project       string                 `json:"project,omitempty"`
	Task          string                 `json:"task,omitempty"`
	Iteration     int                    `json:"iteration,omitempty"`
	MaxIterations int                    `json:"max_iterations,omitempty"`
	ExitCode      int                    `json:"exit_code,omitempty"`
	HasError      bool                   `json:"has_error,omitempty"`
	IsComplete    bool                   `json:"is_complete,omitempty"`
	Confidence    float64                `json:"confidence,omitempty"`
	Quality       float64                `json:"quality,omitempty"`
	Patterns      []string               `json:"patterns,omitempty"`
	Outcome       string                 `json:"outcome,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Error         string                 `json:"error,omitempty"`
	DurationMs    int64                  `json:"duration_ms,omitempty"`
	CostUSD       float64                `json:"cost_usd,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// FromEvent converts an engine event into a log line.
func FromEvent(ev autopilot.Event) LogEvent {
	le := LogEvent{
		Time:          ev.Time,
		Event:         string(ev.Type),
		SessionID:     ev.SessionID,
		Project:       ev.ProjectPath,
		Task:          ev.Task,
		Iteration:     ev.Iteration,
		MaxIterations: ev.MaxIterations,
		Outcome:       string(ev.Outcome),
		Error:         ev.Err,
	}
	if ev.Resumed {
		le.Data = map[string]interface{}{"resumed": true}
	}
	if r := ev.Result; r != nil {
		le.ExitCode = r.ExitCode
		le.HasError = r.HasError
		le.DurationMs = r.ExecutionTime.Milliseconds()
		le.CostUSD = r.CostUSD
	}
	if a := ev.Analysis; a != nil {
		le.IsComplete = a.IsComplete
		le.Confidence = a.Confidence
		le.Quality = a.QualityScore
		le.Reason = a.ReasonForContinuation
		for _, p := range a.Patterns {
			le.Patterns = append(le.Patterns, string(p.Type))
		}
	}
	return le
}

// Logger writes append-only JSONL events to a log file.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates a Logger that writes to .autopilot/log.jsonl inside dir.
// Creates the .autopilot/ directory if it does not already exist.
// Does not truncate an existing log file.
func NewLogger(dir string) (*Logger, error) {
	logDir := filepath.Join(dir, ".autopilot")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create .autopilot directory: %w", err)
	}

	return &Logger{
		path: filepath.Join(logDir, "log.jsonl"),
	}, nil
}

// Path returns the log file location.
func (l *Logger) Path() string {
	return l.path
}

// Append writes a single LogEvent as one JSON line to the log file.
// If event.Time is the zero value, it is automatically set to time.Now().UTC().
// The file is opened in append mode, written to, and then closed.
// Thread-safe via mutex.
func (l *Logger) Append(event LogEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}

	return nil
}

// Consume appends every event from the channel until it is closed.
// Failures are reported to warn as they happen and do not stop the loop.
func (l *Logger) Consume(events <-chan autopilot.Event, warn io.Writer) {
	for ev := range events {
		if err := l.Append(FromEvent(ev)); err != nil && warn != nil {
			fmt.Fprintf(warn, "Warning: failed to log %s: %v\n", ev.Type, err)
		}
	}
}

// ReadAll reads and parses all events from the log file.
// Returns an empty slice (not an error) if the file does not exist.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEvent{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	return events, nil
}
