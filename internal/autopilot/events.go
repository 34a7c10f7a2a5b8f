package autopilot

import (
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
	"github.com/berth-dev/autopilot/internal/analyze"
)

// EventType names an observable step of a run.
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventIterationStarted   EventType = "iteration_started"
	EventIterationCompleted EventType = "iteration_completed"
	EventSessionCompleted   EventType = "session_completed"
	EventSessionFailed      EventType = "session_failed"
)

// Event is published to subscribers as the run progresses. Result and
// Analysis are set only on iteration_completed.
type Event struct {
	Type          EventType
	Time          time.Time
	SessionID     string
	ProjectPath   string
	Task          string
	Resumed       bool
	Iteration     int
	MaxIterations int
	Result        *agent.IterationResult
	Analysis      *analyze.Analysis
	Outcome       Outcome
	Err           string
}

// subscriberSendTimeout bounds how long a slow subscriber can hold up the
// loop before the event is dropped for it.
const subscriberSendTimeout = 100 * time.Millisecond

// Subscribe returns a channel receiving every event published after the
// call, and a function that detaches and closes it. Events are dropped for
// a subscriber whose buffer stays full past a short timeout.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()

	var once bool
	return ch, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if once {
			return
		}
		once = true
		delete(e.subs, ch)
		close(ch)
	}
}

func (e *Engine) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		case <-time.After(subscriberSendTimeout):
		}
	}
}
