// stream.go parses the agent CLI's --output-format stream-json output.
package executor

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/berth-dev/autopilot/internal/agent"
)

// streamEvent is one line of stream-json output. Only the fields the
// autopilot needs are decoded.
type streamEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	Model     string         `json:"model"`
	Message   *streamMessage `json:"message"`

	// result events
	Result       string       `json:"result"`
	IsError      bool         `json:"is_error"`
	TotalCostUSD float64      `json:"total_cost_usd"`
	CostUSD      float64      `json:"cost_usd"`
	Usage        *agent.Usage `json:"usage"`
}

type streamMessage struct {
	Model      string          `json:"model"`
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *agent.Usage    `json:"usage"`
}

type streamBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// streamParser accumulates stream-json lines into an IterationResult.
// It is an io.Writer so it can sit directly on a command's stdout.
type streamParser struct {
	mu      sync.Mutex
	pending []byte
	raw     bytes.Buffer

	events     int
	texts      []string
	messages   []agent.Message
	sessionID  string
	model      string
	stopReason string
	result     string
	haveResult bool
	isError    bool
	cost       float64
	usage      *agent.Usage
	turnUsage  agent.Usage

	onMessage func(agent.Message)
}

func newStreamParser(onMessage func(agent.Message)) *streamParser {
	return &streamParser{onMessage: onMessage}
}

// Write feeds complete lines to the parser and keeps any partial tail.
func (p *streamParser) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.raw.Write(b)
	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		p.feed(p.pending[:i])
		p.pending = p.pending[i+1:]
	}
	return len(b), nil
}

// flush parses a trailing line without a newline.
func (p *streamParser) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		p.feed(p.pending)
		p.pending = nil
	}
}

func (p *streamParser) feed(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return
	}
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.Type == "" {
		return
	}
	p.events++
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "system":
		if ev.Model != "" {
			p.model = ev.Model
		}
		if ev.Subtype != "" && ev.Subtype != "init" {
			p.emit(agent.Message{Kind: agent.KindStatus, Content: ev.Subtype})
		}
	case "assistant":
		p.assistant(ev.Message)
	case "user":
		p.toolResults(ev.Message)
	case "result":
		p.haveResult = true
		p.result = ev.Result
		p.isError = ev.IsError || strings.HasPrefix(ev.Subtype, "error")
		p.cost = ev.TotalCostUSD
		if p.cost == 0 {
			p.cost = ev.CostUSD
		}
		if ev.Usage != nil {
			p.usage = ev.Usage
		}
		if p.isError {
			content := ev.Result
			if content == "" {
				content = ev.Subtype
			}
			p.emit(agent.Message{Kind: agent.KindError, Content: content})
		}
	}
}

func (p *streamParser) assistant(m *streamMessage) {
	if m == nil {
		return
	}
	if m.Model != "" {
		p.model = m.Model
	}
	if m.StopReason != "" {
		p.stopReason = m.StopReason
	}
	if m.Usage != nil {
		p.turnUsage.InputTokens += m.Usage.InputTokens
		p.turnUsage.OutputTokens += m.Usage.OutputTokens
		p.turnUsage.CacheCreationInputTokens += m.Usage.CacheCreationInputTokens
		p.turnUsage.CacheReadInputTokens += m.Usage.CacheReadInputTokens
	}

	for _, b := range decodeBlocks(m.Content) {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			p.texts = append(p.texts, b.Text)
			p.emit(agent.Message{Kind: agent.KindStream, Content: b.Text})
		case "tool_use":
			p.stopReason = "tool_use"
			p.emit(agent.Message{Kind: agent.KindToolUse, ToolName: b.Name, ToolUseID: b.ID, Content: string(b.Input)})
		}
	}
}

func (p *streamParser) toolResults(m *streamMessage) {
	if m == nil {
		return
	}
	for _, b := range decodeBlocks(m.Content) {
		if b.Type != "tool_result" {
			continue
		}
		p.emit(agent.Message{Kind: agent.KindToolResult, ToolUseID: b.ToolUseID, Content: blockText(b.Content)})
		if b.IsError {
			p.emit(agent.Message{Kind: agent.KindError, ToolUseID: b.ToolUseID, Content: blockText(b.Content)})
		}
	}
	// A tool result means the turn continues past the tool call.
	if p.stopReason == "tool_use" {
		p.stopReason = ""
	}
}

func (p *streamParser) emit(m agent.Message) {
	m.Timestamp = time.Now().UTC()
	p.messages = append(p.messages, m)
	if p.onMessage != nil {
		p.onMessage(m)
	}
}

// parsed reports whether any stream event was recognized.
func (p *streamParser) parsed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events > 0
}

// rawOutput returns everything written to the parser.
func (p *streamParser) rawOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw.String()
}

// fill copies the accumulated state into r.
func (p *streamParser) fill(r *agent.IterationResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r.Output = p.result
	if !p.haveResult || strings.TrimSpace(r.Output) == "" {
		r.Output = strings.Join(p.texts, "\n\n")
	}
	r.SessionID = p.sessionID
	r.Model = p.model
	r.StopReason = p.stopReason
	r.Messages = append(r.Messages, p.messages...)
	r.HasError = r.HasError || p.isError
	r.CostUSD = p.cost
	switch {
	case p.usage != nil:
		u := *p.usage
		r.Usage = &u
	case p.turnUsage != (agent.Usage{}):
		u := p.turnUsage
		r.Usage = &u
	}
}

// decodeBlocks accepts either a block array or a bare string.
func decodeBlocks(raw json.RawMessage) []streamBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []streamBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []streamBlock{{Type: "text", Text: s}}
	}
	return nil
}

// blockText flattens a tool_result content field to text.
func blockText(raw json.RawMessage) string {
	var parts []string
	for _, b := range decodeBlocks(raw) {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
