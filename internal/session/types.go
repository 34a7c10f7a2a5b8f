// Package session provides the append-only, file-backed session log.
//
// Each project owns one directory under the store root, named by
// pathenc.Encode of the project's absolute path. Each session is a single
// newline-delimited JSON file named <sessionId>.jsonl whose entries form a
// singly-linked chain through parentUuid.
package session

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// EntryType is the kind of a session log entry.
type EntryType string

const (
	EntrySummary   EntryType = "summary"
	EntryUser      EntryType = "user"
	EntryAssistant EntryType = "assistant"
)

// Status is the inferred lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// DefaultVersion is written into entries when no version is supplied.
const DefaultVersion = "1.0.0"

// DefaultUserType matches the agent tool's value for entries it did not
// originate internally.
const DefaultUserType = "external"

// Entry is one line of a session log.
type Entry struct {
	Type        EntryType `json:"type"`
	UUID        string    `json:"uuid"`
	ParentUUID  *string   `json:"parentUuid"`
	IsSidechain bool      `json:"isSidechain"`
	UserType    string    `json:"userType"`
	CWD         string    `json:"cwd"`
	SessionID   string    `json:"sessionId"`
	Version     string    `json:"version"`
	GitBranch   string    `json:"gitBranch,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Summary     string    `json:"summary,omitempty"`
	Message     *Message  `json:"message,omitempty"`
}

// Text returns the summary text for summary entries and the message text
// for everything else.
func (e Entry) Text() string {
	if e.Type == EntrySummary {
		return e.Summary
	}
	if e.Message == nil {
		return ""
	}
	return e.Message.Content.Text()
}

// Message is the role/content payload of user and assistant entries.
type Message struct {
	Role       string  `json:"role"`
	Model      string  `json:"model,omitempty"`
	Content    Content `json:"content"`
	StopReason string  `json:"stop_reason,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// Usage holds token counters reported for an assistant reply.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContentBlock is one element of a structured message body.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Result    json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Content is a message body. On disk it is either a plain string or an
// array of typed blocks; both decode into Content.
type Content []ContentBlock

// TextContent wraps s as a single text block.
func TextContent(s string) Content {
	return Content{{Type: "text", Text: s}}
}

// Text concatenates all text blocks.
func (c Content) Text() string {
	var parts []string
	for _, b := range c {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// MarshalJSON writes a lone text block as a plain string.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte(`""`), nil
	}
	if len(c) == 1 && c[0].Type == "text" {
		return json.Marshal(c[0].Text)
	}
	return json.Marshal([]ContentBlock(c))
}

// UnmarshalJSON accepts either a string or an array of blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s == "" {
			*c = nil
			return nil
		}
		*c = TextContent(s)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// UserMessage builds a user entry carrying text. Chain fields are filled in
// by the Store on append.
func UserMessage(text string) Entry {
	return Entry{
		Type:    EntryUser,
		Message: &Message{Role: "user", Content: TextContent(text)},
	}
}

// AssistantMessage builds an assistant entry. usage may be nil.
func AssistantMessage(text, model, stopReason string, usage *Usage) Entry {
	return Entry{
		Type: EntryAssistant,
		Message: &Message{
			Role:       "assistant",
			Model:      model,
			Content:    TextContent(text),
			StopReason: stopReason,
			Usage:      usage,
		},
	}
}

// TokenCounts aggregates usage across entries.
type TokenCounts struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheCreation int `json:"cacheCreation"`
	CacheRead     int `json:"cacheRead"`
}

// Add accumulates u into t.
func (t *TokenCounts) Add(u *Usage) {
	if u == nil {
		return
	}
	t.Input += u.InputTokens
	t.Output += u.OutputTokens
	t.CacheCreation += u.CacheCreationInputTokens
	t.CacheRead += u.CacheReadInputTokens
}

// Merge accumulates o into t.
func (t *TokenCounts) Merge(o TokenCounts) {
	t.Input += o.Input
	t.Output += o.Output
	t.CacheCreation += o.CacheCreation
	t.CacheRead += o.CacheRead
}

// Total is the sum of all counters.
func (t TokenCounts) Total() int {
	return t.Input + t.Output + t.CacheCreation + t.CacheRead
}

// Metadata is derived from a session file on every read.
type Metadata struct {
	ID           string      `json:"id"`
	ProjectPath  string      `json:"projectPath"`
	Summary      string      `json:"summary"`
	MessageCount int         `json:"messageCount"`
	Tokens       TokenCounts `json:"tokens"`
	Status       Status      `json:"status"`
	Version      string      `json:"version"`
	GitBranch    string      `json:"gitBranch,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	LastAccessed time.Time   `json:"lastAccessed"`
}

// Stats aggregates metadata across every session of a project.
type Stats struct {
	ProjectPath    string      `json:"projectPath"`
	SessionCount   int         `json:"sessionCount"`
	ActiveCount    int         `json:"activeCount"`
	CompletedCount int         `json:"completedCount"`
	MessageCount   int         `json:"messageCount"`
	Tokens         TokenCounts `json:"tokens"`
	Oldest         time.Time   `json:"oldest"`
	Newest         time.Time   `json:"newest"`
}

// ProjectInfo describes one decodable project directory.
type ProjectInfo struct {
	ProjectPath  string    `json:"projectPath"`
	EncodedName  string    `json:"encodedName"`
	SessionCount int       `json:"sessionCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// ValidationResult reports chain integrity for one session.
type ValidationResult struct {
	Valid        bool     `json:"valid"`
	Errors       []string `json:"errors"`
	MessageCount int      `json:"messageCount"`
}
