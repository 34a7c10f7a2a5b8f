// Package prompts embeds the prompt templates sent to the agent.
package prompts

import _ "embed"

//go:embed autopilot/system.md
var SystemPrompt string

//go:embed autopilot/task.md.tmpl
var TaskTemplate string

//go:embed autopilot/continuation.md.tmpl
var ContinuationTemplate string

//go:embed autopilot/review.md.tmpl
var ReviewTemplate string
