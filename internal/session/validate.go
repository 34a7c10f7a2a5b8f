package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValidateSession checks chain integrity: the first entry is the root
// summary with no parent, every other parentUuid resolves to an earlier
// entry, and identifiers are unique. Unparsable lines are reported as
// errors rather than returned as a CorruptSessionError.
func (s *Store) ValidateSession(projectPath, sessionID string) (*ValidationResult, error) {
	data, err := s.readRaw(projectPath, sessionID)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{Errors: []string{}}
	var entries []Entry
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: unparsable entry: %v", i+1, err))
			continue
		}
		entries = append(entries, e)
	}

	result.Errors = append(result.Errors, checkChain(entries)...)
	for _, e := range entries {
		if e.Type == EntryUser || e.Type == EntryAssistant {
			result.MessageCount++
		}
	}
	result.Valid = len(result.Errors) == 0
	return result, nil
}

// checkChain returns one message per integrity violation.
func checkChain(entries []Entry) []string {
	var problems []string
	if len(entries) == 0 {
		return []string{"session has no entries"}
	}

	first := entries[0]
	if first.Type != EntrySummary {
		problems = append(problems, fmt.Sprintf("first entry is %q, want %q", first.Type, EntrySummary))
	}
	if first.ParentUUID != nil {
		problems = append(problems, fmt.Sprintf("root entry %s has parentUuid %s", first.UUID, *first.ParentUUID))
	}

	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.UUID == "" {
			problems = append(problems, fmt.Sprintf("entry %d has no uuid", i+1))
		} else if seen[e.UUID] {
			problems = append(problems, fmt.Sprintf("entry %d reuses uuid %s", i+1, e.UUID))
		}
		if i > 0 {
			switch {
			case e.ParentUUID == nil:
				problems = append(problems, fmt.Sprintf("entry %d (%s) has no parentUuid", i+1, e.UUID))
			case !seen[*e.ParentUUID]:
				problems = append(problems, fmt.Sprintf("entry %d (%s) references unknown parent %s", i+1, e.UUID, *e.ParentUUID))
			}
		}
		if e.UUID != "" {
			seen[e.UUID] = true
		}
	}
	return problems
}
