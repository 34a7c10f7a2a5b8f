package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/berth-dev/autopilot/internal/pathenc"
)

// StopReasonContinuation marks an assistant reply the autopilot loop will
// follow with another iteration.
const StopReasonContinuation = "continuation_needed"

// nonTerminalStopReasons mark assistant replies that expect a follow-up.
var nonTerminalStopReasons = map[string]bool{
	"tool_use":             true,
	"pause_turn":           true,
	StopReasonContinuation: true,
}

// InferStatus reports completed when the last entry is an assistant reply
// that does not ask for further continuation.
func InferStatus(entries []Entry) Status {
	if len(entries) == 0 {
		return StatusActive
	}
	last := entries[len(entries)-1]
	if last.Type != EntryAssistant {
		return StatusActive
	}
	if last.Message != nil && nonTerminalStopReasons[last.Message.StopReason] {
		return StatusActive
	}
	return StatusCompleted
}

// buildMetadata derives Metadata from a parsed session.
func buildMetadata(projectPath, sessionID string, entries []Entry, modTime time.Time) Metadata {
	m := Metadata{
		ID:           sessionID,
		ProjectPath:  projectPath,
		Status:       InferStatus(entries),
		LastAccessed: modTime,
	}
	for _, e := range entries {
		switch e.Type {
		case EntrySummary:
			if m.Summary == "" {
				m.Summary = e.Summary
			}
		case EntryUser, EntryAssistant:
			m.MessageCount++
			if e.Message != nil {
				m.Tokens.Add(e.Message.Usage)
			}
		}
		if e.Version != "" {
			m.Version = e.Version
		}
		if e.GitBranch != "" {
			m.GitBranch = e.GitBranch
		}
		if !e.Timestamp.IsZero() {
			if m.CreatedAt.IsZero() || e.Timestamp.Before(m.CreatedAt) {
				m.CreatedAt = e.Timestamp
			}
			if e.Timestamp.After(m.UpdatedAt) {
				m.UpdatedAt = e.Timestamp
			}
		}
	}
	return m
}

// GetSessionMetadata derives metadata for one session.
func (s *Store) GetSessionMetadata(projectPath, sessionID string) (*Metadata, error) {
	entries, modTime, err := s.readSession(projectPath, sessionID)
	if err != nil {
		return nil, err
	}
	m := buildMetadata(projectPath, sessionID, entries, modTime)
	return &m, nil
}

// ListSessions returns metadata for every session of a project, newest
// first. Sessions that fail to parse are left out of the listing; use
// ValidateSession or LoadSession to surface their errors.
func (s *Store) ListSessions(projectPath string) ([]Metadata, error) {
	ids, err := s.sessionIDs(projectPath)
	if err != nil {
		return nil, err
	}

	list := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetSessionMetadata(projectPath, id)
		if err != nil {
			var corrupt *CorruptSessionError
			var missing *SessionNotFoundError
			if errors.As(err, &corrupt) || errors.As(err, &missing) {
				continue
			}
			return nil, err
		}
		list = append(list, *m)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastAccessed.After(list[j].LastAccessed)
	})
	return list, nil
}

// GetSessionStats aggregates counts and timestamps across a project.
func (s *Store) GetSessionStats(projectPath string) (*Stats, error) {
	list, err := s.ListSessions(projectPath)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ProjectPath: projectPath, SessionCount: len(list)}
	for _, m := range list {
		stats.MessageCount += m.MessageCount
		stats.Tokens.Merge(m.Tokens)
		switch m.Status {
		case StatusCompleted:
			stats.CompletedCount++
		default:
			stats.ActiveCount++
		}
		if !m.CreatedAt.IsZero() && (stats.Oldest.IsZero() || m.CreatedAt.Before(stats.Oldest)) {
			stats.Oldest = m.CreatedAt
		}
		if m.UpdatedAt.After(stats.Newest) {
			stats.Newest = m.UpdatedAt
		}
	}
	return stats, nil
}

// ListAllProjects discovers every decodable project directory under the
// store root, most recently active first. Directories whose names do not
// decode belong to something else and are skipped.
func (s *Store) ListAllProjects() ([]ProjectInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []ProjectInfo{}, nil
		}
		return nil, fmt.Errorf("reading store root: %w", err)
	}

	projects := []ProjectInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		decoded, decErr := pathenc.Decode(entry.Name())
		if decErr != nil {
			continue
		}

		info := ProjectInfo{
			ProjectPath: pathenc.Native(decoded),
			EncodedName: entry.Name(),
		}
		files, err := os.ReadDir(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading project %s: %w", info.ProjectPath, err)
		}
		for _, f := range files {
			if !isSessionFile(f) {
				continue
			}
			info.SessionCount++
			if fi, err := f.Info(); err == nil && fi.ModTime().After(info.LastActivity) {
				info.LastActivity = fi.ModTime()
			}
		}
		projects = append(projects, info)
	}

	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].LastActivity.After(projects[j].LastActivity)
	})
	return projects, nil
}

// sessionIDs lists the ids of all session files of a project. A project
// with no directory yet has no sessions.
func (s *Store) sessionIDs(projectPath string) ([]string, error) {
	_, dir, err := s.projectDir(projectPath)
	if err != nil {
		return nil, err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("reading project directory: %w", err)
	}

	ids := []string{}
	for _, f := range files {
		if isSessionFile(f) {
			ids = append(ids, strings.TrimSuffix(f.Name(), sessionExt))
		}
	}
	return ids, nil
}

func isSessionFile(f os.DirEntry) bool {
	name := f.Name()
	return !f.IsDir() && strings.HasSuffix(name, sessionExt) && !strings.HasPrefix(name, ".")
}
