package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/berth-dev/autopilot/internal/session"
)

// SessionsLoadMsg carries the result of listing sessions.
type SessionsLoadMsg struct {
	Sessions []session.Metadata
	Err      error
}

// EntriesLoadMsg carries the entries of one session.
type EntriesLoadMsg struct {
	SessionID string
	Entries   []session.Entry
	Err       error
}

// SessionDeletedMsg reports the outcome of a delete.
type SessionDeletedMsg struct {
	SessionID string
	Err       error
}

// Source is the part of session.Store the browser reads and deletes through.
type Source interface {
	ListSessions(projectPath string) ([]session.Metadata, error)
	LoadSession(projectPath, sessionID string) ([]session.Entry, error)
	DeleteSession(projectPath, sessionID string) error
}

func loadSessionsCmd(src Source, project string) tea.Cmd {
	return func() tea.Msg {
		list, err := src.ListSessions(project)
		return SessionsLoadMsg{Sessions: list, Err: err}
	}
}

func loadEntriesCmd(src Source, project, id string) tea.Cmd {
	return func() tea.Msg {
		entries, err := src.LoadSession(project, id)
		return EntriesLoadMsg{SessionID: id, Entries: entries, Err: err}
	}
}

func deleteSessionCmd(src Source, project, id string) tea.Cmd {
	return func() tea.Msg {
		return SessionDeletedMsg{SessionID: id, Err: src.DeleteSession(project, id)}
	}
}
