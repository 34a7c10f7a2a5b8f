package session

import (
	"errors"
	"fmt"
)

// ErrSessionExists is returned by ImportSession when the target file is
// already present.
var ErrSessionExists = errors.New("session already exists")

// SessionNotFoundError is returned for operations against an unknown id.
type SessionNotFoundError struct {
	ProjectPath string
	SessionID   string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found in project %s", e.SessionID, e.ProjectPath)
}

// CorruptSessionError is returned when a log line cannot be parsed. Line is
// 1-based.
type CorruptSessionError struct {
	SessionID string
	Line      int
	Err       error
}

func (e *CorruptSessionError) Error() string {
	return fmt.Sprintf("session %s: corrupt entry at line %d: %v", e.SessionID, e.Line, e.Err)
}

func (e *CorruptSessionError) Unwrap() error { return e.Err }

// DirectoryError is returned when a project path or the store root cannot be
// resolved or created.
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("project directory %q: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }
