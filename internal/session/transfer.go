package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// exportFormatVersion is bumped when the Export layout changes.
const exportFormatVersion = 1

// Export is a portable snapshot of one session. Entries hold the original
// log lines as strings so whitespace and key order survive the round trip.
type Export struct {
	FormatVersion int       `json:"formatVersion"`
	SessionID     string    `json:"sessionId"`
	ProjectPath   string    `json:"projectPath"`
	ExportedAt    time.Time `json:"exportedAt"`
	Metadata      Metadata  `json:"metadata"`
	Entries       []string  `json:"entries"`
}

// ExportSession snapshots a session with its metadata.
func (s *Store) ExportSession(projectPath, sessionID string) (*Export, error) {
	data, err := s.readRaw(projectPath, sessionID)
	if err != nil {
		return nil, err
	}
	entries, raws, err := parseEntries(sessionID, data)
	if err != nil {
		return nil, err
	}
	abs, path, err := s.sessionPath(projectPath, sessionID)
	if err != nil {
		return nil, err
	}
	var modTime time.Time
	if fi, statErr := os.Stat(path); statErr == nil {
		modTime = fi.ModTime()
	}

	exp := &Export{
		FormatVersion: exportFormatVersion,
		SessionID:     sessionID,
		ProjectPath:   abs,
		ExportedAt:    time.Now().UTC(),
		Metadata:      buildMetadata(abs, sessionID, entries, modTime),
		Entries:       make([]string, 0, len(raws)),
	}
	for _, raw := range raws {
		exp.Entries = append(exp.Entries, string(raw))
	}
	return exp, nil
}

// WriteExport encodes exp as indented JSON.
func WriteExport(w io.Writer, exp *Export) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(exp); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return nil
}

// ReadExport decodes an export payload.
func ReadExport(r io.Reader) (*Export, error) {
	var exp Export
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}
	if exp.SessionID == "" {
		return nil, errors.New("export has no session id")
	}
	return &exp, nil
}

// ImportSession restores an exported session under its original id. When
// projectPath is empty the export's own project path is used. The chain is
// validated before anything is written, and an existing session with the
// same id is never overwritten. Lines are written back unchanged.
func (s *Store) ImportSession(exp *Export, projectPath string) (string, error) {
	if exp == nil {
		return "", errors.New("nil export")
	}
	if projectPath == "" {
		projectPath = exp.ProjectPath
	}
	_, path, err := s.sessionPath(projectPath, exp.SessionID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	entries := make([]Entry, 0, len(exp.Entries))
	for i, line := range exp.Entries {
		if strings.ContainsRune(line, '\n') {
			return "", &CorruptSessionError{SessionID: exp.SessionID, Line: i + 1, Err: errors.New("entry spans multiple lines")}
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return "", &CorruptSessionError{SessionID: exp.SessionID, Line: i + 1, Err: err}
		}
		entries = append(entries, e)
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if problems := checkChain(entries); len(problems) > 0 {
		return "", fmt.Errorf("import %s: invalid chain: %s", exp.SessionID, problems[0])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", &DirectoryError{Path: projectPath, Err: err}
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("import %s: %w", exp.SessionID, ErrSessionExists)
	}
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return "", fmt.Errorf("importing session %s: %w", exp.SessionID, err)
	}
	return exp.SessionID, nil
}
