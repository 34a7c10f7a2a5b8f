package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berth-dev/autopilot/internal/pathenc"
)

// sessionExt is the file extension of session logs.
const sessionExt = ".jsonl"

// defaultSummary is used when a session is created without a message.
const defaultSummary = "New autopilot session"

// Store provides file-backed persistence for sessions.
// Writers are serialized per session file; reads take a shared lock on the
// same file only, so unrelated sessions never contend.
type Store struct {
	root    string
	version string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// CreateOptions holds the optional inputs of CreateSession.
type CreateOptions struct {
	InitialMessage string
	Version        string
	GitBranch      string
}

// DefaultRoot returns ~/.autopilot/projects.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".autopilot", "projects"), nil
}

// NewStore opens (creating if needed) a store rooted at root.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, &DirectoryError{Path: root, Err: errors.New("empty store root")}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &DirectoryError{Path: root, Err: err}
	}
	return &Store{
		root:    root,
		version: DefaultVersion,
		locks:   make(map[string]*sync.RWMutex),
	}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// SetVersion sets the version written into new entries.
func (s *Store) SetVersion(v string) {
	if v != "" {
		s.version = v
	}
}

// CreateSession allocates a new session for projectPath, writes its summary
// entry and, when an initial message is given, a user entry chained to it.
func (s *Store) CreateSession(projectPath string, opts CreateOptions) (string, error) {
	abs, dir, err := s.projectDir(projectPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &DirectoryError{Path: projectPath, Err: err}
	}

	id := uuid.NewString()
	path := filepath.Join(dir, id+sessionExt)

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("session %s: %w", id, ErrSessionExists)
	}

	version := opts.Version
	if version == "" {
		version = s.version
	}
	summaryText := opts.InitialMessage
	if summaryText == "" {
		summaryText = defaultSummary
	}

	now := time.Now().UTC()
	summary := Entry{
		Type:      EntrySummary,
		UUID:      uuid.NewString(),
		UserType:  DefaultUserType,
		CWD:       abs,
		SessionID: id,
		Version:   version,
		GitBranch: opts.GitBranch,
		Timestamp: now,
		Summary:   summaryText,
	}
	entries := []Entry{summary}

	if opts.InitialMessage != "" {
		user := UserMessage(opts.InitialMessage)
		parent := summary.UUID
		user.UUID = uuid.NewString()
		user.ParentUUID = &parent
		user.UserType = DefaultUserType
		user.CWD = abs
		user.SessionID = id
		user.Version = version
		user.GitBranch = opts.GitBranch
		user.Timestamp = now
		entries = append(entries, user)
	}

	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("marshal entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return "", fmt.Errorf("writing session %s: %w", id, err)
	}
	return id, nil
}

// AppendMessage chains entry onto the tail of an existing session and
// returns the entry as written. Missing sessions are never created.
func (s *Store) AppendMessage(projectPath, sessionID string, entry Entry) (Entry, error) {
	abs, path, err := s.sessionPath(projectPath, sessionID)
	if err != nil {
		return Entry{}, err
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, &SessionNotFoundError{ProjectPath: projectPath, SessionID: sessionID}
		}
		return Entry{}, fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	existing, _, err := parseEntries(sessionID, data)
	if err != nil {
		return Entry{}, err
	}
	if len(existing) == 0 {
		return Entry{}, &CorruptSessionError{SessionID: sessionID, Line: 1, Err: errors.New("session has no entries")}
	}
	tail := existing[len(existing)-1]

	parent := tail.UUID
	entry.UUID = uuid.NewString()
	entry.ParentUUID = &parent
	entry.SessionID = sessionID
	if entry.UserType == "" {
		entry.UserType = DefaultUserType
	}
	if entry.CWD == "" {
		entry.CWD = abs
	}
	if entry.Version == "" {
		entry.Version = tail.Version
	}
	if entry.Version == "" {
		entry.Version = s.version
	}
	if entry.GitBranch == "" {
		entry.GitBranch = tail.GitBranch
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	data = append(data, line...)
	data = append(data, '\n')

	if err := writeAtomic(path, data); err != nil {
		return Entry{}, fmt.Errorf("appending to session %s: %w", sessionID, err)
	}
	return entry, nil
}

// ResumeSession appends a user entry whose parent is the current tail.
func (s *Store) ResumeSession(projectPath, sessionID, newMessage string) (Entry, error) {
	return s.AppendMessage(projectPath, sessionID, UserMessage(newMessage))
}

// LoadSession returns every entry of a session in append order.
func (s *Store) LoadSession(projectPath, sessionID string) ([]Entry, error) {
	entries, _, err := s.readSession(projectPath, sessionID)
	return entries, err
}

// DeleteSession removes a session file.
func (s *Store) DeleteSession(projectPath, sessionID string) error {
	_, path, err := s.sessionPath(projectPath, sessionID)
	if err != nil {
		return err
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &SessionNotFoundError{ProjectPath: projectPath, SessionID: sessionID}
		}
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// readSession reads and parses a session under its shared lock, returning
// the entries and the file's modification time.
func (s *Store) readSession(projectPath, sessionID string) ([]Entry, time.Time, error) {
	_, path, err := s.sessionPath(projectPath, sessionID)
	if err != nil {
		return nil, time.Time{}, err
	}

	lock := s.lockFor(path)
	lock.RLock()
	defer lock.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, &SessionNotFoundError{ProjectPath: projectPath, SessionID: sessionID}
		}
		return nil, time.Time{}, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat session %s: %w", sessionID, err)
	}

	entries, _, err := parseEntries(sessionID, data)
	if err != nil {
		return nil, time.Time{}, err
	}
	return entries, info.ModTime(), nil
}

// readRaw returns the raw bytes of a session under its shared lock.
func (s *Store) readRaw(projectPath, sessionID string) ([]byte, error) {
	_, path, err := s.sessionPath(projectPath, sessionID)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(path)
	lock.RLock()
	defer lock.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &SessionNotFoundError{ProjectPath: projectPath, SessionID: sessionID}
		}
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	return data, nil
}

// projectDir resolves projectPath to an absolute host path and the
// directory holding its sessions.
func (s *Store) projectDir(projectPath string) (string, string, error) {
	if strings.TrimSpace(projectPath) == "" {
		return "", "", &DirectoryError{Path: projectPath, Err: errors.New("empty project path")}
	}
	abs, err := filepath.Abs(pathenc.Native(projectPath))
	if err != nil {
		return "", "", &DirectoryError{Path: projectPath, Err: err}
	}
	return abs, filepath.Join(s.root, pathenc.Encode(abs)), nil
}

// sessionPath resolves the log file for a session id.
func (s *Store) sessionPath(projectPath, sessionID string) (string, string, error) {
	abs, dir, err := s.projectDir(projectPath)
	if err != nil {
		return "", "", err
	}
	if !validSessionID(sessionID) {
		return "", "", &SessionNotFoundError{ProjectPath: projectPath, SessionID: sessionID}
	}
	return abs, filepath.Join(dir, sessionID+sessionExt), nil
}

// lockFor returns the lock guarding one session file.
func (s *Store) lockFor(path string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[path] = l
	}
	return l
}

func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, ".")
}

// parseEntries decodes every non-empty line of data. The raw lines are
// returned alongside so callers can reproduce the file byte for byte.
func parseEntries(sessionID string, data []byte) ([]Entry, [][]byte, error) {
	var entries []Entry
	var raws [][]byte
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, nil, &CorruptSessionError{SessionID: sessionID, Line: i + 1, Err: err}
		}
		entries = append(entries, e)
		raws = append(raws, line)
	}
	return entries, raws, nil
}

// writeAtomic replaces path with data through a temp file in the same
// directory followed by a rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
