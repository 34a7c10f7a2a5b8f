package session

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// KeepRecentSessions deletes completed sessions beyond the keep most
// recently accessed ones. Active sessions are never removed and do not
// count against keep. With dryRun nothing is removed. Returns the
// affected ids.
func (s *Store) KeepRecentSessions(projectPath string, keep int, dryRun bool) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	list, err := s.ListSessions(projectPath)
	if err != nil {
		return nil, err
	}

	var completed []string
	for _, m := range list {
		if m.Status == StatusCompleted {
			completed = append(completed, m.ID)
		}
	}
	pruned := []string{}
	if len(completed) <= keep {
		return pruned, nil
	}

	for _, id := range completed[keep:] {
		removed, err := s.pruneIf(projectPath, id, dryRun, func(os.FileInfo) bool { return true })
		if err != nil {
			return pruned, err
		}
		if removed {
			pruned = append(pruned, id)
		}
	}
	return pruned, nil
}

// CleanupOldSessions deletes sessions whose file is older than maxAgeDays
// and whose inferred status is completed. Sessions still waiting on an
// assistant reply are kept regardless of age, as are sessions that fail
// to parse. With dryRun nothing is removed. Returns the affected ids.
func (s *Store) CleanupOldSessions(projectPath string, maxAgeDays int, dryRun bool) ([]string, error) {
	if maxAgeDays <= 0 {
		return nil, fmt.Errorf("max age must be positive, got %d days", maxAgeDays)
	}
	ids, err := s.sessionIDs(projectPath)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	pruned := []string{}

	for _, id := range ids {
		removed, err := s.pruneIf(projectPath, id, dryRun, func(info os.FileInfo) bool {
			return info.ModTime().Before(cutoff)
		})
		if err != nil {
			return pruned, err
		}
		if removed {
			pruned = append(pruned, id)
		}
	}
	return pruned, nil
}

// pruneIf removes one completed session matching eligible under its write
// lock so an append cannot slip in between the status check and the delete.
func (s *Store) pruneIf(projectPath, sessionID string, dryRun bool, eligible func(os.FileInfo) bool) (bool, error) {
	_, path, err := s.sessionPath(projectPath, sessionID)
	if err != nil {
		return false, err
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat session %s: %w", sessionID, err)
	}
	if !eligible(info) {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	entries, _, err := parseEntries(sessionID, data)
	if err != nil {
		return false, nil
	}
	if InferStatus(entries) != StatusCompleted {
		return false, nil
	}

	if !dryRun {
		if err := os.Remove(path); err != nil {
			return false, fmt.Errorf("removing session %s: %w", sessionID, err)
		}
	}
	return true, nil
}
