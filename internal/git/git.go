// Package git wraps the few Git queries autopilot needs.
package git

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	ErrGitNotFound = errors.New("git not found in PATH")
	ErrNotARepo    = errors.New("not a git repository")
)

// ensureGit checks that git is available in PATH.
func ensureGit() error {
	_, err := exec.LookPath("git")
	if err != nil {
		return ErrGitNotFound
	}
	return nil
}

// CurrentBranch returns the name of the branch checked out in dir.
// Shells out to: git rev-parse --abbrev-ref HEAD
func CurrentBranch(dir string) (string, error) {
	if err := ensureGit(); err != nil {
		return "", err
	}
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD: %w", ErrNotARepo)
	}
	return strings.TrimSpace(string(out)), nil
}

// ChangedFiles lists paths with uncommitted changes in dir.
// Shells out to: git status --porcelain
func ChangedFiles(dir string) ([]string, error) {
	if err := ensureGit(); err != nil {
		return nil, err
	}
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git status --porcelain: %w", ErrNotARepo)
	}

	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}
