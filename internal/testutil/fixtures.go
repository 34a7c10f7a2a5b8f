// Package testutil provides test helper utilities for autopilot tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
)

// TempProject creates a temporary directory with the given files and returns its path.
// Files is a map of relative path -> content. Directories are created as needed.
// The directory is automatically cleaned up when the test finishes.
func TempProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	for relPath, content := range files {
		absPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", relPath, err)
		}
	}

	return dir
}

// FakeAgent writes an executable shell script standing in for the agent CLI
// and returns its path. body runs under /bin/sh with the CLI arguments in
// "$@". Tests calling it are skipped on Windows.
func FakeAgent(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts need /bin/sh")
	}

	path := filepath.Join(t.TempDir(), "fake-claude")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing fake agent: %v", err)
	}
	return path
}

// StreamLines renders events as newline-delimited JSON, the agent's
// stream-json output format.
func StreamLines(t *testing.T, events ...map[string]any) string {
	t.Helper()
	var b strings.Builder
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal stream event: %v", err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String()
}

// HeredocScript returns a script body printing out verbatim and exiting
// with code.
func HeredocScript(out string, code int) string {
	return "cat <<'AUTOPILOT_EOF'\n" + strings.TrimSuffix(out, "\n") + "\nAUTOPILOT_EOF\nexit " + strconv.Itoa(code)
}

// SuccessStream returns a typical successful stream: init, one assistant
// text reply and a result line.
func SuccessStream(t *testing.T, sessionID, text string) string {
	t.Helper()
	return StreamLines(t,
		map[string]any{"type": "system", "subtype": "init", "session_id": sessionID, "model": "claude-sonnet-4-5"},
		map[string]any{
			"type":       "assistant",
			"session_id": sessionID,
			"message": map[string]any{
				"model":       "claude-sonnet-4-5",
				"content":     []map[string]any{{"type": "text", "text": text}},
				"stop_reason": "end_turn",
				"usage":       map[string]any{"input_tokens": 10, "output_tokens": 20},
			},
		},
		map[string]any{
			"type":           "result",
			"subtype":        "success",
			"is_error":       false,
			"result":         text,
			"session_id":     sessionID,
			"total_cost_usd": 0.01,
			"usage":          map[string]any{"input_tokens": 10, "output_tokens": 20, "cache_read_input_tokens": 5},
		},
	)
}
