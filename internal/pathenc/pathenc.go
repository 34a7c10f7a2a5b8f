// Package pathenc maps absolute project paths to flat, filesystem-safe
// directory names and back.
//
// Separators are normalized to a backslash before encoding so the same
// logical path encodes identically on every platform. The encoded form is
// unpadded URL-safe base64 of the normalized path bytes.
package pathenc

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
)

// Separator is the canonical separator written into encoded names.
const Separator = `\`

// DecodeError is returned when a directory name is not a valid encoding.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode project name %q", e.Name)
	}
	return fmt.Sprintf("decode project name %q: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Normalize rewrites every forward slash as the canonical separator.
func Normalize(path string) string {
	return strings.ReplaceAll(path, "/", Separator)
}

// Encode returns the directory name for path.
func Encode(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(Normalize(path)))
}

// Decode reverses Encode. The result keeps the canonical separator; use
// Native to turn it back into a host path.
func Decode(name string) (string, error) {
	if name == "" {
		return "", &DecodeError{Name: name, Err: fmt.Errorf("empty name")}
	}
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", &DecodeError{Name: name, Err: err}
	}
	return string(raw), nil
}

// Native converts a normalized path to the host's separator.
func Native(normalized string) string {
	return filepath.FromSlash(strings.ReplaceAll(normalized, Separator, "/"))
}
