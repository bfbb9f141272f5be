// Package fileutil holds small filesystem helpers shared across the
// daemon: directory creation, JSON writing and operational logging.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
)

// EnsureDir creates a directory and all parent directories with 0755 permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// WriteJSON marshals v as indented JSON and writes it to path.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// LogError writes a formatted operational error line to stderr, the same
// ad hoc destination the teacher uses throughout internal/engine.
func LogError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
