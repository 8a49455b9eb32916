package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// SQLiteDSN normalises an audit DSN for the sqlite driver. A bare path becomes
// a file DSN with busy-timeout and WAL pragmas. The parent directory of
// on-disk databases is created when missing.
func SQLiteDSN(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	if !strings.HasPrefix(trimmed, "file:") {
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return "", fmt.Errorf("resolve audit path: %w", err)
		}
		trimmed = fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas)
	}
	path, query, _ := strings.Cut(strings.TrimPrefix(trimmed, "file:"), "?")
	if strings.Contains(query, "mode=memory") || path == ":memory:" || path == "" {
		return trimmed, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create audit directory: %w", err)
		}
	}
	return trimmed, nil
}
