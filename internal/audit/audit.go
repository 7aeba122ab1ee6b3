// Package audit appends one-line operational records such as "ghost recorded"
// to a plain-text audit trail.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the audit file created inside the logs directory.
const FileName = "audit.log"

// Logger appends one audit entry.
type Logger interface {
	LogAudit(ctx context.Context, tag, message string) error
}

// FileLogger writes "<RFC3339Nano UTC> [TAG] message" lines to logs/audit.log.
type FileLogger struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewFileLogger creates the logs directory and an empty audit file if needed.
func NewFileLogger(logsDir string) (*FileLogger, error) {
	logsDir = strings.TrimSpace(logsDir)
	if logsDir == "" {
		return nil, fmt.Errorf("logs directory is required")
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	path := filepath.Join(logsDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close audit log: %w", err)
	}
	return &FileLogger{path: path, now: time.Now}, nil
}

// Path returns the audit file location.
func (l *FileLogger) Path() string { return l.path }

// LogAudit appends one entry.
func (l *FileLogger) LogAudit(_ context.Context, tag, message string) error {
	line := FormatEntry(l.now(), tag, message)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("append audit entry: %w", err)
	}
	return f.Close()
}

// FormatEntry renders one audit line including the trailing newline.
func FormatEntry(at time.Time, tag, message string) string {
	return fmt.Sprintf("%s [%s] %s\n", at.UTC().Format("2006-01-02T15:04:05.000Z07:00"), tag, message)
}

// Multi fans an entry out to several loggers. Every logger is attempted and
// the joined error is returned.
type Multi []Logger

// LogAudit implements Logger.
func (m Multi) LogAudit(ctx context.Context, tag, message string) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.LogAudit(ctx, tag, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
