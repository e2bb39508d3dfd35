package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File logs orchestrator events to a timestamped run log under the log
// directory and maintains a latest.log symlink pointing at it. It is
// safe for concurrent use.
type File struct {
	dir     string
	runFile string
	f       *os.File
	level   int
	mu      sync.Mutex
}

// NewFile creates the log directory if needed, opens a run log named
// run-YYYYMMDD-HHMMSS.log, and updates the latest.log symlink.
func NewFile(dir string, level int) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	runFile := filepath.Join(dir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlink := filepath.Join(dir, "latest.log")
	if _, err := os.Lstat(symlink); err == nil {
		if err := os.Remove(symlink); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlink); err != nil {
		// Symlinks are a convenience; keep logging without one.
		_ = err
	}

	fl := &File{dir: dir, runFile: runFile, f: f, level: level}
	fl.write("INFO", "=== Maestro Run Log ===")
	fl.write("INFO", "Started at: "+time.Now().Format(time.RFC3339))
	return fl, nil
}

// Path returns the run log file path.
func (l *File) Path() string {
	return l.runFile
}

// Close closes the underlying file.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func (l *File) write(tag, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "[%s] %s %s\n", time.Now().Format(time.RFC3339), tag, msg)
}

func (l *File) logf(level int, tag, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.write(tag, fmt.Sprintf(format, args...))
}

func (l *File) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, "DEBUG", format, args...)
}

func (l *File) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, "INFO", format, args...)
}

func (l *File) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarn, "WARN", format, args...)
}

func (l *File) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, "ERROR", format, args...)
}

// Multi fans log calls out to several loggers.
type Multi struct {
	loggers []Logger
}

// NewMulti combines loggers; nil entries are skipped.
func NewMulti(loggers ...Logger) *Multi {
	var kept []Logger
	for _, l := range loggers {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &Multi{loggers: kept}
}

func (m *Multi) Debugf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Debugf(format, args...)
	}
}

func (m *Multi) Infof(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Infof(format, args...)
	}
}

func (m *Multi) Warnf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Warnf(format, args...)
	}
}

func (m *Multi) Errorf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Errorf(format, args...)
	}
}
