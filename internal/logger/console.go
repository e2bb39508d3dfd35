// Package logger provides the orchestrator's logging destinations: a
// colored console logger, a per-run file logger, and a fan-out that
// combines them. All loggers filter by level.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Level ordering for filtering.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a level name to its ordinal; unknown names map to
// info.
func ParseLevel(name string) int {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the minimal leveled logging surface the orchestrator uses.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Console writes human-oriented lines to a terminal. Color is enabled
// only when the destination is a TTY.
type Console struct {
	out      io.Writer
	level    int
	useColor bool
	mu       sync.Mutex
}

// NewConsole creates a console logger writing to stderr.
func NewConsole(level int) *Console {
	return &Console{
		out:      os.Stderr,
		level:    level,
		useColor: isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// NewConsoleWithWriter creates a console logger for tests or redirection.
// Color is disabled.
func NewConsoleWithWriter(out io.Writer, level int) *Console {
	return &Console{out: out, level: level}
}

func (c *Console) log(level int, tag string, paint *color.Color, format string, args ...interface{}) {
	if level < c.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if c.useColor && paint != nil {
		tag = paint.Sprint(tag)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s %s\n", time.Now().Format("15:04:05"), tag, msg)
}

func (c *Console) Debugf(format string, args ...interface{}) {
	c.log(LevelDebug, "DEBUG", color.New(color.FgHiBlack), format, args...)
}

func (c *Console) Infof(format string, args ...interface{}) {
	c.log(LevelInfo, "INFO ", color.New(color.FgCyan), format, args...)
}

func (c *Console) Warnf(format string, args ...interface{}) {
	c.log(LevelWarn, "WARN ", color.New(color.FgYellow), format, args...)
}

func (c *Console) Errorf(format string, args ...interface{}) {
	c.log(LevelError, "ERROR", color.New(color.FgRed), format, args...)
}
