package logger

import (
	"io"
	"os"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
)

// EnvLevel names the environment variable that overrides the log level.
const EnvLevel = "PGTAP_LOG_LEVEL"

// Options configures the process logger.
type Options struct {
	// Level is one of trace, debug, info, warn, error, off. Empty uses
	// PGTAP_LOG_LEVEL, then info.
	Level  string
	JSON   bool
	Output io.Writer
}

// Logger writes structured log lines through hclog. It satisfies both the
// domain logger port and retryablehttp.LeveledLogger.
type Logger struct {
	hclog.Logger
}

// New creates the pgtap logger. Output defaults to stderr so stdout stays free
// for connection strings and listings.
func New(opts Options) *Logger {
	level := opts.Level
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{hclog.New(&hclog.LoggerOptions{
		Name:       "pgtap",
		Level:      parseLevel(level),
		Output:     out,
		JSONFormat: opts.JSON,
	})}
}

// Wrap adapts a caller-supplied hclog logger.
func Wrap(l hclog.Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return &Logger{l}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{hclog.NewNullLogger()}
}

// Named returns a sub-logger for one component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

func parseLevel(s string) hclog.Level {
	s = strings.TrimSpace(s)
	if s == "" {
		return hclog.Info
	}
	lvl := hclog.LevelFromString(s)
	if lvl == hclog.NoLevel {
		return hclog.Info
	}
	return lvl
}
