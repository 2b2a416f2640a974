// Package logging provides structured logging for go-eip, wrapping
// logrus behind a small Printf-style surface, so callers supplying a
// Logger (or the internal tasklets calling the package-level helpers)
// don't need to know which backend is in use.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Output: os.Stderr}
}

// Logger wraps a *logrus.Logger (optionally scoped to a fixed set of
// fields) behind the Printf-style API the session/connection/tag
// tasklets use for diagnostics.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a new logger from config.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	l := logrus.New()
	l.SetOutput(output)
	l.SetLevel(config.Level.logrusLevel())
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &Logger{entry: logrus.NewEntry(l)}
}

// WithFields returns a new Logger that attaches fields to every
// subsequent log line, used by Session/Connection/Tag to tag their
// output with the instance they belong to.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logger) Debug(msg string, args ...any) { l.entry.WithFields(pairs(args)).Debug(msg) }
func (l *Logger) Info(msg string, args ...any)   { l.entry.WithFields(pairs(args)).Info(msg) }
func (l *Logger) Warn(msg string, args ...any)   { l.entry.WithFields(pairs(args)).Warn(msg) }
func (l *Logger) Error(msg string, args ...any)  { l.entry.WithFields(pairs(args)).Error(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Printf is kept for compatibility with callers that only know about a
// generic Printf-style logger interface.
func (l *Logger) Printf(format string, args ...any) { l.entry.Infof(format, args...) }

func pairs(args []any) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		f[key] = args[i+1]
	}
	return f
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the process-wide default logger, creating it on
// first use.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault overrides the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
