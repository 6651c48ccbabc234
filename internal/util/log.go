package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

var (
	debugEnabled atomic.Bool
	fileLogger   atomic.Pointer[zerolog.Logger]
)

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default). When a log file
// is configured every line is mirrored there as a zerolog event.

func LogDebug(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Debug(msg)
	mirror(zerolog.DebugLevel, msg)
}

func LogInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Info(msg)
	mirror(zerolog.InfoLevel, msg)
}

func LogSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Info(msg)
	mirror(zerolog.InfoLevel, msg)
}

func LogWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Warn(msg)
	mirror(zerolog.WarnLevel, msg)
}

func LogError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Error(msg)
	mirror(zerolog.ErrorLevel, msg)
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	debugEnabled.Store(true)
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug logging is on. Callers use it to skip
// building expensive debug strings.
func DebugEnabled() bool {
	return debugEnabled.Load()
}

// SetLogFile mirrors all log output to path as JSON lines. Closing the
// returned Closer detaches and closes the file.
func SetLogFile(path string) (io.Closer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := zerolog.New(f).With().Timestamp().Logger()
	fileLogger.Store(&l)

	return closerFunc(func() error {
		fileLogger.Store(nil)
		return f.Close()
	}), nil
}

func mirror(level zerolog.Level, msg string) {
	l := fileLogger.Load()
	if l == nil {
		return
	}
	if level == zerolog.DebugLevel && !debugEnabled.Load() {
		return
	}
	l.WithLevel(level).Msg(msg)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
