package peerlink

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/1ureka/relaytun/internal/util"
)

// loggerFactory routes pion's internal logging into the debug log.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{scope: scope}
}

type scopedLogger struct {
	scope string
}

func (l scopedLogger) log(msg string) {
	if util.DebugEnabled() {
		util.LogDebug("pion/%s: %s", l.scope, msg)
	}
}

func (scopedLogger) Trace(string)          {}
func (scopedLogger) Tracef(string, ...any) {}

func (l scopedLogger) Debug(msg string)                  { l.log(msg) }
func (l scopedLogger) Debugf(format string, args ...any) { l.log(fmt.Sprintf(format, args...)) }
func (l scopedLogger) Info(msg string)                   { l.log(msg) }
func (l scopedLogger) Infof(format string, args ...any)  { l.log(fmt.Sprintf(format, args...)) }
func (l scopedLogger) Warn(msg string)                   { l.log(msg) }
func (l scopedLogger) Warnf(format string, args ...any)  { l.log(fmt.Sprintf(format, args...)) }
func (l scopedLogger) Error(msg string)                  { l.log(msg) }
func (l scopedLogger) Errorf(format string, args ...any) { l.log(fmt.Sprintf(format, args...)) }
