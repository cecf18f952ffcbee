package logger

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type cronLogger struct{ l *zap.Logger }

// CronLogger adapts the global logger to cron.Logger so job panics and
// scheduling errors end up in the same sink as everything else.
func CronLogger() cron.Logger {
	return cronLogger{l: Named("cron")}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
