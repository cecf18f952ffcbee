package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applog "TrailWatch/pkg/logger"
)

const slowQuery = 500 * time.Millisecond

// gormLog routes gorm output through zap. Missing rows are an expected
// answer for lookups such as GetState and are not logged.
type gormLog struct {
	lg    *zap.Logger // nil: the global logger at call time
	level gormlogger.LogLevel
	slow  time.Duration
}

func newGormLog(lg *zap.Logger, level gormlogger.LogLevel) *gormLog {
	return &gormLog{lg: lg, level: level, slow: slowQuery}
}

func (g *gormLog) out() *zap.Logger {
	if g.lg != nil {
		return g.lg
	}
	return applog.Lg.Named("gorm")
}

func (g *gormLog) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLog) Info(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		g.out().Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Warn(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.out().Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Error(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		g.out().Error(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= gormlogger.Error:
		sql, rows := fc()
		g.out().Error("query failed", zap.Error(err), zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql))
	case g.slow > 0 && elapsed > g.slow && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.out().Warn("slow query", zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql))
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.out().Debug("query", zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sql))
	}
}
