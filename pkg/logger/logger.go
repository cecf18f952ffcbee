package logger

import (
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `env:"LOG_LEVEL" yaml:"level"`
	Filename   string `env:"LOG_FILENAME" yaml:"filename"`
	MaxSize    int    `env:"LOG_MAX_SIZE" yaml:"max_size"`
	MaxAge     int    `env:"LOG_MAX_AGE" yaml:"max_age"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" yaml:"max_backups"`
}

// Lg is the process-wide logger. It is a no-op logger until Init is called.
var Lg = zap.NewNop()

// Init builds the global logger. In "development" mode output is also
// mirrored to stdout in console format.
func Init(cfg *LogConfig, mode string) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var cores []zapcore.Core
	if cfg.Filename != "" {
		// 按大小切割日志文件
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level))
	}
	if mode == "development" || cfg.Filename == "" {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level))
	}

	Lg = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	zap.ReplaceGlobals(Lg)
	return nil
}

// Named returns a child of the global logger. The caller skip of the
// package helpers is removed so call sites are reported correctly.
func Named(name string) *zap.Logger {
	return Lg.WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

func Sync() { _ = Lg.Sync() }

func Debug(msg string, fields ...zap.Field) { Lg.Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Lg.Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Lg.Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Lg.Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { Lg.Fatal(msg, fields...) }
