// Package log provides the leveled logger used throughout
// cartbox. The default implementation is backed by zap.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Config selects the level and encoding of a zap logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

type logger struct {
	*zap.SugaredLogger
	base *zap.Logger
}

// New returns a console logger at info level.
func New() Logger {
	l, err := NewWithConfig(Config{Level: "info", Format: "console"})
	if err != nil {
		return NewNullLogger()
	}
	return l
}

// NewWithConfig builds a logger from cfg. An unknown level
// falls back to info.
func NewWithConfig(cfg Config) (Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(level)

	base, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &logger{SugaredLogger: base.Sugar(), base: base}, nil
}

// Named returns a child of l scoped to name. Loggers that
// are not zap-backed are returned unchanged.
func Named(l Logger, name string) Logger {
	if z, ok := l.(*logger); ok {
		return &logger{SugaredLogger: z.SugaredLogger.Named(name), base: z.base}
	}
	return l
}

// Sync flushes any buffered log entries.
func Sync(l Logger) error {
	if z, ok := l.(*logger); ok {
		return z.base.Sync()
	}
	return nil
}
