package main

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a production zap logger at level ("debug", "info", ...).
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(lvl)
	conf.Encoding = "console"
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return conf.Build()
}

// zapLoggerFactory routes pion-style library logs into zap, one named
// logger per scope.
type zapLoggerFactory struct {
	base *zap.Logger
}

func (f zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return zapLeveledLogger{s: f.base.Named(scope).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// zapLeveledLogger implements logging.LeveledLogger. zap has no trace
// level, so trace maps to debug.
type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

func (l zapLeveledLogger) Trace(msg string)                  { l.s.Debug(msg) }
func (l zapLeveledLogger) Tracef(format string, args ...any) { l.s.Debugf(format, args...) }
func (l zapLeveledLogger) Debug(msg string)                  { l.s.Debug(msg) }
func (l zapLeveledLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l zapLeveledLogger) Info(msg string)                   { l.s.Info(msg) }
func (l zapLeveledLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l zapLeveledLogger) Warn(msg string)                   { l.s.Warn(msg) }
func (l zapLeveledLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l zapLeveledLogger) Error(msg string)                  { l.s.Error(msg) }
func (l zapLeveledLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
