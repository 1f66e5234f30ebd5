// Package mzap is the zap-backed production implementation of mlog.Logger.
package mzap

import (
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger wraps a *zap.SugaredLogger behind the mlog.Logger interface.
type ZapLogger struct {
	Logger *zap.SugaredLogger
}

// New builds a ZapLogger at the given level, either JSON (production) or
// console (development) encoded.
func New(level mlog.Level, format string) (*ZapLogger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &ZapLogger{Logger: base.Sugar()}, nil
}

func toZapLevel(l mlog.Level) zapcore.Level {
	switch l {
	case mlog.DebugLevel:
		return zapcore.DebugLevel
	case mlog.InfoLevel:
		return zapcore.InfoLevel
	case mlog.WarnLevel:
		return zapcore.WarnLevel
	case mlog.ErrorLevel:
		return zapcore.ErrorLevel
	case mlog.FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *ZapLogger) Info(args ...any)                  { l.Logger.Info(args...) }
func (l *ZapLogger) Infof(format string, args ...any)  { l.Logger.Infof(format, args...) }
func (l *ZapLogger) Infoln(args ...any)                { l.Logger.Infoln(args...) }

func (l *ZapLogger) Error(args ...any)                 { l.Logger.Error(args...) }
func (l *ZapLogger) Errorf(format string, args ...any) { l.Logger.Errorf(format, args...) }
func (l *ZapLogger) Errorln(args ...any)               { l.Logger.Errorln(args...) }

func (l *ZapLogger) Warn(args ...any)                  { l.Logger.Warn(args...) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.Logger.Warnf(format, args...) }
func (l *ZapLogger) Warnln(args ...any)                { l.Logger.Warnln(args...) }

func (l *ZapLogger) Debug(args ...any)                 { l.Logger.Debug(args...) }
func (l *ZapLogger) Debugf(format string, args ...any) { l.Logger.Debugf(format, args...) }
func (l *ZapLogger) Debugln(args ...any)               { l.Logger.Debugln(args...) }

func (l *ZapLogger) Fatal(args ...any)                 { l.Logger.Fatal(args...) }
func (l *ZapLogger) Fatalf(format string, args ...any) { l.Logger.Fatalf(format, args...) }
func (l *ZapLogger) Fatalln(args ...any)               { l.Logger.Fatalln(args...) }

// WithFields adds structured key/value context, returning a derived logger
// and leaving the receiver unchanged.
func (l *ZapLogger) WithFields(fields ...any) mlog.Logger {
	return &ZapLogger{Logger: l.Logger.With(fields...)}
}

func (l *ZapLogger) Sync() error { return l.Logger.Sync() }
