// Package mlog defines the structured logging interface used across repub,
// plus a stdlib-backed reference implementation. The production backend is
// internal/mzap.
package mlog

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Logger is the common interface every log backend implements.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Fatalln(args ...any)

	WithFields(fields ...any) Logger

	Sync() error
}

// Level is the severity of a log record.
type Level int8

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
)

// ParseLevel maps a config string to a Level.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(lvl) {
	case "fatal":
		return FatalLevel, nil
	case "error":
		return ErrorLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "info":
		return InfoLevel, nil
	case "debug":
		return DebugLevel, nil
	}

	var l Level

	return l, fmt.Errorf("not a valid log level: %q", lvl)
}

// GoLogger is the stdlib `log`-backed Logger implementation; used in tests
// and as the interface's reference implementation.
type GoLogger struct {
	fields []any
	Level  Level
}

func (l *GoLogger) IsLevelEnabled(level Level) bool { return l.Level >= level }

func (l *GoLogger) print(level Level, args ...any) {
	if !l.IsLevelEnabled(level) {
		return
	}
	if len(l.fields) > 0 {
		args = append(append([]any{}, args...), l.fields...)
	}
	log.Print(args...)
}

func (l *GoLogger) printf(level Level, format string, args ...any) {
	if !l.IsLevelEnabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if len(l.fields) > 0 {
		log.Print(append([]any{msg, " "}, l.fields...)...)
		return
	}
	log.Print(msg)
}

func (l *GoLogger) println(level Level, args ...any) {
	if !l.IsLevelEnabled(level) {
		return
	}
	if len(l.fields) > 0 {
		args = append(append([]any{}, args...), l.fields...)
	}
	log.Println(args...)
}

func (l *GoLogger) Info(args ...any)                  { l.print(InfoLevel, args...) }
func (l *GoLogger) Infof(format string, args ...any)  { l.printf(InfoLevel, format, args...) }
func (l *GoLogger) Infoln(args ...any)                { l.println(InfoLevel, args...) }

func (l *GoLogger) Error(args ...any)                 { l.print(ErrorLevel, args...) }
func (l *GoLogger) Errorf(format string, args ...any) { l.printf(ErrorLevel, format, args...) }
func (l *GoLogger) Errorln(args ...any)               { l.println(ErrorLevel, args...) }

func (l *GoLogger) Warn(args ...any)                  { l.print(WarnLevel, args...) }
func (l *GoLogger) Warnf(format string, args ...any)  { l.printf(WarnLevel, format, args...) }
func (l *GoLogger) Warnln(args ...any)                { l.println(WarnLevel, args...) }

func (l *GoLogger) Debug(args ...any)                 { l.print(DebugLevel, args...) }
func (l *GoLogger) Debugf(format string, args ...any) { l.printf(DebugLevel, format, args...) }
func (l *GoLogger) Debugln(args ...any)               { l.println(DebugLevel, args...) }

func (l *GoLogger) Fatal(args ...any)                 { l.print(FatalLevel, args...) }
func (l *GoLogger) Fatalf(format string, args ...any) { l.printf(FatalLevel, format, args...) }
func (l *GoLogger) Fatalln(args ...any)               { l.println(FatalLevel, args...) }

// WithFields returns a derived Logger that appends fields to every record.
func (l *GoLogger) WithFields(fields ...any) Logger {
	return &GoLogger{Level: l.Level, fields: append(append([]any{}, l.fields...), fields...)}
}

func (l *GoLogger) Sync() error { return nil }

// NoneLogger discards everything; used as the context default before a real
// logger has been installed.
type NoneLogger struct{}

func (*NoneLogger) Info(args ...any)                  {}
func (*NoneLogger) Infof(format string, args ...any)  {}
func (*NoneLogger) Infoln(args ...any)                {}
func (*NoneLogger) Error(args ...any)                 {}
func (*NoneLogger) Errorf(format string, args ...any) {}
func (*NoneLogger) Errorln(args ...any)               {}
func (*NoneLogger) Warn(args ...any)                  {}
func (*NoneLogger) Warnf(format string, args ...any)  {}
func (*NoneLogger) Warnln(args ...any)                {}
func (*NoneLogger) Debug(args ...any)                 {}
func (*NoneLogger) Debugf(format string, args ...any) {}
func (*NoneLogger) Debugln(args ...any)               {}
func (*NoneLogger) Fatal(args ...any)                 {}
func (*NoneLogger) Fatalf(format string, args ...any) {}
func (*NoneLogger) Fatalln(args ...any)               {}
func (l *NoneLogger) WithFields(fields ...any) Logger { return l }
func (*NoneLogger) Sync() error                       { return nil }

type loggerContextKey string

const loggerKey loggerContextKey = "logger"

// NewLoggerFromContext extracts the Logger previously stored by
// ContextWithLogger, or a NoneLogger if none was set.
func NewLoggerFromContext(ctx context.Context) Logger {
	if logger := ctx.Value(loggerKey); logger != nil {
		if l, ok := logger.(Logger); ok {
			return l
		}
	}
	return &NoneLogger{}
}

// ContextWithLogger returns a child context carrying logger.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
