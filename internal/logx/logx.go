// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logx is DRONE's logging facade: a small wrapper around
// go.uber.org/zap with two extra severities (VERBOSE below DEBUG,
// IMPORTANT above INFO) layered on top of the usual
// With/Info/Warn/Error/Fatal surface, plus a no-op variant for tests.
package logx

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// VerboseLevel and ImportantLevel extend zap's standard level set.
// ImportantLevel shares its numeric priority with WarnLevel since zap
// levels are adjacent integers with no room between Info(0) and Warn(1)
// — levelEncoder renames only VerboseLevel, so IMPORTANT entries print as
// WARN and are distinguished only by call site (only the per-round
// summary in §7 logs at this level).
const (
	VerboseLevel   = zapcore.DebugLevel - 1
	ImportantLevel = zapcore.WarnLevel
)

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case VerboseLevel:
		enc.AppendString("VERBOSE")
	default:
		zapcore.CapitalLevelEncoder(l, enc)
	}
}

// ParseLevel maps a configured log level name to a zap level, defaulting
// to Info for an empty or unrecognized value.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToUpper(name) {
	case "VERBOSE":
		return VerboseLevel
	case "DEBUG":
		return zapcore.DebugLevel
	case "IMPORTANT":
		return ImportantLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger wraps a *zap.Logger with the fields/severities DRONE needs.
type Logger struct {
	z *zap.Logger
}

// New returns a Logger at the given level, writing to stdout and,
// if logOnFile is true, additionally to filePath.
func New(level zapcore.Level, logOnFile bool, filePath string) (*Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeLevel = levelEncoder
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= level })
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), enabler)}

	if logOnFile {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logx: open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(f), enabler))
	}

	return &Logger{z: zap.New(zapcore.NewTee(cores...))}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

// With returns a Logger that always includes the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Verbose logs below Debug — per-message voting table churn.
func (l *Logger) Verbose(msg string, fields ...zap.Field) {
	if ce := l.z.Check(VerboseLevel, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Debug logs at Debug.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }

// Info logs at Info.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.z.Info(msg, fields...) }

// Important logs the per-round one-line summary (§7).
func (l *Logger) Important(msg string, fields ...zap.Field) {
	if ce := l.z.Check(ImportantLevel, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Warn logs at Warn — used for recovered invalid-message errors (§7).
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.z.Warn(msg, fields...) }

// Error logs at Error.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Fatal logs at Fatal and terminates the process — used for the
// state-consistency errors §7 designates as fatal.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.z.Fatal(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }
