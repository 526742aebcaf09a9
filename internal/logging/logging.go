// Package logging provides the structured daily JSONL log every
// long-lived component (Drainer, Dispatch Engine, Worktree Provisioner)
// writes through: a zap JSON core rotated by calendar day, faced as a
// provider-neutral logr.Logger so library code never imports zap
// directly. Append failures are warnings, never aborts — callers reach
// for Warn, which swallows its own I/O errors after reporting them once
// to stderr.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a day-scoped zap core behind logr.Logger, re-opening the
// day's file on demand so a long-running process (the drainer, a
// persistent watch loop) rolls over at midnight without restarting.
type Logger struct {
	dir    string
	now    func() time.Time
	day    string
	sync   *os.File
	logr   logr.Logger
}

// New opens (creating dir if needed) the logger rooted at
// <stateRoot>/logs. The underlying file is opened lazily on first use.
func New(stateRoot string) *Logger {
	return &Logger{dir: filepath.Join(stateRoot, "logs"), now: time.Now}
}

func (l *Logger) pathFor(day string) string {
	return filepath.Join(l.dir, fmt.Sprintf("omx-%s.jsonl", day))
}

func (l *Logger) ensureCurrent() (logr.Logger, error) {
	day := l.now().Format("2006-01-02")
	if day == l.day && l.sync != nil {
		return l.logr, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return logr.Logger{}, err
	}
	f, err := os.OpenFile(l.pathFor(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return logr.Logger{}, err
	}
	if l.sync != nil {
		_ = l.sync.Close()
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	zl := zap.New(core)
	l.sync = f
	l.day = day
	l.logr = zapr.NewLogger(zl)
	return l.logr, nil
}

// For returns a logr.Logger scoped to name (e.g. "drainer", "dispatch",
// "worktree"), rotating to the current day's file first if needed.
func (l *Logger) For(name string) logr.Logger {
	zl, err := l.ensureCurrent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: opening daily log: %v\n", err)
		return logr.Discard()
	}
	return zl.WithName(name)
}

// Warn logs msg at the error level without ever propagating a failure to
// the caller — per spec, a logging failure must never fail the
// operation it's describing.
func (l *Logger) Warn(component, msg string, keysAndValues ...any) {
	defer func() { recover() }()
	l.For(component).Error(nil, msg, keysAndValues...)
}

// Close flushes and closes the underlying file, if open.
func (l *Logger) Close() error {
	if l.sync == nil {
		return nil
	}
	return l.sync.Close()
}
