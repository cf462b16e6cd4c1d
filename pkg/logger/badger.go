package logger

import (
	"strings"

	"go.uber.org/zap"
)

// BadgerLogger adapts a zap logger to badger's Logger interface.
// Badger's info chatter is demoted to debug.
type BadgerLogger struct {
	s *zap.SugaredLogger
}

// NewBadgerLogger wraps l for use in badger.Options.WithLogger.
func NewBadgerLogger(l *zap.Logger) *BadgerLogger {
	return &BadgerLogger{s: OrNop(l).Named(ComponentBadger).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (b *BadgerLogger) Errorf(format string, args ...interface{}) {
	b.s.Errorf(trim(format), args...)
}

func (b *BadgerLogger) Warningf(format string, args ...interface{}) {
	b.s.Warnf(trim(format), args...)
}

func (b *BadgerLogger) Infof(format string, args ...interface{}) {
	b.s.Debugf(trim(format), args...)
}

func (b *BadgerLogger) Debugf(format string, args ...interface{}) {
	b.s.Debugf(trim(format), args...)
}

// badger terminates most format strings with a newline.
func trim(format string) string {
	return strings.TrimRight(format, "\n")
}
