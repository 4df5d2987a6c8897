package enroll

import (
	"context"

	"github.com/trustpoint-io/enrolld/internal/common"
)

// Logger is the interface for an enrollment engine logger.
type Logger = common.Logger

type contextKey int

const ctxKeyLogger contextKey = iota

// NewLoggerContext returns a context carrying the given logger.
func NewLoggerContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// LoggerFromContext returns the logger stored in the context, or a
// do-nothing logger if none is present.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(ctxKeyLogger).(Logger); ok {
		return logger
	}
	return newNopLogger()
}

// nopLogger is a do-nothing logger used when no logger is configured.
type nopLogger struct{}

// nopLogEvent is a do-nothing log event.
type nopLogEvent struct{}

func newNopLogger() common.Logger { return &nopLogger{} }

func (l *nopLogger) Errorf(format string, args ...interface{}) {}

func (l *nopLogger) Errorw(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) Infof(format string, args ...interface{}) {}

func (l *nopLogger) Infow(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) Debugf(format string, args ...interface{}) {}

func (l *nopLogger) Debugw(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) With(keysAndValues ...interface{}) common.Logger { return l }

func (l *nopLogger) Info() common.LogEvent { return &nopLogEvent{} }

func (l *nopLogger) Fatal() common.LogEvent { return &nopLogEvent{} }

func (e *nopLogEvent) Msg(msg string) {}

func (e *nopLogEvent) Msgf(format string, args ...interface{}) {}

func (e *nopLogEvent) Err(err error) common.LogEvent { return e }

func (e *nopLogEvent) Str(key, val string) common.LogEvent { return e }
