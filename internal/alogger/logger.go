package alogger

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/trustpoint-io/enrolld/internal/common"
)

// Logger is a zerolog-based logger implementing the common.Logger interface.
type Logger struct {
	logger zerolog.Logger
	fields []keyValue
}

// keyValue is a loosely-typed key-value pair.
type keyValue struct {
	key   string
	value interface{}
}

// LogEvent wraps a zerolog.Event to implement the common.LogEvent interface.
type LogEvent struct {
	event *zerolog.Event
}

// Msg sends the event with the given message.
func (e *LogEvent) Msg(msg string) {
	e.event.Msg(msg)
}

// Msgf sends the event with the formatted message.
func (e *LogEvent) Msgf(format string, args ...interface{}) {
	e.event.Msgf(format, args...)
}

// Err adds the given error to the event.
func (e *LogEvent) Err(err error) common.LogEvent {
	e.event.Err(err)
	return e
}

// Str adds a string field to the event.
func (e *LogEvent) Str(key, val string) common.LogEvent {
	e.event.Str(key, val)
	return e
}

// New creates a new zerolog-based logger which writes to the specified
// writer using a human-readable console format.
func New(w io.Writer, level zerolog.Level) common.Logger {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339Nano,
	}

	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)

	return &Logger{
		logger: logger,
	}
}

// Debugf uses fmt.Sprintf to log a formatted message.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logw(zerolog.DebugLevel, fmt.Sprintf(format, v...))
}

// Debugw logs a message with some additional context.
func (l *Logger) Debugw(msg string, keysAndValues ...interface{}) {
	l.logw(zerolog.DebugLevel, msg, keysAndValues...)
}

// Errorf uses fmt.Sprintf to log a formatted message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logw(zerolog.ErrorLevel, fmt.Sprintf(format, v...))
}

// Errorw logs a message with some additional context.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.logw(zerolog.ErrorLevel, msg, keysAndValues...)
}

// Infof uses fmt.Sprintf to log a formatted message.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.logw(zerolog.InfoLevel, fmt.Sprintf(format, v...))
}

// Infow logs a message with some additional context.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.logw(zerolog.InfoLevel, msg, keysAndValues...)
}

// Info returns a log event at info level.
func (l *Logger) Info() common.LogEvent {
	return &LogEvent{event: l.logger.Info()}
}

// Fatal returns a log event at fatal level.
func (l *Logger) Fatal() common.LogEvent {
	return &LogEvent{event: l.logger.Fatal()}
}

// With adds a variadic number of fields to the logging context.
func (l *Logger) With(args ...interface{}) common.Logger {
	// If the number of args is odd, the last field is discarded. This is
	// consistent with zerolog's behavior.
	if len(args)%2 != 0 {
		args = args[:len(args)-1]
	}

	newFields := make([]keyValue, len(l.fields), len(l.fields)+len(args)/2)
	copy(newFields, l.fields)

	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newFields = append(newFields, keyValue{key: key, value: args[i+1]})
	}

	return &Logger{
		logger: l.logger,
		fields: newFields,
	}
}

// logw is the common logging implementation for the various levels.
func (l *Logger) logw(level zerolog.Level, msg string, keysAndValues ...interface{}) {
	var event *zerolog.Event

	switch level {
	case zerolog.DebugLevel:
		event = l.logger.Debug()
	case zerolog.InfoLevel:
		event = l.logger.Info()
	case zerolog.WarnLevel:
		event = l.logger.Warn()
	case zerolog.ErrorLevel:
		event = l.logger.Error()
	case zerolog.FatalLevel:
		event = l.logger.Fatal()
	default:
		event = l.logger.Log()
	}

	// Add caller information.
	if _, file, line, ok := runtime.Caller(2); ok {
		event = event.Str("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line))
	}

	for _, field := range l.fields {
		event = addField(event, field.key, field.value)
	}

	if len(keysAndValues)%2 != 0 {
		keysAndValues = keysAndValues[:len(keysAndValues)-1]
	}
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		event = addField(event, key, keysAndValues[i+1])
	}

	event.Msg(msg)
}

// addField adds a field to the zerolog.Event based on the value's type.
func addField(event *zerolog.Event, key string, value interface{}) *zerolog.Event {
	if value == nil {
		return event.Interface(key, nil)
	}

	switch v := value.(type) {
	case string:
		return event.Str(key, v)
	case bool:
		return event.Bool(key, v)
	case int:
		return event.Int(key, v)
	case int64:
		return event.Int64(key, v)
	case float64:
		return event.Float64(key, v)
	case error:
		return event.Err(v).Str(key, v.Error())
	default:
		return event.Interface(key, v)
	}
}
