// Package log wraps a process-wide zerolog logger. Request-scoped loggers are
// attached to contexts by the HTTP middleware and read back with Ctx.
package log

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

func init() {
	zerolog.DefaultContextLogger = &logger
}

// Logger returns the global logger.
func Logger() *zerolog.Logger {
	return &logger
}

// SetOutput replaces the writer of the global logger. Used by tests.
func SetOutput(w io.Writer) {
	logger = logger.Output(w)
}

// SetLevel sets the minimum global level from a name such as "debug" or "warn".
// Unknown names fall back to info.
func SetLevel(name string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Ctx returns the logger attached to ctx, or the global logger when none is.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &logger
	}
	return l
}

// Debug starts a debug event on the context logger.
//
// You must call Msg on the returned event in order to send the event.
func Debug(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Debug()
}

// Info starts an info event on the context logger.
//
// You must call Msg on the returned event in order to send the event.
func Info(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Info()
}

// Warn starts a warn event on the context logger.
//
// You must call Msg on the returned event in order to send the event.
func Warn(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Warn()
}

// Error starts an error event on the context logger.
//
// You must call Msg on the returned event in order to send the event.
func Error(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Error()
}

// Fatal starts a fatal event on the global logger; os.Exit(1) follows Msg.
func Fatal() *zerolog.Event {
	return logger.Fatal()
}
