package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

var (
	Logger *slog.Logger
	level  = new(slog.LevelVar) // dynamic level, adjusted by Init/SetLevel
)

func init() {
	Logger = newLogger(os.Stdout, os.Getenv("LOG_FORMAT"))
}

func newLogger(w io.Writer, format string) *slog.Logger {
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// Init re-reads LOG_FORMAT and LOG_LEVEL. Call once at startup.
func Init() {
	Logger = newLogger(os.Stdout, os.Getenv("LOG_FORMAT"))
	SetLevel(os.Getenv("LOG_LEVEL"))
}

// SetLevel accepts debug|info|warn|error; anything else keeps info.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// SetOutput redirects logging, mainly for tests and CLI tools.
func SetOutput(w io.Writer, format string) {
	Logger = newLogger(w, format)
}

// Shortcut helpers
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

// Fatal logs at error level and exits.
func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// With returns a component logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// WrapSlog adapts the structured logger to a *log.Logger for frame tracing.
func WrapSlog(key, value string) *log.Logger {
	return slog.NewLogLogger(Logger.With(key, value).Handler(), slog.LevelDebug)
}
