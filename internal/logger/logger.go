// Package logger configures the process-wide structured logger shared by
// the ghost-runner and supervisor binaries.
package logger

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

var Log *slog.Logger

// Init initializes the global logger. level is one of
// "debug"/"info"/"warn"/"error" (default "info"). When stdout is an
// interactive terminal, source file:line is attached to each record to
// ease local debugging; piped/redirected output (the common case under
// the supervisor's inherited-stdio child processes) omits it to keep log
// lines machine-parseable.
func Init(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: isatty.IsTerminal(os.Stdout.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// ForRoom returns a logger that tags every record with hub_sid, used by
// the ghost runner so every log line it emits is attributable to a room.
func ForRoom(hubSID string) *slog.Logger {
	return Log.With("hub_sid", hubSID)
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
