package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LevelTrace is a custom trace level below debug
const LevelTrace = slog.Level(-8)

var level slog.LevelVar

func init() {
	lvl, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		lvl = slog.LevelInfo
	}
	level.Set(lvl)
	slog.SetDefault(slog.New(newHandler(os.Stderr, os.Getenv("LOG_FORMAT"))))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

// newHandler builds a text handler, or a JSON handler when format is "json".
// The handler reads the shared level variable, so SetLogLevel takes effect
// without rebuilding it.
func newHandler(w io.Writer, format string) slog.Handler {
	jsonOutput := strings.EqualFold(format, "json")

	opts := &slog.HandlerOptions{
		Level: &level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if jsonOutput {
					return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
				}
				return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000-07:00"))
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
			}
			return a
		},
	}

	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetLogLevel updates the log level at runtime
func SetLogLevel(name string) error {
	lvl, err := parseLevel(name)
	if err != nil {
		return err
	}
	level.Set(lvl)

	LogInfoWithFields("logging", "Log level changed", map[string]any{
		"new_level": name,
	})
	return nil
}

// GetLogLevel returns the current log level as a string
func GetLogLevel() string {
	switch level.Level() {
	case slog.LevelError:
		return "error"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelInfo:
		return "info"
	case slog.LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func logf(lvl slog.Level, format string, args ...any) {
	if !slog.Default().Enabled(context.Background(), lvl) {
		return
	}
	slog.Default().Log(context.Background(), lvl, fmt.Sprintf(format, args...))
}

func Logf(format string, args ...any) {
	logf(slog.LevelInfo, format, args...)
}

func LogInfo(format string, args ...any) {
	logf(slog.LevelInfo, format, args...)
}

func LogError(format string, args ...any) {
	logf(slog.LevelError, format, args...)
}

func LogWarn(format string, args ...any) {
	logf(slog.LevelWarn, format, args...)
}

func LogDebug(format string, args ...any) {
	logf(slog.LevelDebug, format, args...)
}

func LogTrace(format string, args ...any) {
	logf(LevelTrace, format, args...)
}

func logWithFields(lvl slog.Level, component, message string, fields map[string]any) {
	if !slog.Default().Enabled(context.Background(), lvl) {
		return
	}
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	slog.Default().Log(context.Background(), lvl, message, args...)
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelInfo, component, message, fields)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelDebug, component, message, fields)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelError, component, message, fields)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelWarn, component, message, fields)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	logWithFields(LevelTrace, component, message, fields)
}
