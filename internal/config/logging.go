package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelCritical is a custom slog level above [slog.LevelError],
// matching the CRITICAL level the config file accepts. The numeric
// value continues slog's four-per-step spacing.
const LevelCritical = slog.Level(12)

// ParseLogLevel converts a case-insensitive string to an [slog.Level].
//
// Accepted values:
//   - "critical" → [LevelCritical]
//   - "error" → [slog.LevelError]
//   - "warn" or "warning" → [slog.LevelWarn]
//   - "info" or "" → [slog.LevelInfo] (normal operation)
//   - "debug" → [slog.LevelDebug]
//
// Returns an error for unrecognized values. Leading and trailing
// whitespace is trimmed before matching.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "critical":
		return LevelCritical, nil
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: critical, error, warn, info, debug)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelCritical] as "CRITICAL" in log output. Without
// this, slog would render it as "ERROR+4" since it doesn't know about
// custom levels.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelCritical {
			a.Value = slog.StringValue("CRITICAL")
		}
	}
	return a
}
