package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] for wire-level forensics:
// full request/response payloads to the completion provider and MCP
// servers. The value -8 follows the convention other Go projects use
// when extending slog below Debug.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps the config file's log_level string to an
// [slog.Level]. Matching is case-insensitive and trims whitespace; the
// empty string means Info. Unrecognized values are an error so a typo
// in the config surfaces at startup instead of silently logging at the
// wrong level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelTrace] as "TRACE". slog only knows its four
// built-in levels and would otherwise print "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
