package ctxlog

import (
	"io"
	"log/slog"
	"strings"
)

// DynaMake extends slog's four built-in levels with the vocabulary the
// engine's own --log-level flag uses (spec.md §6). The numeric values are
// chosen to interleave with slog.LevelDebug/.../LevelError so that a
// handler configured with, say, LevelWhy still suppresses LevelTrace but
// shows LevelInfo and above.
const (
	LevelTrace  = slog.Level(-8)
	LevelDebug  = slog.LevelDebug // -4
	LevelWhy    = slog.Level(-2)
	LevelInfo   = slog.LevelInfo // 0
	LevelStdout = slog.Level(2)
	LevelStderr = slog.Level(3)
	LevelFile   = slog.Level(4)
	LevelWarn   = slog.LevelWarn // 4
	LevelError  = slog.LevelError
)

var levelNames = map[slog.Level]string{
	LevelTrace:  "TRACE",
	LevelDebug:  "DEBUG",
	LevelWhy:    "WHY",
	LevelInfo:   "INFO",
	LevelStdout: "STDOUT",
	LevelStderr: "STDERR",
	LevelFile:   "FILE",
	LevelError:  "ERROR",
}

// ParseLevel parses one of the --log-level names from spec.md §6. It is
// case-insensitive. Unknown names resolve to LevelInfo.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "WHY":
		return LevelWhy
	case "INFO":
		return LevelInfo
	case "STDOUT":
		return LevelStdout
	case "STDERR":
		return LevelStderr
	case "FILE":
		return LevelFile
	case "WARN":
		return LevelWarn
	default:
		return LevelInfo
	}
}

// replaceLevelName renders one of DynaMake's custom level values using its
// spec.md name instead of slog's generic "INFO+2"-style rendering.
func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			if name, ok := levelNames[lvl]; ok {
				a.Value = slog.StringValue(name)
			}
		}
	}
	return a
}

// NewLogger builds a slog.Logger configured with DynaMake's level
// vocabulary, following burstgridgo's internal/app.newLogger, generalized
// from a fixed four-level switch to the engine's full level set.
func NewLogger(level slog.Level, jsonFormat bool, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevelName}
	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
