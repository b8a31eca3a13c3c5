package log

import (
	"context"
	"io"
	"log/slog"
)

var levelColor = map[slog.Level]string{
	LevelTrace:      "\x1b[35m",
	slog.LevelDebug: "\x1b[36m",
	slog.LevelInfo:  "\x1b[32m",
	slog.LevelWarn:  "\x1b[33m",
	slog.LevelError: "\x1b[31m",
	LevelCrit:       "\x1b[1;31m",
}

// NewTerminalHandlerWithLevel returns a text handler that drops records below lvl
// and prints the node's level names (TRACE and CRIT included).
func NewTerminalHandlerWithLevel(w io.Writer, lvl slog.Level, useColor bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey || len(groups) > 0 {
				return a
			}
			l, ok := a.Value.Any().(slog.Level)
			if !ok {
				return a
			}
			name := LevelAlignedString(l)
			if useColor {
				if c, ok := levelColor[l]; ok {
					name = c + name + "\x1b[0m"
				}
			}
			return slog.String(slog.LevelKey, name)
		},
	})
}

type discardHandler struct{}

// DiscardHandler returns a handler that drops every record.
func DiscardHandler() slog.Handler {
	return discardHandler{}
}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
