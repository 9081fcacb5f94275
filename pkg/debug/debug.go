// Package debug gates verbose logging by category.
//
// Categories (CODEXGATE_DEBUG, comma separated) pick the subsystems that
// log at DEBUG; the level (CODEXGATE_LOG_LEVEL) picks how much reaches
// the handler. TRACE additionally lifts truncation of wire payloads.
//
//	debug.Log("rpc", "send", "method", "turn/start", "id", id)
//
// Categories: rpc, worker, stream, toolcall, engine, transport, auth,
// config, all.
package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

const (
	envCategories = "CODEXGATE_DEBUG"
	envLevel      = "CODEXGATE_LOG_LEVEL"
)

// Settings is the resolved debug configuration.
type Settings struct {
	Categories map[string]bool
	Level      slog.Level
	JSON       bool
}

var current atomic.Pointer[Settings]

func init() {
	// Usable before Init so package-level code can log early.
	current.Store(&Settings{Categories: parseCategories(os.Getenv(envCategories)), Level: slog.LevelInfo})
}

// Resolve merges config values with the environment; the environment wins.
func Resolve(categories, level, format string) Settings {
	if v := os.Getenv(envCategories); v != "" {
		categories = v
	}
	if v := os.Getenv(envLevel); v != "" {
		level = v
	}
	return Settings{
		Categories: parseCategories(categories),
		Level:      ParseLevel(level),
		JSON:       strings.EqualFold(format, "json"),
	}
}

// Init resolves settings and installs the default slog logger on stderr.
func Init(categories, level, format string) {
	InitWriter(os.Stderr, categories, level, format)
}

// InitWriter is Init with an explicit output.
func InitWriter(w io.Writer, categories, level, format string) {
	s := Resolve(categories, level, format)
	current.Store(&s)
	slog.SetDefault(slog.New(s.Handler(w)))
}

// Handler builds the slog handler these settings describe.
func (s Settings) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: s.Level, ReplaceAttr: renameTrace}
	if s.JSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// renameTrace prints LevelTrace as "TRACE" instead of "DEBUG-4".
func renameTrace(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Enabled reports whether category (or "all") is switched on.
func Enabled(category string) bool {
	c := current.Load().Categories
	return c["all"] || c[category]
}

// Log writes a DEBUG record tagged with category when it is enabled.
func Log(category, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace is Log at LevelTrace.
func Trace(category, msg string, args ...any) {
	if !tracing(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

func tracing(category string) bool {
	return Enabled(category) && slog.Default().Enabled(context.Background(), LevelTrace)
}

// ParseLevel maps ERROR, WARN, INFO, DEBUG and TRACE (any case) to a
// slog level. Unknown values mean INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Categories lists the enabled categories in sorted order.
func Categories() []string {
	c := current.Load().Categories
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Payload keeps s whole while category is tracing and truncates it to
// maxLen otherwise.
func Payload(category, s string, maxLen int) string {
	if tracing(category) {
		return s
	}
	return Truncate(s, maxLen)
}

// Truncate cuts s to maxLen bytes and marks the cut with "...".
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		if cat = strings.ToLower(strings.TrimSpace(cat)); cat != "" {
			m[cat] = true
		}
	}
	return m
}
