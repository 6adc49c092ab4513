// Package debug provides category-based debug logging for sandout.
//
// Categories choose WHAT to debug (SANDOUT_DEBUG or logging.debug in config).
// Levels choose HOW MUCH (SANDOUT_LOG_LEVEL or logging.level).
//
//	debug.Log("capture", "read", "bytes", n, "total", total)
//	if debug.Enabled("capture") { /* expensive formatting */ }
//
// Categories: capture, executor, sandbox, storage, mcp, auth, transport, config, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// LevelTrace is below slog.LevelDebug. At TRACE, captured output chunks
// are logged verbatim.
const LevelTrace = slog.LevelDebug - 4

// categories is swapped atomically so tests and Init can run while
// capture goroutines are logging.
var categories atomic.Pointer[map[string]bool]

func init() {
	setCategories(os.Getenv("SANDOUT_DEBUG"))
}

// Options configures the process-wide logger.
type Options struct {
	Categories string
	Level      string
	// Format is "text" (default) or "json".
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Init installs the default slog logger. Environment variables override
// the supplied options.
func Init(opts Options) {
	if env := os.Getenv("SANDOUT_DEBUG"); env != "" {
		opts.Categories = env
	}
	setCategories(opts.Categories)

	if env := os.Getenv("SANDOUT_LOG_LEVEL"); env != "" {
		opts.Level = env
	}
	if env := os.Getenv("SANDOUT_LOG_FORMAT"); env != "" {
		opts.Format = env
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	hopts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: renameTraceLevel,
	}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(opts.Output, hopts)
	} else {
		h = slog.NewTextHandler(opts.Output, hopts)
	}
	slog.SetDefault(slog.New(h))
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	m := *categories.Load()
	return m["all"] || m[category]
}

// Log emits a debug message for the given category. It is a no-op when
// the category is disabled.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
func Trace(category string, msg string, args ...any) {
	if !TraceIsEnabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled reports whether TRACE level is active for the given category.
func TraceIsEnabled(category string) bool {
	if !Enabled(category) {
		return false
	}
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// Logger returns the default logger tagged with a component attribute.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// ParseLevel converts a level string to a slog.Level.
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
	default:
		return slog.LevelInfo
	}
}

// Categories returns the enabled categories (for health/status reporting).
func Categories() []string {
	m := *categories.Load()
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	return result
}

// Truncate shortens s to at most maxLen bytes without splitting a UTF-8
// sequence, appending "..." when anything was cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func setCategories(s string) {
	m := parseCategories(s)
	categories.Store(&m)
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}

func renameTraceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
