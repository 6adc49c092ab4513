// Command sandbox-harness is the entrypoint baked into sandbox images. It
// reads a program from stdin, runs it with the image's interpreter, and
// exits with the program's status. Standard output belongs to the program
// alone; the harness logs to stderr.
//
// Configuration:
//
//	SANDBOX_MODE         - python, golang, node, shell (default: auto-detect)
//	SANDBOX_REQUIREMENTS - comma separated packages installed before the run
//	SANDBOX_PYTHON_INDEX - Python package index URL (default: https://pypi.org/simple/)
//	SANDBOX_MAX_CODE     - maximum program size in bytes (default: 10 MiB)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := newHarness(harnessConfig{
		Mode:         os.Getenv("SANDBOX_MODE"),
		Requirements: splitList(os.Getenv("SANDBOX_REQUIREMENTS")),
		PythonIndex:  envOr("SANDBOX_PYTHON_INDEX", "https://pypi.org/simple/"),
		MaxCodeBytes: envOrInt("SANDBOX_MAX_CODE", 10<<20),
	})
	if err != nil {
		slog.Error("harness setup failed", "error", err)
		os.Exit(127)
	}

	code, err := h.run(ctx, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		slog.Error("harness failed", "mode", h.mode, "error", err)
	}
	stop()
	os.Exit(code)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
