package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// installTimeout bounds package installation.
const installTimeout = 2 * time.Minute

type harnessConfig struct {
	Mode         string
	Requirements []string
	PythonIndex  string
	MaxCodeBytes int
}

type harness struct {
	mode string
	cfg  harnessConfig
}

// interpreters maps each mode to the binary that must be on PATH.
var interpreters = map[string]string{
	"python": "python3",
	"golang": "go",
	"node":   "node",
	"shell":  "bash",
}

// detectionOrder is the order in which modes are tried when none is set.
var detectionOrder = []string{"python", "golang", "node", "shell"}

func newHarness(cfg harnessConfig) (*harness, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = detectMode()
		if mode == "" {
			return nil, errors.New("no supported runtime found in PATH (tried: python3, go, node, bash)")
		}
	} else if err := validateMode(mode); err != nil {
		return nil, err
	}
	return &harness{mode: mode, cfg: cfg}, nil
}

func detectMode() string {
	for _, mode := range detectionOrder {
		if _, err := exec.LookPath(interpreters[mode]); err == nil {
			return mode
		}
	}
	return ""
}

func validateMode(mode string) error {
	bin, ok := interpreters[mode]
	if !ok {
		return fmt.Errorf("unsupported mode %q (supported: python, golang, node, shell)", mode)
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("mode=%s but %q not found in PATH", mode, bin)
	}
	return nil
}

// modeConfig returns the interpreter argv, the script extension, and extra
// environment for the active mode.
func (h *harness) modeConfig(workDir string) (argv []string, ext string, env []string) {
	switch h.mode {
	case "python":
		return []string{"python3"}, ".py", []string{"PYTHONPATH=" + filepath.Join(workDir, ".pylibs")}
	case "golang":
		return []string{"go", "run"}, ".go", []string{"GOCACHE=" + filepath.Join(workDir, ".gocache")}
	case "node":
		return []string{"node"}, ".js", nil
	default:
		return []string{"bash"}, ".sh", nil
	}
}

// run executes the program read from src and returns its exit code.
// Harness failures return 127 alongside the error.
func (h *harness) run(ctx context.Context, src io.Reader, stdout, stderr io.Writer) (int, error) {
	code, err := io.ReadAll(io.LimitReader(src, int64(h.cfg.MaxCodeBytes)+1))
	if err != nil {
		return 127, fmt.Errorf("reading program: %w", err)
	}
	if len(code) > h.cfg.MaxCodeBytes {
		return 127, fmt.Errorf("program exceeds %d bytes", h.cfg.MaxCodeBytes)
	}
	if len(code) == 0 {
		return 127, errors.New("empty program on stdin")
	}

	workDir, err := os.MkdirTemp("", "sandout-run-*")
	if err != nil {
		return 127, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if len(h.cfg.Requirements) > 0 {
		if err := h.install(ctx, workDir, stderr); err != nil {
			return 127, fmt.Errorf("installing requirements: %w", err)
		}
	}

	argv, ext, env := h.modeConfig(workDir)
	script := filepath.Join(workDir, "main"+ext)
	if err := os.WriteFile(script, code, 0o600); err != nil {
		return 127, fmt.Errorf("writing program: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], script)...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	slog.Debug("program finished", "mode", h.mode, "duration", time.Since(start), "error", err)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return 128 + int(syscallSignal(exitErr)), nil
	default:
		return 127, fmt.Errorf("starting %s: %w", argv[0], err)
	}
}

// install fetches requirements for modes that have a package manager.
// Installer output goes to stderr so stdout stays the program's.
func (h *harness) install(ctx context.Context, workDir string, stderr io.Writer) error {
	var name string
	var args []string
	switch h.mode {
	case "python":
		name = "uv"
		args = []string{"pip", "install", "--system", "--target", filepath.Join(workDir, ".pylibs"), "--index-url", h.cfg.PythonIndex}
	case "node":
		name = "npm"
		args = []string{"install", "--no-fund", "--no-audit"}
	default:
		slog.Info("requirements ignored for mode", "mode", h.mode)
		return nil
	}

	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	cmd := exec.CommandContext(installCtx, name, append(args, h.cfg.Requirements...)...)
	cmd.Dir = workDir
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	return cmd.Run()
}
