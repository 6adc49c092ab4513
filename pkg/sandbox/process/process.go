// Package process runs sandboxed programs as local child processes. An
// optional wrapper prefix (for example bubblewrap or nsjail) provides the
// isolation; without one the program runs with the server's privileges,
// which is only suitable for development and the CLI.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/sandbox"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Config configures the process runtime.
type Config struct {
	Shell   string   // default: /bin/sh
	Wrapper []string // argv prefix placed before the shell
	WorkDir string   // empty uses the server's working directory
}

// Runtime starts local processes.
type Runtime struct {
	cfg Config
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New creates a process runtime.
func New(cfg Config) *Runtime {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Runtime{cfg: cfg}
}

// Name returns "process".
func (r *Runtime) Name() string { return "process" }

// Start launches spec.Command. spec.Image and spec.Limits are ignored;
// the wrapper is responsible for confinement.
func (r *Runtime) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &sandbox.StartError{Runtime: r.Name(), Stage: sandbox.StageStart, Err: err}
	}

	argv := append(append([]string{}, r.cfg.Wrapper...), sandbox.WrapCommand(r.cfg.Shell, spec.Command)...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append([]string{"PATH=" + defaultPath}, sandbox.EnvList(spec)...)
	cmd.Stdin = strings.NewReader(spec.Stdin)
	setProcessGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &sandbox.StartError{Runtime: r.Name(), Stage: sandbox.StageCreate, Err: err}
	}
	s := &session{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: &sandbox.TailBuffer{},
		done:   make(chan struct{}),
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = s.stderr

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &sandbox.StartError{Runtime: r.Name(), Stage: sandbox.StageStart, Err: err}
	}
	// The child holds its own copy; closing ours lets EOF arrive on exit.
	stdoutW.Close()

	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()

	debug.Log("sandbox", "process started", "pid", cmd.Process.Pid, "argv0", argv[0])
	return s, nil
}

type session struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *sandbox.TailBuffer

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (s *session) ID() string { return strconv.Itoa(s.cmd.Process.Pid) }

func (s *session) Stdout() io.Reader { return stdoutReader{s.stdout} }

// stdoutReader reports reads on the closed pipe as sandbox.ErrClosed.
type stdoutReader struct{ f *os.File }

func (r stdoutReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if errors.Is(err, os.ErrClosed) {
		err = sandbox.ErrClosed
	}
	return n, err
}

func (s *session) Stderr() string { return s.stderr.String() }

func (s *session) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case s.waitErr == nil:
		return 0, nil
	case errors.As(s.waitErr, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, fmt.Errorf("waiting for process: %w", s.waitErr)
	}
}

// Close kills the process group and closes the stdout pipe, which makes
// any pending read fail.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		select {
		case <-s.done:
		default:
			if err := killProcessGroup(s.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
				slog.Warn("killing sandbox process", "pid", s.cmd.Process.Pid, "error", err)
			}
		}
		s.stdout.Close()
	})
	return nil
}
