package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/capture"
	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/executor"
	"github.com/rhuss/sandout/pkg/sandbox"
	"github.com/rhuss/sandout/pkg/sandbox/docker"
	"github.com/rhuss/sandout/pkg/sandbox/process"
	"github.com/rhuss/sandout/pkg/transport"
)

// requestFlags are shared by run and exec.
type requestFlags struct {
	stdin     string
	stdinFile string
	timeout   time.Duration
	image     string
	env       map[string]string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.stdin, "stdin", "", "text written to the program's standard input")
	cmd.Flags().StringVar(&f.stdinFile, "stdin-file", "", "file written to the program's standard input (- for stdin)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "capture timeout (default: server default)")
	cmd.Flags().StringVar(&f.image, "image", "", "sandbox image (container runtimes)")
	cmd.Flags().StringToStringVarP(&f.env, "env", "e", nil, "environment variables KEY=VALUE")
}

func (f *requestFlags) request(command []string) (*api.CreateExecutionRequest, error) {
	req := &api.CreateExecutionRequest{
		Command:        command,
		Stdin:          f.stdin,
		Image:          f.image,
		TimeoutSeconds: int(f.timeout.Round(time.Second) / time.Second),
		Env:            f.env,
	}
	switch f.stdinFile {
	case "":
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		req.Stdin = string(data)
	default:
		data, err := os.ReadFile(f.stdinFile)
		if err != nil {
			return nil, fmt.Errorf("reading stdin file: %w", err)
		}
		req.Stdin = string(data)
	}
	return req, nil
}

var (
	runFlags   requestFlags
	runRuntime string
	runShell   string
	runWrapper []string
	runDebug   string
	runBuffer  int
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- COMMAND [ARGS...]",
	Short: "Run a command locally and print its captured output",
	Long: `Run a command through a local sandbox runtime without a server.

The process runtime runs the command as a child process, optionally behind
a wrapper such as bubblewrap. The docker runtime uses the local Docker
Engine.

Examples:
  sandout run -- python3 -c 'print("hi")'
  sandout run --timeout 5s -- sh -c 'sleep 10'
  sandout run --wrapper bwrap,--unshare-all,--ro-bind,/,/ -- id
  sandout run --runtime docker --image alpine:3 -- uname -a`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLocal,
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().StringVar(&runRuntime, "runtime", "process", "sandbox runtime: process or docker")
	runCmd.Flags().StringVar(&runShell, "shell", "/bin/sh", "shell used to print the end marker")
	runCmd.Flags().StringSliceVar(&runWrapper, "wrapper", nil, "argv prefix for the process runtime")
	runCmd.Flags().StringVar(&runDebug, "debug", "", "debug categories (e.g. capture,sandbox)")
	runCmd.Flags().IntVar(&runBuffer, "buffer-size", capture.DefaultBufferSize, "capture buffer size in bytes")
	rootCmd.AddCommand(runCmd)
}

func runLocal(cmd *cobra.Command, args []string) error {
	debug.Init(debug.Options{Categories: runDebug, Level: "WARN"})

	rt, closeRuntime, err := localRuntime()
	if err != nil {
		return err
	}
	defer closeRuntime()

	reader := capture.NewReader(capture.Options{ByteBufferSize: runBuffer, CharBufferSize: runBuffer})
	exec, err := executor.New(rt, nil, reader, executor.Config{
		Image:      runFlags.image,
		Validation: api.DefaultValidationConfig(),
	})
	if err != nil {
		return err
	}

	req, err := runFlags.request(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &collectWriter{}
	if err := exec.CreateExecution(ctx, req, w); err != nil {
		return describe(err)
	}
	if err := printExecution(cmd.OutOrStdout(), w.exec); err != nil {
		return err
	}
	return nil
}

func localRuntime() (sandbox.Runtime, func(), error) {
	switch runRuntime {
	case "process":
		return process.New(process.Config{Shell: runShell, Wrapper: runWrapper}), func() {}, nil
	case "docker":
		image := runFlags.image
		if image == "" {
			image = "alpine:3"
		}
		rt, err := docker.New(docker.Config{Image: image, Shell: runShell, User: "65534:65534"})
		if err != nil {
			return nil, nil, err
		}
		return rt, func() { rt.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown runtime %q (want process or docker)", runRuntime)
	}
}

// describe renders executor errors the way the server would.
func describe(err error) error {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Param != "" {
			return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Param)
		}
		return errors.New(apiErr.Message)
	}
	return err
}

// collectWriter keeps the final record of a local execution.
type collectWriter struct {
	exec *api.Execution
}

var _ transport.ExecutionWriter = (*collectWriter)(nil)

func (w *collectWriter) Accepted(context.Context, *api.Execution) {}

func (w *collectWriter) WriteExecution(_ context.Context, exec *api.Execution) error {
	if w.exec != nil {
		return errors.New("execution already written")
	}
	w.exec = exec
	return nil
}
