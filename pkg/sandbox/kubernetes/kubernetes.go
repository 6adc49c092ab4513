// Package kubernetes runs sandboxes as agent-sandbox pods. Each execution
// claims a pod from a SandboxTemplate, execs the wrapped command in it over
// SPDY, and deletes the claim on Close.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/sandbox"
)

// Config configures the Kubernetes runtime.
type Config struct {
	Namespace    string
	Template     string
	Kubeconfig   string // empty uses the in-cluster config
	Container    string // empty execs in the pod's only container
	ReadyTimeout time.Duration
	Shell        string // default: /bin/sh
}

// podExecutor runs a command in a pod and streams its output. It returns
// a utilexec.ExitError when the command exits non-zero.
type podExecutor interface {
	Exec(ctx context.Context, pod, container string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error
}

// Runtime starts executions in claimed sandbox pods.
type Runtime struct {
	acquirer *ClaimAcquirer
	exec     podExecutor
	cfg      Config
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New builds controller-runtime and client-go clients from the configured
// kubeconfig (or the in-cluster environment).
func New(cfg Config) (*Runtime, error) {
	if cfg.Template == "" {
		return nil, errors.New("kubernetes runtime requires a sandbox template")
	}

	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}

	crScheme, err := NewScheme()
	if err != nil {
		return nil, err
	}
	c, err := client.New(restCfg, client.Options{Scheme: crScheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes clientset: %w", err)
	}

	return newRuntime(c, &spdyExecutor{
		config:    restCfg,
		clientset: clientset,
		namespace: cfg.Namespace,
	}, cfg), nil
}

func newRuntime(c client.Client, exec podExecutor, cfg Config) *Runtime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Runtime{
		acquirer: NewClaimAcquirer(c, cfg.Template, cfg.Namespace, cfg.ReadyTimeout),
		exec:     exec,
		cfg:      cfg,
	}
}

// Name returns "kubernetes".
func (r *Runtime) Name() string { return "kubernetes" }

// Start claims a sandbox pod and begins executing spec in it. Exec errors
// after this point surface through Stdout and Wait.
func (r *Runtime) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Session, error) {
	pod, release, err := r.acquirer.Acquire(ctx)
	if err != nil {
		return nil, &sandbox.StartError{Runtime: r.Name(), Stage: sandbox.StageClaim, Err: err}
	}

	execCtx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	s := &session{
		pod:     pod,
		release: release,
		cancel:  cancel,
		stdoutR: pr,
		stdoutW: pw,
		stderr:  &sandbox.TailBuffer{},
		done:    make(chan struct{}),
	}

	cmd := execCommand(r.cfg.Shell, spec)
	go func() {
		defer close(s.done)
		s.finish(r.exec.Exec(execCtx, pod, r.cfg.Container, cmd, strings.NewReader(spec.Stdin), pw, s.stderr))
		if s.exitErr != nil {
			pw.CloseWithError(s.exitErr)
			return
		}
		pw.Close()
	}()

	debug.Log("sandbox", "pod exec started", "pod", pod, "namespace", r.cfg.Namespace)
	return s, nil
}

// execCommand prefixes the wrapped command with env(1), since the exec
// subresource has no way to set environment variables.
func execCommand(shell string, spec sandbox.Spec) []string {
	env := sandbox.EnvList(spec)
	cmd := make([]string, 0, 1+len(env)+len(spec.Command)+5)
	cmd = append(cmd, "env")
	cmd = append(cmd, env...)
	return append(cmd, sandbox.WrapCommand(shell, spec.Command)...)
}

type session struct {
	pod     string
	release func()
	cancel  context.CancelFunc

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *sandbox.TailBuffer
	done    chan struct{}

	// set before done is closed
	exitCode int
	exitErr  error

	closeOnce sync.Once
}

func (s *session) finish(err error) {
	var exitErr utilexec.ExitError
	switch {
	case err == nil:
		s.exitCode = 0
	case errors.As(err, &exitErr):
		s.exitCode = exitErr.ExitStatus()
	default:
		s.exitCode = -1
		s.exitErr = &sandbox.StartError{Runtime: "kubernetes", Stage: sandbox.StageExec, Err: err}
	}
}

func (s *session) ID() string { return s.pod }

func (s *session) Stdout() io.Reader { return s.stdoutR }

func (s *session) Stderr() string { return s.stderr.String() }

func (s *session) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, s.exitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Close aborts the exec stream and deletes the claim, which removes the pod.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.stdoutW.CloseWithError(sandbox.ErrClosed)
		s.cancel()
		s.release()
	})
	return nil
}

type spdyExecutor struct {
	config    *rest.Config
	clientset kubernetes.Interface
	namespace string
}

func (e *spdyExecutor) Exec(ctx context.Context, pod, container string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error {
	req := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(e.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   cmd,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
}
