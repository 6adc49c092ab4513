// Package docker runs sandboxes as Docker containers through the Engine
// API. Each execution gets a fresh container with networking disabled and
// resource limits applied; the container is force-removed on Close.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/sandbox"
)

const (
	managedLabelKey   = "sandout.managed"
	managedLabelValue = "true"

	removeTimeout = 15 * time.Second
)

// dockerAPI is the subset of the Engine client the runtime uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Config configures the Docker runtime.
type Config struct {
	Image      string // used when a spec names no image
	OCIRuntime string // e.g. "runsc"
	User       string // e.g. "65534:65534"
	Shell      string // default: /bin/sh
}

// Runtime starts containers.
type Runtime struct {
	api dockerAPI
	cfg Config
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New connects to the daemon named by the standard Docker environment
// variables (DOCKER_HOST and friends).
func New(cfg Config) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newRuntime(cli, cfg), nil
}

func newRuntime(api dockerAPI, cfg Config) *Runtime {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Runtime{api: api, cfg: cfg}
}

// Name returns "docker".
func (r *Runtime) Name() string { return "docker" }

// Close releases the Engine client.
func (r *Runtime) Close() error { return r.api.Close() }

// Start creates, attaches to, and starts a container for spec. Stdin is
// written and half-closed in the background.
func (r *Runtime) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Session, error) {
	img := spec.Image
	if img == "" {
		img = r.cfg.Image
	}

	containerCfg, hostCfg := r.containerConfig(img, spec)

	created, err := r.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if errdefs.IsNotFound(err) {
		debug.Log("sandbox", "image not present, pulling", "image", img)
		if pullErr := r.pull(ctx, img); pullErr != nil {
			return nil, r.startError(sandbox.StagePull, pullErr)
		}
		created, err = r.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return nil, r.startError(sandbox.StageCreate, err)
	}

	s := &session{
		api:       r.api,
		id:        created.ID,
		stderr:    &sandbox.TailBuffer{},
		demuxDone: make(chan struct{}),
	}

	hijack, err := r.api.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		s.remove()
		return nil, r.startError(sandbox.StageAttach, err)
	}
	s.hijack = hijack

	if err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		hijack.Close()
		s.remove()
		return nil, r.startError(sandbox.StageStart, err)
	}

	s.stdoutR, s.stdoutW = io.Pipe()
	go s.writeStdin(spec.Stdin)
	go s.demux()

	debug.Log("sandbox", "container started", "id", shortID(created.ID), "image", img)
	return s, nil
}

func (r *Runtime) containerConfig(img string, spec sandbox.Spec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           img,
		Cmd:             sandbox.WrapCommand(r.cfg.Shell, spec.Command),
		Env:             sandbox.EnvList(spec),
		User:            r.cfg.User,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: !spec.Limits.Network,
		Labels: map[string]string{
			managedLabelKey: managedLabelValue,
		},
	}

	host := &container.HostConfig{
		Runtime:     r.cfg.OCIRuntime,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if !spec.Limits.Network {
		host.NetworkMode = container.NetworkMode("none")
	}
	if spec.Limits.MemoryMB > 0 {
		host.Resources.Memory = spec.Limits.MemoryMB << 20
		host.Resources.MemorySwap = host.Resources.Memory
	}
	if spec.Limits.CPUs > 0 {
		host.Resources.NanoCPUs = int64(spec.Limits.CPUs * 1e9)
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		host.Resources.PidsLimit = &pids
	}
	return cfg, host
}

func (r *Runtime) pull(ctx context.Context, ref string) error {
	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (r *Runtime) startError(stage sandbox.Stage, err error) error {
	return &sandbox.StartError{Runtime: r.Name(), Stage: stage, Err: err}
}

type session struct {
	api    dockerAPI
	id     string
	hijack types.HijackedResponse

	stdoutR   *io.PipeReader
	stdoutW   *io.PipeWriter
	stderr    *sandbox.TailBuffer
	demuxDone chan struct{}

	closeOnce sync.Once
}

func (s *session) ID() string { return s.id }

func (s *session) Stdout() io.Reader { return s.stdoutR }

func (s *session) Stderr() string { return s.stderr.String() }

func (s *session) writeStdin(stdin string) {
	if stdin != "" {
		if _, err := io.WriteString(s.hijack.Conn, stdin); err != nil {
			debug.Log("sandbox", "writing stdin failed", "id", shortID(s.id), "error", err)
		}
	}
	if err := s.hijack.CloseWrite(); err != nil {
		debug.Log("sandbox", "closing stdin failed", "id", shortID(s.id), "error", err)
	}
}

// demux splits the multiplexed attach stream. The hijacked connection
// ignores contexts, so this goroutine ends only on EOF or Close.
func (s *session) demux() {
	defer close(s.demuxDone)
	_, err := stdcopy.StdCopy(s.stdoutW, s.stderr, s.hijack.Reader)
	if err != nil {
		s.stdoutW.CloseWithError(err)
		return
	}
	s.stdoutW.Close()
}

func (s *session) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := s.api.ContainerWait(ctx, s.id, container.WaitConditionNotRunning)
	for statusCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case status, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			if status.Error != nil && status.Error.Message != "" {
				return int(status.StatusCode), errors.New(status.Error.Message)
			}
			return int(status.StatusCode), nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return -1, fmt.Errorf("waiting for container: %w", err)
			}
		}
	}
	return -1, errors.New("container wait finished without status")
}

// Close closes the attach stream, fails pending stdout reads, and
// force-removes the container.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// The first close error wins, so demux cannot replace ErrClosed.
		s.stdoutW.CloseWithError(sandbox.ErrClosed)
		s.hijack.Close()
		<-s.demuxDone
		err = s.remove()
	})
	return err
}

func (s *session) remove() error {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := s.api.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("removing sandbox container", "id", shortID(s.id), "error", err)
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
