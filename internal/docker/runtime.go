// Package docker runs the managed container through a local or remote Docker
// Engine instead of the Unraid control plane.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/CageChen/plugdeck/internal/control"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// engine is the subset of the Docker client the runtime uses.
type engine interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
}

// Config configures a Runtime.
type Config struct {
	Container string
	// Host overrides DOCKER_HOST, e.g. tcp://tower.local:2375.
	Host string
	// StopGrace is how long the engine waits before killing the container.
	StopGrace time.Duration
	Logger    *zap.Logger
}

// Runtime implements control.Runtime on the Docker Engine API.
type Runtime struct {
	engine    engine
	container string
	stopGrace time.Duration
	logger    *zap.Logger
}

var _ control.Runtime = (*Runtime)(nil)

// New connects to the engine configured by the environment or cfg.Host.
func New(cfg Config) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newRuntime(cli, cfg), nil
}

func newRuntime(e engine, cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runtime{
		engine:    e,
		container: strings.TrimPrefix(cfg.Container, "/"),
		stopGrace: cfg.StopGrace,
		logger:    cfg.Logger,
	}
}

func (r *Runtime) Container() string {
	return r.container
}

// Status returns the engine's state string: created, running, paused,
// restarting, removing, exited or dead.
func (r *Runtime) Status(ctx context.Context) (string, error) {
	info, err := r.engine.ContainerInspect(ctx, r.container)
	if err != nil {
		return "", r.wrap("inspect", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", nil
	}
	return string(info.State.Status), nil
}

func (r *Runtime) Start(ctx context.Context) error {
	if err := r.engine.ContainerStart(ctx, r.container, container.StartOptions{}); err != nil {
		return r.wrap("start", err)
	}
	r.logger.Debug("container start requested", zap.String("container", r.container))
	return nil
}

func (r *Runtime) Stop(ctx context.Context) error {
	opts := container.StopOptions{}
	if r.stopGrace > 0 {
		secs := int(r.stopGrace.Seconds())
		opts.Timeout = &secs
	}
	if err := r.engine.ContainerStop(ctx, r.container, opts); err != nil {
		return r.wrap("stop", err)
	}
	r.logger.Debug("container stop requested", zap.String("container", r.container))
	return nil
}

func (r *Runtime) wrap(op string, err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, r.container, control.ErrContainerNotFound)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, r.container, err)
}
