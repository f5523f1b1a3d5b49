package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

const (
	labelManaged = "io.ec2-creator.managed"
	labelName    = "io.ec2-creator.name"
	labelClass   = "io.ec2-creator.class"
	labelStorage = "io.ec2-creator.storage-gb"
)

// DockerClass is the resource shape an instance class maps to.
type DockerClass struct {
	MemoryMB int64
	CPUs     float64
}

// DefaultDockerClasses mirrors the free-tier instance types.
var DefaultDockerClasses = map[string]DockerClass{
	"t3.micro":  {MemoryMB: 1024, CPUs: 2},
	"t4g.micro": {MemoryMB: 1024, CPUs: 2},
}

// dockerAPI is the subset of the Engine client the backend uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// Docker treats labelled containers on a Docker Engine as instances.
type Docker struct {
	cli         dockerAPI
	classes     map[string]DockerClass
	stopTimeout int
	logger      *zap.Logger
}

// NewDocker connects to the engine configured by the DOCKER_* environment.
func NewDocker(classes map[string]DockerClass, logger *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDocker(cli, classes, logger), nil
}

func newDocker(cli dockerAPI, classes map[string]DockerClass, logger *zap.Logger) *Docker {
	if len(classes) == 0 {
		classes = DefaultDockerClasses
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Docker{cli: cli, classes: classes, stopTimeout: 10, logger: logger.Named("docker")}
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(KindTimeout, d.Name(), op, err.Error(), err)
	case client.IsErrConnectionFailed(err):
		return newError(KindUnavailable, d.Name(), op, err.Error(), err)
	case op == "lookup" && errdefs.IsNotFound(err):
		return newError(KindNotFound, d.Name(), op, err.Error(), err)
	default:
		return newError(KindExecution, d.Name(), op, err.Error(), err)
	}
}

func (d *Docker) Create(ctx context.Context, spec models.CreateSpec) (Created, error) {
	class, ok := d.classes[spec.InstanceClass]
	if !ok {
		return Created{}, newError(KindExecution, d.Name(), "create", "unknown instance class "+spec.InstanceClass, nil)
	}
	cfg := &container.Config{
		Image:    spec.ImageID,
		Hostname: spec.Name,
		Labels: map[string]string{
			labelManaged: "true",
			labelName:    spec.Name,
			labelClass:   spec.InstanceClass,
			labelStorage: fmt.Sprint(spec.StorageGB),
		},
	}
	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:   class.MemoryMB << 20,
			NanoCPUs: int64(class.CPUs * 1e9),
		},
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return Created{}, d.classify("create", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("id", resp.ID), zap.String("warning", w))
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Created{}, d.classify("create", err)
	}
	obs, err := d.Lookup(ctx, resp.ID)
	if err != nil {
		// the container exists; the address shows up on the next refresh
		d.logger.Warn("inspect after create failed", zap.String("id", resp.ID), zap.Error(err))
		return Created{ID: resp.ID}, nil
	}
	return Created{ID: resp.ID, PublicAddress: obs.PublicAddress}, nil
}

func (d *Docker) List(ctx context.Context) ([]models.Observed, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, d.classify("list", err)
	}
	out := make([]models.Observed, 0, len(list))
	for _, c := range list {
		var addr string
		if c.NetworkSettings != nil {
			for _, ep := range c.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					addr = ep.IPAddress
					break
				}
			}
		}
		out = append(out, models.Observed{
			ID:            c.ID,
			State:         string(NormalizeState(c.State)),
			PublicAddress: addr,
			InstanceClass: c.Labels[labelClass],
			ImageID:       c.Image,
			LaunchTime:    time.Unix(c.Created, 0).UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

func (d *Docker) Lookup(ctx context.Context, id string) (models.Observed, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return models.Observed{}, d.classify("lookup", err)
	}
	if info.ContainerJSONBase == nil || info.Config == nil || info.Config.Labels[labelManaged] != "true" {
		return models.Observed{}, newError(KindNotFound, d.Name(), "lookup", "container is not managed: "+id, nil)
	}
	obs := models.Observed{
		ID:            info.ID,
		InstanceClass: info.Config.Labels[labelClass],
		ImageID:       info.Config.Image,
		LaunchTime:    info.Created,
	}
	if info.State != nil {
		obs.State = string(NormalizeState(info.State.Status))
	}
	if info.NetworkSettings != nil {
		obs.PublicAddress = info.NetworkSettings.IPAddress
		if obs.PublicAddress == "" {
			for _, ep := range info.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					obs.PublicAddress = ep.IPAddress
					break
				}
			}
		}
	}
	return obs, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return d.classify("start", err)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	timeout := d.stopTimeout
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return d.classify("stop", err)
	}
	return nil
}

func (d *Docker) Destroy(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return d.classify("destroy", err)
	}
	return nil
}
