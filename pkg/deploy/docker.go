package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/agentfleet/fleetd/pkg/models"
)

const stopGraceSeconds = 10

// dockerAPI is the subset of the Docker engine client the adapter uses,
// extracted so tests can run against a fake engine.
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

var _ dockerAPI = (*client.Client)(nil)

// DockerDeployer runs agent workloads as local containers through the
// Docker engine API. One container per agent, named after the agent ID,
// recreated wholesale on every deploy.
type DockerDeployer struct {
	api    dockerAPI
	logger *slog.Logger
}

// NewDockerDeployer connects to the Docker engine using environment
// configuration (DOCKER_HOST and friends).
func NewDockerDeployer() (*DockerDeployer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerDeployer(cli), nil
}

func newDockerDeployer(api dockerAPI) *DockerDeployer {
	return &DockerDeployer{
		api:    api,
		logger: slog.Default().With("component", "deploy.docker"),
	}
}

// workloadName is the deterministic container name for an agent.
func workloadName(agentID string) string {
	return "fleetd-" + agentID
}

// containerEnv renders the deployment env map plus the agent's own
// identity variables in sorted order so recreated containers diff cleanly.
func containerEnv(agentID string, cfg models.AgentConfig) []string {
	env := make(map[string]string, len(cfg.Deployment.Env)+3)
	for k, v := range cfg.Deployment.Env {
		env[k] = v
	}
	env["FLEETD_AGENT_ID"] = agentID
	env["FLEETD_AGENT_NAME"] = cfg.Name
	env["FLEETD_MODEL_ID"] = cfg.Model.ModelID

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Deploy pulls the image, replaces any previous container for the agent,
// and starts a fresh one.
func (d *DockerDeployer) Deploy(ctx context.Context, agentID string, cfg models.AgentConfig, progress ProgressFunc) error {
	img := cfg.Deployment.Image
	if img == "" {
		return fmt.Errorf("deployment image is required for container target")
	}

	progress("provisioning", "pulling image "+img)
	rc, err := d.api.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	// The pull completes only once the response stream is drained.
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()

	name := workloadName(agentID)

	// Replace any previous incarnation. Removal of an absent container is
	// not an error worth surfacing.
	_ = d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if cfg.Deployment.Resources.CPUMillis > 0 {
		hostCfg.NanoCPUs = int64(cfg.Deployment.Resources.CPUMillis) * 1_000_000
	}
	if cfg.Deployment.Resources.MemoryMB > 0 {
		hostCfg.Memory = int64(cfg.Deployment.Resources.MemoryMB) << 20
	}

	progress("deploying", "creating container "+name)
	created, err := d.api.ContainerCreate(ctx, &container.Config{
		Image: img,
		Env:   containerEnv(agentID, cfg),
		Labels: map[string]string{
			"fleetd.agent_id":   agentID,
			"fleetd.agent_name": cfg.Name,
		},
	}, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}

	progress("starting", "starting container "+name)
	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}

	d.logger.Info("Container started", "agent_id", agentID, "container_id", created.ID)
	return nil
}

// Stop halts and removes the agent's container.
func (d *DockerDeployer) Stop(ctx context.Context, agentID string, _ models.AgentConfig) error {
	name := workloadName(agentID)
	timeout := stopGraceSeconds
	if err := d.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		// The container may already be gone; removal below settles it.
		d.logger.Debug("Container stop returned error", "agent_id", agentID, "error", err)
	}
	if err := d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Restart restarts the container in place.
func (d *DockerDeployer) Restart(ctx context.Context, agentID string, _ models.AgentConfig) error {
	name := workloadName(agentID)
	timeout := stopGraceSeconds
	if err := d.api.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", name, err)
	}
	return nil
}

// UpdateConfig recreates the container with the new configuration.
// Containers have no in-place env or image update.
func (d *DockerDeployer) UpdateConfig(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	return d.Deploy(ctx, agentID, cfg, func(string, string) {})
}

// GetStatus inspects the container and maps engine state to a Status.
func (d *DockerDeployer) GetStatus(ctx context.Context, agentID string, _ models.AgentConfig) (Status, error) {
	inspect, err := d.api.ContainerInspect(ctx, workloadName(agentID))
	if err != nil {
		return Status{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return Status{Detail: "unknown"}, nil
	}

	status := Status{
		Running: inspect.State.Running,
		Detail:  inspect.State.Status,
	}
	// Without a HEALTHCHECK the engine reports no health; treat a running
	// container as healthy in that case.
	if inspect.State.Health != nil {
		status.Healthy = inspect.State.Health.Status == container.Healthy
		status.Detail = inspect.State.Status + "/" + inspect.State.Health.Status
	} else {
		status.Healthy = inspect.State.Running
	}
	return status, nil
}
