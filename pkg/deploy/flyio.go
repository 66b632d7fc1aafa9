package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentfleet/fleetd/pkg/models"
)

// DefaultFlyAPIBase is the public Fly.io Machines API endpoint.
const DefaultFlyAPIBase = "https://api.machines.dev/v1"

// flyMachine is the subset of the Machines API machine object the
// adapter reads.
type flyMachine struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	State  string           `json:"state"`
	Region string           `json:"region,omitempty"`
	Config flyMachineConfig `json:"config"`
}

type flyMachineConfig struct {
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
	Guest *flyGuest         `json:"guest,omitempty"`
}

type flyGuest struct {
	CPUKind  string `json:"cpu_kind,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
}

type flyCreateMachineRequest struct {
	Name   string           `json:"name"`
	Region string           `json:"region,omitempty"`
	Config flyMachineConfig `json:"config"`
}

// FlyDeployer runs agent workloads as Fly.io machines, one machine per
// agent inside the app named by the deployment spec.
type FlyDeployer struct {
	api *restClient
}

// NewFlyDeployer creates an adapter against the public Machines API.
func NewFlyDeployer(token string) *FlyDeployer {
	return NewFlyDeployerWithBase(DefaultFlyAPIBase, token)
}

// NewFlyDeployerWithBase creates an adapter against a specific API base
// URL (used by tests).
func NewFlyDeployerWithBase(baseURL, token string) *FlyDeployer {
	return &FlyDeployer{api: newRESTClient("flyio", baseURL, token)}
}

func (d *FlyDeployer) machineConfig(agentID string, cfg models.AgentConfig) flyMachineConfig {
	env := make(map[string]string, len(cfg.Deployment.Env)+3)
	for k, v := range cfg.Deployment.Env {
		env[k] = v
	}
	env["FLEETD_AGENT_ID"] = agentID
	env["FLEETD_AGENT_NAME"] = cfg.Name
	env["FLEETD_MODEL_ID"] = cfg.Model.ModelID

	mc := flyMachineConfig{Image: cfg.Deployment.Image, Env: env}
	if cfg.Deployment.Resources.MemoryMB > 0 || cfg.Deployment.Resources.CPUMillis > 0 {
		guest := &flyGuest{CPUKind: "shared"}
		if cfg.Deployment.Resources.MemoryMB > 0 {
			guest.MemoryMB = cfg.Deployment.Resources.MemoryMB
		}
		if cfg.Deployment.Resources.CPUMillis > 0 {
			cpus := (cfg.Deployment.Resources.CPUMillis + 999) / 1000
			if cpus < 1 {
				cpus = 1
			}
			guest.CPUs = cpus
		}
		mc.Guest = guest
	}
	return mc
}

// findMachine looks up the agent's machine by its deterministic name.
// Returns nil when no machine exists yet.
func (d *FlyDeployer) findMachine(ctx context.Context, app, name string) (*flyMachine, error) {
	var machines []flyMachine
	if err := d.api.do(ctx, http.MethodGet, "/apps/"+app+"/machines", nil, &machines); err != nil {
		return nil, err
	}
	for i := range machines {
		if machines[i].Name == name {
			return &machines[i], nil
		}
	}
	return nil, nil
}

func (d *FlyDeployer) app(cfg models.AgentConfig) (string, error) {
	if cfg.Deployment.App == "" {
		return "", fmt.Errorf("deployment app is required for fly target")
	}
	return cfg.Deployment.App, nil
}

// Deploy creates the agent's machine, or replaces its configuration when
// one already exists.
func (d *FlyDeployer) Deploy(ctx context.Context, agentID string, cfg models.AgentConfig, progress ProgressFunc) error {
	if cfg.Deployment.Image == "" {
		return fmt.Errorf("deployment image is required for fly target")
	}
	app, err := d.app(cfg)
	if err != nil {
		return err
	}
	name := workloadName(agentID)

	progress("provisioning", "resolving machine "+name)
	existing, err := d.findMachine(ctx, app, name)
	if err != nil {
		return fmt.Errorf("machine lookup failed: %w", err)
	}

	req := flyCreateMachineRequest{
		Name:   name,
		Region: cfg.Deployment.Region,
		Config: d.machineConfig(agentID, cfg),
	}

	if existing != nil {
		progress("deploying", "updating machine "+existing.ID)
		if err := d.api.do(ctx, http.MethodPost, "/apps/"+app+"/machines/"+existing.ID, req, nil); err != nil {
			return fmt.Errorf("machine update failed: %w", err)
		}
		return nil
	}

	progress("deploying", "creating machine "+name)
	var created flyMachine
	if err := d.api.do(ctx, http.MethodPost, "/apps/"+app+"/machines", req, &created); err != nil {
		return fmt.Errorf("machine create failed: %w", err)
	}
	progress("starting", "machine "+created.ID+" starting")
	return nil
}

func (d *FlyDeployer) machineAction(ctx context.Context, agentID string, cfg models.AgentConfig, action string) error {
	app, err := d.app(cfg)
	if err != nil {
		return err
	}
	m, err := d.findMachine(ctx, app, workloadName(agentID))
	if err != nil {
		return fmt.Errorf("machine lookup failed: %w", err)
	}
	if m == nil {
		return nil
	}
	if err := d.api.do(ctx, http.MethodPost, "/apps/"+app+"/machines/"+m.ID+"/"+action, nil, nil); err != nil {
		return fmt.Errorf("machine %s failed: %w", action, err)
	}
	return nil
}

// Stop stops the agent's machine. A missing machine is already stopped.
func (d *FlyDeployer) Stop(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	return d.machineAction(ctx, agentID, cfg, "stop")
}

// Restart restarts the agent's machine in place.
func (d *FlyDeployer) Restart(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	return d.machineAction(ctx, agentID, cfg, "restart")
}

// UpdateConfig pushes the new configuration to the existing machine.
func (d *FlyDeployer) UpdateConfig(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	app, err := d.app(cfg)
	if err != nil {
		return err
	}
	m, err := d.findMachine(ctx, app, workloadName(agentID))
	if err != nil {
		return fmt.Errorf("machine lookup failed: %w", err)
	}
	if m == nil {
		return errors.New("no machine to update")
	}
	req := flyCreateMachineRequest{
		Name:   m.Name,
		Region: cfg.Deployment.Region,
		Config: d.machineConfig(agentID, cfg),
	}
	if err := d.api.do(ctx, http.MethodPost, "/apps/"+app+"/machines/"+m.ID, req, nil); err != nil {
		return fmt.Errorf("machine update failed: %w", err)
	}
	return nil
}

// GetStatus maps the machine state to a Status. Fly reports "started"
// for a running machine.
func (d *FlyDeployer) GetStatus(ctx context.Context, agentID string, cfg models.AgentConfig) (Status, error) {
	app, err := d.app(cfg)
	if err != nil {
		return Status{}, err
	}
	m, err := d.findMachine(ctx, app, workloadName(agentID))
	if err != nil {
		return Status{}, fmt.Errorf("machine lookup failed: %w", err)
	}
	if m == nil {
		return Status{Detail: "absent"}, nil
	}
	running := m.State == "started"
	return Status{Running: running, Healthy: running, Detail: m.State}, nil
}
