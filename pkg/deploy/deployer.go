// Package deploy contains the deployment orchestrator and its target
// adapters. Each adapter knows how to run an agent workload on one target
// kind (local container, remote shell host, or a managed platform); the
// orchestrator dispatches on the configured target and reports progress
// back to the lifecycle manager.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentfleet/fleetd/pkg/models"
)

// ErrUnknownTarget is returned when a configuration names a deployment
// target no adapter is registered for.
var ErrUnknownTarget = errors.New("unknown deployment target")

// ProgressFunc receives coarse progress notifications during a deploy so
// the caller can surface intermediate lifecycle states.
type ProgressFunc func(stage, message string)

// Status is a point-in-time view of a deployed workload as reported by
// its target adapter.
type Status struct {
	// Running reports whether the workload process exists and is not
	// stopped.
	Running bool
	// Healthy reports whether the target considers the workload healthy.
	// Targets without health reporting mirror Running here.
	Healthy bool
	// Detail is the target's own status string, for logs and diagnostics.
	Detail string
}

// Deployer runs agent workloads on one target kind. Implementations must
// be safe for concurrent use; the lifecycle manager calls them from
// per-agent goroutines.
type Deployer interface {
	// Deploy provisions and starts the workload described by cfg. It
	// blocks until the target has accepted the workload; readiness is
	// observed separately through GetStatus.
	Deploy(ctx context.Context, agentID string, cfg models.AgentConfig, progress ProgressFunc) error

	// Stop halts the workload. Stopping an absent workload is not an
	// error.
	Stop(ctx context.Context, agentID string, cfg models.AgentConfig) error

	// Restart stops and starts the workload in place.
	Restart(ctx context.Context, agentID string, cfg models.AgentConfig) error

	// UpdateConfig applies a changed configuration to a running workload.
	// Targets without in-place update recreate the workload.
	UpdateConfig(ctx context.Context, agentID string, cfg models.AgentConfig) error

	// GetStatus reports the workload's current state.
	GetStatus(ctx context.Context, agentID string, cfg models.AgentConfig) (Status, error)
}

// Registry maps deployment target names to adapters.
type Registry struct {
	mu        sync.RWMutex
	deployers map[string]Deployer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{deployers: make(map[string]Deployer)}
}

// Register adds an adapter for a target name, replacing any previous one.
func (r *Registry) Register(target string, d Deployer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployers[target] = d
	slog.Info("Registered deployment target", "target", target)
}

// Get returns the adapter for a target name.
func (r *Registry) Get(target string) (Deployer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployers[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return d, nil
}

// Targets returns the registered target names.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.deployers))
	for t := range r.deployers {
		out = append(out, t)
	}
	return out
}

// Orchestrator dispatches deployment operations to the adapter selected
// by each agent's configured target.
type Orchestrator struct {
	registry *Registry
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator over a registry.
func NewOrchestrator(registry *Registry) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		logger:   slog.Default().With("component", "deploy.orchestrator"),
	}
}

// Registry exposes the underlying registry for target introspection.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

func (o *Orchestrator) deployerFor(cfg models.AgentConfig) (Deployer, error) {
	return o.registry.Get(cfg.Deployment.Target)
}

// Deploy dispatches a deploy to the configured target adapter.
func (o *Orchestrator) Deploy(ctx context.Context, agentID string, cfg models.AgentConfig, progress ProgressFunc) error {
	d, err := o.deployerFor(cfg)
	if err != nil {
		return err
	}
	if progress == nil {
		progress = func(string, string) {}
	}
	o.logger.Info("Deploying agent workload",
		"agent_id", agentID, "target", cfg.Deployment.Target)
	if err := d.Deploy(ctx, agentID, cfg, progress); err != nil {
		return fmt.Errorf("deploy on target %s failed: %w", cfg.Deployment.Target, err)
	}
	return nil
}

// Stop dispatches a stop to the configured target adapter.
func (o *Orchestrator) Stop(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	d, err := o.deployerFor(cfg)
	if err != nil {
		return err
	}
	o.logger.Info("Stopping agent workload",
		"agent_id", agentID, "target", cfg.Deployment.Target)
	if err := d.Stop(ctx, agentID, cfg); err != nil {
		return fmt.Errorf("stop on target %s failed: %w", cfg.Deployment.Target, err)
	}
	return nil
}

// Restart dispatches a restart to the configured target adapter.
func (o *Orchestrator) Restart(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	d, err := o.deployerFor(cfg)
	if err != nil {
		return err
	}
	o.logger.Info("Restarting agent workload",
		"agent_id", agentID, "target", cfg.Deployment.Target)
	if err := d.Restart(ctx, agentID, cfg); err != nil {
		return fmt.Errorf("restart on target %s failed: %w", cfg.Deployment.Target, err)
	}
	return nil
}

// UpdateConfig dispatches an in-place configuration update to the
// configured target adapter.
func (o *Orchestrator) UpdateConfig(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	d, err := o.deployerFor(cfg)
	if err != nil {
		return err
	}
	o.logger.Info("Updating agent workload configuration",
		"agent_id", agentID, "target", cfg.Deployment.Target)
	if err := d.UpdateConfig(ctx, agentID, cfg); err != nil {
		return fmt.Errorf("config update on target %s failed: %w", cfg.Deployment.Target, err)
	}
	return nil
}

// GetStatus dispatches a status probe to the configured target adapter.
func (o *Orchestrator) GetStatus(ctx context.Context, agentID string, cfg models.AgentConfig) (Status, error) {
	d, err := o.deployerFor(cfg)
	if err != nil {
		return Status{}, err
	}
	status, err := d.GetStatus(ctx, agentID, cfg)
	if err != nil {
		return Status{}, fmt.Errorf("status probe on target %s failed: %w", cfg.Deployment.Target, err)
	}
	return status, nil
}
