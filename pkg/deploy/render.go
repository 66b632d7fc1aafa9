package deploy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agentfleet/fleetd/pkg/models"
)

// DefaultRenderAPIBase is the public Render REST API endpoint.
const DefaultRenderAPIBase = "https://api.render.com/v1"

type renderService struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Suspended string `json:"suspended"`
}

type renderDeploy struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type renderDeployListItem struct {
	Deploy renderDeploy `json:"deploy"`
}

type renderEnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RenderDeployer runs agent workloads on pre-created Render services.
// The deployment spec's app field carries the Render service ID; the
// adapter drives deploys, env updates, suspend, and resume through the
// REST API.
type RenderDeployer struct {
	api *restClient
}

// NewRenderDeployer creates an adapter against the public Render API.
func NewRenderDeployer(token string) *RenderDeployer {
	return NewRenderDeployerWithBase(DefaultRenderAPIBase, token)
}

// NewRenderDeployerWithBase creates an adapter against a specific API
// base URL (used by tests).
func NewRenderDeployerWithBase(baseURL, token string) *RenderDeployer {
	return &RenderDeployer{api: newRESTClient("render", baseURL, token)}
}

func (d *RenderDeployer) serviceID(cfg models.AgentConfig) (string, error) {
	if cfg.Deployment.App == "" {
		return "", fmt.Errorf("deployment app (service id) is required for render target")
	}
	return cfg.Deployment.App, nil
}

func (d *RenderDeployer) envVars(agentID string, cfg models.AgentConfig) []renderEnvVar {
	vars := make([]renderEnvVar, 0, len(cfg.Deployment.Env)+3)
	for k, v := range cfg.Deployment.Env {
		vars = append(vars, renderEnvVar{Key: k, Value: v})
	}
	vars = append(vars,
		renderEnvVar{Key: "FLEETD_AGENT_ID", Value: agentID},
		renderEnvVar{Key: "FLEETD_AGENT_NAME", Value: cfg.Name},
		renderEnvVar{Key: "FLEETD_MODEL_ID", Value: cfg.Model.ModelID},
	)
	return vars
}

// Deploy resumes the service if suspended, pushes the env set, and
// triggers a deploy of the configured image.
func (d *RenderDeployer) Deploy(ctx context.Context, agentID string, cfg models.AgentConfig, progress ProgressFunc) error {
	svcID, err := d.serviceID(cfg)
	if err != nil {
		return err
	}

	progress("provisioning", "resuming service "+svcID)
	var svc renderService
	if err := d.api.do(ctx, http.MethodGet, "/services/"+svcID, nil, &svc); err != nil {
		return fmt.Errorf("service lookup failed: %w", err)
	}
	if svc.Suspended == "suspended" {
		if err := d.api.do(ctx, http.MethodPost, "/services/"+svcID+"/resume", nil, nil); err != nil {
			return fmt.Errorf("service resume failed: %w", err)
		}
	}

	progress("deploying", "updating environment for "+svcID)
	if err := d.api.do(ctx, http.MethodPut, "/services/"+svcID+"/env-vars", d.envVars(agentID, cfg), nil); err != nil {
		return fmt.Errorf("env update failed: %w", err)
	}

	progress("starting", "triggering deploy for "+svcID)
	body := map[string]string{}
	if cfg.Deployment.Image != "" {
		body["imageUrl"] = cfg.Deployment.Image
	}
	if err := d.api.do(ctx, http.MethodPost, "/services/"+svcID+"/deploys", body, nil); err != nil {
		return fmt.Errorf("deploy trigger failed: %w", err)
	}
	return nil
}

// Stop suspends the service.
func (d *RenderDeployer) Stop(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	svcID, err := d.serviceID(cfg)
	if err != nil {
		return err
	}
	if err := d.api.do(ctx, http.MethodPost, "/services/"+svcID+"/suspend", nil, nil); err != nil {
		return fmt.Errorf("service suspend failed: %w", err)
	}
	return nil
}

// Restart restarts the service's running instance.
func (d *RenderDeployer) Restart(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	svcID, err := d.serviceID(cfg)
	if err != nil {
		return err
	}
	if err := d.api.do(ctx, http.MethodPost, "/services/"+svcID+"/restart", nil, nil); err != nil {
		return fmt.Errorf("service restart failed: %w", err)
	}
	return nil
}

// UpdateConfig pushes the env set and redeploys so the new configuration
// takes effect.
func (d *RenderDeployer) UpdateConfig(ctx context.Context, agentID string, cfg models.AgentConfig) error {
	svcID, err := d.serviceID(cfg)
	if err != nil {
		return err
	}
	if err := d.api.do(ctx, http.MethodPut, "/services/"+svcID+"/env-vars", d.envVars(agentID, cfg), nil); err != nil {
		return fmt.Errorf("env update failed: %w", err)
	}
	if err := d.api.do(ctx, http.MethodPost, "/services/"+svcID+"/deploys", map[string]string{}, nil); err != nil {
		return fmt.Errorf("deploy trigger failed: %w", err)
	}
	return nil
}

// GetStatus reports running when the service is not suspended and its
// latest deploy is live.
func (d *RenderDeployer) GetStatus(ctx context.Context, agentID string, cfg models.AgentConfig) (Status, error) {
	svcID, err := d.serviceID(cfg)
	if err != nil {
		return Status{}, err
	}

	var svc renderService
	if err := d.api.do(ctx, http.MethodGet, "/services/"+svcID, nil, &svc); err != nil {
		return Status{}, fmt.Errorf("service lookup failed: %w", err)
	}
	if svc.Suspended == "suspended" {
		return Status{Detail: "suspended"}, nil
	}

	var deploys []renderDeployListItem
	if err := d.api.do(ctx, http.MethodGet, "/services/"+svcID+"/deploys?limit=1", nil, &deploys); err != nil {
		return Status{}, fmt.Errorf("deploy lookup failed: %w", err)
	}
	if len(deploys) == 0 {
		return Status{Detail: "no deploys"}, nil
	}

	status := deploys[0].Deploy.Status
	live := status == "live"
	return Status{Running: live, Healthy: live, Detail: status}, nil
}
