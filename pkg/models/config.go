package models

import "time"

// AgentConfig is the immutable-by-replace configuration snapshot of a
// managed agent. Accepted updates replace the snapshot and bump the owning
// agent's version.
type AgentConfig struct {
	Name                string          `json:"name"`
	DisplayName         string          `json:"display_name"`
	Identity            AgentIdentity   `json:"identity"`
	Model               ModelRef        `json:"model"`
	Deployment          DeploymentSpec  `json:"deployment"`
	Channels            []string        `json:"channels,omitempty"`
	EmailEnabled        bool            `json:"email_enabled,omitempty"`
	Workspace           WorkspacePolicy `json:"workspace,omitempty"`
	Heartbeat           HeartbeatPolicy `json:"heartbeat,omitempty"`
	PermissionProfileID string          `json:"permission_profile_id"`
}

// AgentIdentity describes who the agent presents as.
type AgentIdentity struct {
	Role        string     `json:"role"`
	Tone        string     `json:"tone,omitempty"`
	Language    string     `json:"language,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
}

// ModelRef points at the LLM backing the agent.
type ModelRef struct {
	Provider      string `json:"provider"`
	ModelID       string `json:"model_id"`
	ThinkingLevel string `json:"thinking_level,omitempty"`
}

// DeploymentSpec describes where and how the agent workload runs. Target
// selects the deployer adapter; the remaining fields are interpreted by the
// selected adapter.
type DeploymentSpec struct {
	Target    string            `json:"target"`
	Image     string            `json:"image,omitempty"`
	Host      string            `json:"host,omitempty"`
	User      string            `json:"user,omitempty"`
	App       string            `json:"app,omitempty"`
	Region    string            `json:"region,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Resources ResourceSpec      `json:"resources,omitempty"`
}

// ResourceSpec bounds the workload's resource allocation.
type ResourceSpec struct {
	CPUMillis int `json:"cpu_millis,omitempty"`
	MemoryMB  int `json:"memory_mb,omitempty"`
}

// WorkspacePolicy controls the agent's working directory access.
type WorkspacePolicy struct {
	Root     string `json:"root,omitempty"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// HeartbeatPolicy controls how often a deployed agent reports liveness.
type HeartbeatPolicy struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// Complete reports whether the configuration satisfies the completeness
// predicate required for the draft → ready transition: name, display name,
// identity role, model id, deployment target, and permission profile must
// all be present.
func (c *AgentConfig) Complete() bool {
	return c.Name != "" &&
		c.DisplayName != "" &&
		c.Identity.Role != "" &&
		c.Model.ModelID != "" &&
		c.Deployment.Target != "" &&
		c.PermissionProfileID != ""
}

// ConfigPatch is a partial configuration update. Nil pointer groups are
// left untouched; the identity, model, and deployment groups are
// deep-merged field by field, everything else is shallow-overlaid.
type ConfigPatch struct {
	Name                *string          `json:"name,omitempty"`
	DisplayName         *string          `json:"display_name,omitempty"`
	Identity            *IdentityPatch   `json:"identity,omitempty"`
	Model               *ModelPatch      `json:"model,omitempty"`
	Deployment          *DeploymentPatch `json:"deployment,omitempty"`
	Channels            *[]string        `json:"channels,omitempty"`
	EmailEnabled        *bool            `json:"email_enabled,omitempty"`
	Workspace           *WorkspacePolicy `json:"workspace,omitempty"`
	Heartbeat           *HeartbeatPolicy `json:"heartbeat,omitempty"`
	PermissionProfileID *string          `json:"permission_profile_id,omitempty"`
}

// IdentityPatch is a partial update of the identity group.
type IdentityPatch struct {
	Role        *string    `json:"role,omitempty"`
	Tone        *string    `json:"tone,omitempty"`
	Language    *string    `json:"language,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
}

// ModelPatch is a partial update of the model group.
type ModelPatch struct {
	Provider      *string `json:"provider,omitempty"`
	ModelID       *string `json:"model_id,omitempty"`
	ThinkingLevel *string `json:"thinking_level,omitempty"`
}

// DeploymentPatch is a partial update of the deployment group.
type DeploymentPatch struct {
	Target    *string           `json:"target,omitempty"`
	Image     *string           `json:"image,omitempty"`
	Host      *string           `json:"host,omitempty"`
	User      *string           `json:"user,omitempty"`
	App       *string           `json:"app,omitempty"`
	Region    *string           `json:"region,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Resources *ResourceSpec     `json:"resources,omitempty"`
}

// Apply merges the patch into cfg. The identity, model, and deployment
// groups are merged field by field so a patch touching one nested field
// leaves its siblings intact; top-level fields are replaced wholesale when
// present in the patch.
func (p *ConfigPatch) Apply(cfg *AgentConfig) {
	if p == nil {
		return
	}
	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.DisplayName != nil {
		cfg.DisplayName = *p.DisplayName
	}
	if p.Identity != nil {
		if p.Identity.Role != nil {
			cfg.Identity.Role = *p.Identity.Role
		}
		if p.Identity.Tone != nil {
			cfg.Identity.Tone = *p.Identity.Tone
		}
		if p.Identity.Language != nil {
			cfg.Identity.Language = *p.Identity.Language
		}
		if p.Identity.DateOfBirth != nil {
			t := *p.Identity.DateOfBirth
			cfg.Identity.DateOfBirth = &t
		}
	}
	if p.Model != nil {
		if p.Model.Provider != nil {
			cfg.Model.Provider = *p.Model.Provider
		}
		if p.Model.ModelID != nil {
			cfg.Model.ModelID = *p.Model.ModelID
		}
		if p.Model.ThinkingLevel != nil {
			cfg.Model.ThinkingLevel = *p.Model.ThinkingLevel
		}
	}
	if p.Deployment != nil {
		d := p.Deployment
		if d.Target != nil {
			cfg.Deployment.Target = *d.Target
		}
		if d.Image != nil {
			cfg.Deployment.Image = *d.Image
		}
		if d.Host != nil {
			cfg.Deployment.Host = *d.Host
		}
		if d.User != nil {
			cfg.Deployment.User = *d.User
		}
		if d.App != nil {
			cfg.Deployment.App = *d.App
		}
		if d.Region != nil {
			cfg.Deployment.Region = *d.Region
		}
		if d.Env != nil {
			if cfg.Deployment.Env == nil {
				cfg.Deployment.Env = make(map[string]string, len(d.Env))
			}
			for k, v := range d.Env {
				cfg.Deployment.Env[k] = v
			}
		}
		if d.Resources != nil {
			cfg.Deployment.Resources = *d.Resources
		}
	}
	if p.Channels != nil {
		cfg.Channels = append([]string(nil), (*p.Channels)...)
	}
	if p.EmailEnabled != nil {
		cfg.EmailEnabled = *p.EmailEnabled
	}
	if p.Workspace != nil {
		cfg.Workspace = *p.Workspace
	}
	if p.Heartbeat != nil {
		cfg.Heartbeat = *p.Heartbeat
	}
	if p.PermissionProfileID != nil {
		cfg.PermissionProfileID = *p.PermissionProfileID
	}
}

// Clone returns a deep copy of the configuration.
func (c *AgentConfig) Clone() AgentConfig {
	out := *c
	if c.Identity.DateOfBirth != nil {
		t := *c.Identity.DateOfBirth
		out.Identity.DateOfBirth = &t
	}
	if c.Deployment.Env != nil {
		out.Deployment.Env = make(map[string]string, len(c.Deployment.Env))
		for k, v := range c.Deployment.Env {
			out.Deployment.Env[k] = v
		}
	}
	if c.Channels != nil {
		out.Channels = append([]string(nil), c.Channels...)
	}
	return out
}
