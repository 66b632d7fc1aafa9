package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func completeConfig() AgentConfig {
	return AgentConfig{
		Name:                "support-bot",
		DisplayName:         "Support Bot",
		Identity:            AgentIdentity{Role: "support engineer", Tone: "friendly"},
		Model:               ModelRef{Provider: "anthropic", ModelID: "claude-sonnet-4"},
		Deployment:          DeploymentSpec{Target: "container", Image: "agents/support:1", Env: map[string]string{"TZ": "UTC"}},
		PermissionProfileID: "prof-1",
	}
}

func TestAgentConfig_Complete(t *testing.T) {
	cfg := completeConfig()
	assert.True(t, cfg.Complete())

	missing := []func(*AgentConfig){
		func(c *AgentConfig) { c.Name = "" },
		func(c *AgentConfig) { c.DisplayName = "" },
		func(c *AgentConfig) { c.Identity.Role = "" },
		func(c *AgentConfig) { c.Model.ModelID = "" },
		func(c *AgentConfig) { c.Deployment.Target = "" },
		func(c *AgentConfig) { c.PermissionProfileID = "" },
	}
	for i, clear := range missing {
		c := completeConfig()
		clear(&c)
		assert.False(t, c.Complete(), "case %d", i)
	}
}

func TestConfigPatch_Apply_NestedMergePreservesSiblings(t *testing.T) {
	cfg := completeConfig()
	tone := "formal"
	(&ConfigPatch{Identity: &IdentityPatch{Tone: &tone}}).Apply(&cfg)

	assert.Equal(t, "formal", cfg.Identity.Tone)
	assert.Equal(t, "support engineer", cfg.Identity.Role)
	assert.Equal(t, "claude-sonnet-4", cfg.Model.ModelID)
}

func TestConfigPatch_Apply_DeploymentEnvMerges(t *testing.T) {
	cfg := completeConfig()
	image := "agents/support:2"
	(&ConfigPatch{Deployment: &DeploymentPatch{
		Image: &image,
		Env:   map[string]string{"LOG_LEVEL": "debug"},
	}}).Apply(&cfg)

	assert.Equal(t, "agents/support:2", cfg.Deployment.Image)
	assert.Equal(t, "container", cfg.Deployment.Target)
	assert.Equal(t, "UTC", cfg.Deployment.Env["TZ"])
	assert.Equal(t, "debug", cfg.Deployment.Env["LOG_LEVEL"])
}

func TestConfigPatch_Apply_TopLevelReplacement(t *testing.T) {
	cfg := completeConfig()
	channels := []string{"#support", "#oncall"}
	enabled := true
	(&ConfigPatch{Channels: &channels, EmailEnabled: &enabled}).Apply(&cfg)

	assert.Equal(t, []string{"#support", "#oncall"}, cfg.Channels)
	assert.True(t, cfg.EmailEnabled)
}

func TestConfigPatch_Apply_NilAndEmptyAreNoOps(t *testing.T) {
	cfg := completeConfig()
	before := cfg.Clone()

	(*ConfigPatch)(nil).Apply(&cfg)
	(&ConfigPatch{}).Apply(&cfg)

	assert.Equal(t, before, cfg)
}

func TestAgentConfig_CloneIsIndependent(t *testing.T) {
	dob := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := completeConfig()
	cfg.Identity.DateOfBirth = &dob
	cfg.Channels = []string{"#support"}

	clone := cfg.Clone()
	clone.Deployment.Env["TZ"] = "CET"
	clone.Channels[0] = "#other"
	*clone.Identity.DateOfBirth = dob.AddDate(1, 0, 0)

	assert.Equal(t, "UTC", cfg.Deployment.Env["TZ"])
	assert.Equal(t, "#support", cfg.Channels[0])
	assert.Equal(t, dob, *cfg.Identity.DateOfBirth)
}
