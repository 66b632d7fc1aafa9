package deploy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/models"
)

func flyConfig() models.AgentConfig {
	return models.AgentConfig{
		Name:  "support-bot",
		Model: models.ModelRef{ModelID: "claude-sonnet-4"},
		Deployment: models.DeploymentSpec{
			Target: "fly",
			Image:  "agents/support:1",
			App:    "fleet-agents",
			Region: "fra",
			Resources: models.ResourceSpec{
				CPUMillis: 1500,
				MemoryMB:  512,
			},
		},
	}
}

func TestFlyDeployer_DeployCreatesMachine(t *testing.T) {
	var created flyCreateMachineRequest
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apps/fleet-agents/machines", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /apps/fleet-agents/machines", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		_ = json.NewEncoder(w).Encode(flyMachine{ID: "m1", Name: created.Name, State: "created"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewFlyDeployerWithBase(srv.URL, "tok")
	var stages []string
	err := d.Deploy(context.Background(), "a1", flyConfig(), func(stage, _ string) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)

	assert.Equal(t, "fleetd-a1", created.Name)
	assert.Equal(t, "fra", created.Region)
	assert.Equal(t, "agents/support:1", created.Config.Image)
	assert.Equal(t, "a1", created.Config.Env["FLEETD_AGENT_ID"])
	require.NotNil(t, created.Config.Guest)
	assert.Equal(t, 2, created.Config.Guest.CPUs)
	assert.Equal(t, 512, created.Config.Guest.MemoryMB)
	assert.Equal(t, []string{"provisioning", "deploying", "starting"}, stages)
}

func TestFlyDeployer_DeployUpdatesExistingMachine(t *testing.T) {
	var updateCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apps/fleet-agents/machines", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]flyMachine{{ID: "m1", Name: "fleetd-a1", State: "started"}})
	})
	mux.HandleFunc("POST /apps/fleet-agents/machines/m1", func(w http.ResponseWriter, r *http.Request) {
		updateCalled = true
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewFlyDeployerWithBase(srv.URL, "tok")
	err := d.Deploy(context.Background(), "a1", flyConfig(), func(string, string) {})
	require.NoError(t, err)
	assert.True(t, updateCalled)
}

func TestFlyDeployer_StopOnAbsentMachineIsNoop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apps/fleet-agents/machines", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewFlyDeployerWithBase(srv.URL, "tok")
	assert.NoError(t, d.Stop(context.Background(), "a1", flyConfig()))
}

func TestFlyDeployer_GetStatus(t *testing.T) {
	tests := []struct {
		name        string
		state       string
		wantRunning bool
	}{
		{name: "started machine is running", state: "started", wantRunning: true},
		{name: "stopped machine is not running", state: "stopped", wantRunning: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /apps/fleet-agents/machines", func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode([]flyMachine{{ID: "m1", Name: "fleetd-a1", State: tt.state}})
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			d := NewFlyDeployerWithBase(srv.URL, "tok")
			status, err := d.GetStatus(context.Background(), "a1", flyConfig())
			require.NoError(t, err)
			assert.Equal(t, tt.wantRunning, status.Running)
			assert.Equal(t, tt.state, status.Detail)
		})
	}
}

func TestFlyDeployer_RequiresApp(t *testing.T) {
	cfg := flyConfig()
	cfg.Deployment.App = ""
	d := NewFlyDeployerWithBase("http://unused", "tok")
	err := d.Deploy(context.Background(), "a1", cfg, func(string, string) {})
	assert.ErrorContains(t, err, "app is required")
}
