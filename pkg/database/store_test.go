package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/permissions"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStoreFromPool(mock), mock
}

func testAgent() *models.ManagedAgent {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.ManagedAgent{
		ID:    "agent-1",
		OrgID: "org-1",
		State: models.StateRunning,
		Config: models.AgentConfig{
			Name:        "support-bot",
			DisplayName: "Support Bot",
			Identity:    models.AgentIdentity{Role: "support engineer"},
			Model:       models.ModelRef{Provider: "anthropic", ModelID: "claude-sonnet-4"},
			Deployment:  models.DeploymentSpec{Target: "container", Image: "agents/support:1"},
		},
		Budget:    &models.BudgetConfig{MonthlyCostCapUSD: 100},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   3,
	}
}

func TestStore_UpsertManagedAgent(t *testing.T) {
	store, mock := newMockStore(t)
	agent := testAgent()

	mock.ExpectExec("INSERT INTO managed_agents").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertManagedAgent(context.Background(), agent)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertManagedAgent_Error(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO managed_agents").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := store.UpsertManagedAgent(context.Background(), testAgent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert managed agent agent-1")
}

func TestStore_DeleteManagedAgent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM managed_agents").
		WithArgs("agent-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.DeleteManagedAgent(context.Background(), "agent-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteManagedAgent_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM managed_agents").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := store.DeleteManagedAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetAllManagedAgents(t *testing.T) {
	store, mock := newMockStore(t)
	agent := testAgent()

	configJSON, err := json.Marshal(agent.Config)
	require.NoError(t, err)
	healthJSON, err := json.Marshal(agent.Health)
	require.NoError(t, err)
	usageJSON, err := json.Marshal(agent.Usage)
	require.NoError(t, err)
	budgetJSON, err := json.Marshal(agent.Budget)
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"id", "org_id", "state", "version", "config", "health", "usage", "budget",
		"created_at", "updated_at", "last_deployed_at",
	}).AddRow(
		agent.ID, agent.OrgID, string(agent.State), agent.Version,
		configJSON, healthJSON, usageJSON, budgetJSON,
		agent.CreatedAt, agent.UpdatedAt, (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT (.+) FROM managed_agents").WillReturnRows(rows)

	agents, err := store.GetAllManagedAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)

	got := agents[0]
	assert.Equal(t, "agent-1", got.ID)
	assert.Equal(t, models.StateRunning, got.State)
	assert.Equal(t, "support-bot", got.Config.Name)
	assert.Equal(t, "claude-sonnet-4", got.Config.Model.ModelID)
	require.NotNil(t, got.Budget)
	assert.Equal(t, 100.0, got.Budget.MonthlyCostCapUSD)
	assert.Nil(t, got.LastDeployedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetAllManagedAgents_NilBudget(t *testing.T) {
	store, mock := newMockStore(t)
	agent := testAgent()

	configJSON, err := json.Marshal(agent.Config)
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"id", "org_id", "state", "version", "config", "health", "usage", "budget",
		"created_at", "updated_at", "last_deployed_at",
	}).AddRow(
		agent.ID, agent.OrgID, string(agent.State), agent.Version,
		configJSON, []byte(nil), []byte(nil), []byte(nil),
		agent.CreatedAt, agent.UpdatedAt, (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT (.+) FROM managed_agents").WillReturnRows(rows)

	agents, err := store.GetAllManagedAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Nil(t, agents[0].Budget)
}

func TestStore_AddStateTransition(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO state_transitions").
		WithArgs("agent-1", "ready", "provisioning", "deploy requested", "user-1",
			(*string)(nil), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.AddStateTransition(context.Background(), "agent-1", models.StateTransition{
		From:        models.StateReady,
		To:          models.StateProvisioning,
		Reason:      "deploy requested",
		TriggeredBy: "user-1",
		Timestamp:   now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetStateTransitions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	failure := "process exited"

	rows := pgxmock.NewRows([]string{
		"from_state", "to_state", "reason", "triggered_by", "error", "created_at",
	}).
		AddRow("running", "error", "health check failures", "system", &failure, now).
		AddRow("starting", "running", "deployment healthy", "system", (*string)(nil), now.Add(-time.Minute))
	mock.ExpectQuery("SELECT (.+) FROM state_transitions").
		WithArgs("agent-1", 50).
		WillReturnRows(rows)

	transitions, err := store.GetStateTransitions(context.Background(), "agent-1", 50)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, models.StateError, transitions[0].To)
	assert.Equal(t, "process exited", transitions[0].Error)
	assert.Empty(t, transitions[1].Error)
}

func TestStore_Execute(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO budget_alerts").
		WithArgs("alert-1", "org-1", "agent-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Execute(context.Background(),
		"INSERT INTO budget_alerts (id, org_id, agent_id) VALUES ($1, $2, $3)",
		"alert-1", "org-1", "agent-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListBudgetAlerts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "org_id", "agent_id", "alert_kind", "budget_kind",
		"current_value", "limit_value", "acknowledged", "created_at",
	}).AddRow("alert-1", "org-1", "agent-1", "daily_exceeded", "cost", 12.5, 10.0, false, now)
	mock.ExpectQuery("SELECT (.+) FROM budget_alerts").
		WithArgs("agent-1", 100).
		WillReturnRows(rows)

	alerts, err := store.ListBudgetAlerts(context.Background(), "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertDailyExceeded, alerts[0].AlertKind)
	assert.Equal(t, models.BudgetKindCost, alerts[0].BudgetKind)
	assert.Equal(t, 12.5, alerts[0].CurrentValue)
}

func TestStore_UpsertSession(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertSession(context.Background(), &models.Session{
		ID:        "sess-1",
		AgentID:   "agent-1",
		Status:    models.SessionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertPermissionProfile(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO permission_profiles").
		WithArgs("prof-1", "support", pgxmock.AnyArg(), "require_approval", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertPermissionProfile(context.Background(), &permissions.Profile{
		ID:           "prof-1",
		Name:         "support",
		AllowedTools: map[string]permissions.Policy{"search": permissions.PolicyAuto},
		SideEffects:  permissions.PolicyRequireApproval,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetProfile(t *testing.T) {
	store, mock := newMockStore(t)

	toolsJSON, err := json.Marshal(map[string]permissions.Policy{
		"search":     permissions.PolicyAuto,
		"send_email": permissions.PolicyRequireApproval,
	})
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"id", "name", "allowed_tools", "side_effects"}).
		AddRow("prof-1", "support", toolsJSON, "deny")
	mock.ExpectQuery("SELECT (.+) FROM permission_profiles").
		WithArgs("prof-1").
		WillReturnRows(rows)

	p, err := store.GetProfile(context.Background(), "prof-1")
	require.NoError(t, err)
	assert.Equal(t, "support", p.Name)
	assert.Equal(t, permissions.PolicyAuto, p.AllowedTools["search"])
	assert.Equal(t, permissions.PolicyDeny, p.SideEffects)
}

func TestStore_GetProfile_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM permission_profiles").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetProfile(context.Background(), "missing")
	assert.ErrorIs(t, err, permissions.ErrProfileNotFound)
}

func TestStore_IncrCounter(t *testing.T) {
	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"value"}).AddRow(int64(7))
	mock.ExpectQuery("INSERT INTO counters").
		WithArgs("sessions_total", int64(2), pgxmock.AnyArg()).
		WillReturnRows(rows)

	value, err := store.IncrCounter(context.Background(), "sessions_total", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(7), value)
	assert.NoError(t, mock.ExpectationsWereMet())
}
