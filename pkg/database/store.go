package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/permissions"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("database: not found")

// Store implements fleetd's persistence contract on PostgreSQL. The
// lifecycle manager treats it as a replicated shadow of in-memory state:
// every mutation writes through, reads happen only at startup.
type Store struct {
	pool Pool
}

// NewStore creates a store on top of a database client.
func NewStore(client *Client) *Store {
	return &Store{pool: client.Pool()}
}

// NewStoreFromPool creates a store on a raw pool (useful for testing with
// pgxmock).
func NewStoreFromPool(pool Pool) *Store {
	return &Store{pool: pool}
}

// UpsertManagedAgent writes the full agent record as a single atomic row.
func (s *Store) UpsertManagedAgent(ctx context.Context, agent *models.ManagedAgent) error {
	configJSON, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal agent config: %w", err)
	}
	healthJSON, err := json.Marshal(agent.Health)
	if err != nil {
		return fmt.Errorf("failed to marshal agent health: %w", err)
	}
	usageJSON, err := json.Marshal(agent.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal agent usage: %w", err)
	}
	var budgetJSON []byte
	if agent.Budget != nil {
		budgetJSON, err = json.Marshal(agent.Budget)
		if err != nil {
			return fmt.Errorf("failed to marshal agent budget: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO managed_agents
			(id, org_id, state, version, config, health, usage, budget, created_at, updated_at, last_deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			state = EXCLUDED.state,
			version = EXCLUDED.version,
			config = EXCLUDED.config,
			health = EXCLUDED.health,
			usage = EXCLUDED.usage,
			budget = EXCLUDED.budget,
			updated_at = EXCLUDED.updated_at,
			last_deployed_at = EXCLUDED.last_deployed_at`,
		agent.ID, agent.OrgID, string(agent.State), agent.Version,
		configJSON, healthJSON, usageJSON, budgetJSON,
		agent.CreatedAt, agent.UpdatedAt, agent.LastDeployedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert managed agent %s: %w", agent.ID, err)
	}
	return nil
}

// DeleteManagedAgent removes the agent row.
func (s *Store) DeleteManagedAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM managed_agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete managed agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAllManagedAgents loads every persisted agent record. Called once at
// startup when persistence is wired into the lifecycle manager.
func (s *Store) GetAllManagedAgents(ctx context.Context) ([]*models.ManagedAgent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, state, version, config, health, usage, budget,
		       created_at, updated_at, last_deployed_at
		FROM managed_agents`)
	if err != nil {
		return nil, fmt.Errorf("failed to query managed agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.ManagedAgent
	for rows.Next() {
		var (
			a          models.ManagedAgent
			state      string
			configJSON []byte
			healthJSON []byte
			usageJSON  []byte
			budgetJSON []byte
		)
		if err := rows.Scan(&a.ID, &a.OrgID, &state, &a.Version,
			&configJSON, &healthJSON, &usageJSON, &budgetJSON,
			&a.CreatedAt, &a.UpdatedAt, &a.LastDeployedAt); err != nil {
			return nil, fmt.Errorf("failed to scan managed agent: %w", err)
		}
		a.State = models.AgentState(state)
		if err := json.Unmarshal(configJSON, &a.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config for agent %s: %w", a.ID, err)
		}
		if len(healthJSON) > 0 {
			if err := json.Unmarshal(healthJSON, &a.Health); err != nil {
				return nil, fmt.Errorf("failed to unmarshal health for agent %s: %w", a.ID, err)
			}
		}
		if len(usageJSON) > 0 {
			if err := json.Unmarshal(usageJSON, &a.Usage); err != nil {
				return nil, fmt.Errorf("failed to unmarshal usage for agent %s: %w", a.ID, err)
			}
		}
		if len(budgetJSON) > 0 {
			var b models.BudgetConfig
			if err := json.Unmarshal(budgetJSON, &b); err != nil {
				return nil, fmt.Errorf("failed to unmarshal budget for agent %s: %w", a.ID, err)
			}
			a.Budget = &b
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// AddStateTransition appends one entry to the transition log.
func (s *Store) AddStateTransition(ctx context.Context, agentID string, t models.StateTransition) error {
	var errText *string
	if t.Error != "" {
		errText = &t.Error
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO state_transitions
			(agent_id, from_state, to_state, reason, triggered_by, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agentID, string(t.From), string(t.To), t.Reason, t.TriggeredBy, errText, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to add state transition for agent %s: %w", agentID, err)
	}
	return nil
}

// GetStateTransitions reads the persisted transition log for an agent,
// newest first.
func (s *Store) GetStateTransitions(ctx context.Context, agentID string, limit int) ([]models.StateTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT from_state, to_state, reason, triggered_by, error, created_at
		FROM state_transitions
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query state transitions for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []models.StateTransition
	for rows.Next() {
		var (
			t       models.StateTransition
			from    string
			to      string
			errText *string
		)
		if err := rows.Scan(&from, &to, &t.Reason, &t.TriggeredBy, &errText, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan state transition: %w", err)
		}
		t.From = models.AgentState(from)
		t.To = models.AgentState(to)
		if errText != nil {
			t.Error = *errText
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Execute runs a raw statement against an append-only table (budget
// alerts and similar). Callers own the SQL; the store only executes it.
func (s *Store) Execute(ctx context.Context, statement string, args ...any) error {
	if _, err := s.pool.Exec(ctx, statement, args...); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// ListBudgetAlerts reads persisted budget alerts for an agent, newest
// first.
func (s *Store) ListBudgetAlerts(ctx context.Context, agentID string, limit int) ([]models.BudgetAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, agent_id, alert_kind, budget_kind, current_value, limit_value, acknowledged, created_at
		FROM budget_alerts
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget alerts for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []models.BudgetAlert
	for rows.Next() {
		var (
			a     models.BudgetAlert
			kind  string
			bkind string
		)
		if err := rows.Scan(&a.ID, &a.OrgID, &a.AgentID, &kind, &bkind,
			&a.CurrentValue, &a.LimitValue, &a.Acknowledged, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget alert: %w", err)
		}
		a.AlertKind = models.AlertKind(kind)
		a.BudgetKind = models.BudgetKind(bkind)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertSession writes a session record as a single atomic row.
func (s *Store) UpsertSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, agent_id, org_id, parent_session_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.AgentID, nullable(sess.OrgID), nullable(sess.ParentSessionID),
		string(sess.Status), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// UpsertPermissionProfile writes a profile row.
func (s *Store) UpsertPermissionProfile(ctx context.Context, p *permissions.Profile) error {
	toolsJSON, err := json.Marshal(p.AllowedTools)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed tools: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO permission_profiles (id, name, allowed_tools, side_effects, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			allowed_tools = EXCLUDED.allowed_tools,
			side_effects = EXCLUDED.side_effects,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, toolsJSON, string(p.SideEffects), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert permission profile %s: %w", p.ID, err)
	}
	return nil
}

// GetProfile implements permissions.ProfileSource.
func (s *Store) GetProfile(ctx context.Context, profileID string) (*permissions.Profile, error) {
	var (
		p           permissions.Profile
		toolsJSON   []byte
		sideEffects string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, allowed_tools, side_effects
		FROM permission_profiles
		WHERE id = $1`, profileID,
	).Scan(&p.ID, &p.Name, &toolsJSON, &sideEffects)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", permissions.ErrProfileNotFound, profileID)
		}
		return nil, fmt.Errorf("failed to load permission profile %s: %w", profileID, err)
	}
	if err := json.Unmarshal(toolsJSON, &p.AllowedTools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed tools for profile %s: %w", profileID, err)
	}
	p.SideEffects = permissions.Policy(sideEffects)
	return &p, nil
}

// IncrCounter atomically adds delta to a keyed counter and returns the
// new value.
func (s *Store) IncrCounter(ctx context.Context, key string, delta int64) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO counters (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = counters.value + EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
		RETURNING value`,
		key, delta, time.Now().UTC(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return value, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
