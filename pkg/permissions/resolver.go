// Package permissions resolves tool-use policy decisions for managed
// agents from their assigned permission profiles.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Policy is the action taken when an agent requests a tool.
type Policy string

const (
	// PolicyAuto permits the tool call without review.
	PolicyAuto Policy = "auto"
	// PolicyRequireApproval defers the tool call to a human approver.
	PolicyRequireApproval Policy = "require_approval"
	// PolicyDeny rejects the tool call.
	PolicyDeny Policy = "deny"
)

// ErrProfileNotFound is returned when a referenced profile does not exist.
var ErrProfileNotFound = errors.New("permission profile not found")

// Profile assigns tool policies to the agents that reference it.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// AllowedTools maps tool IDs to their policy.
	AllowedTools map[string]Policy `json:"allowed_tools"`
	// SideEffects is the fallback policy for tools not listed in
	// AllowedTools. Empty means deny.
	SideEffects Policy `json:"side_effects,omitempty"`
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Policy  Policy `json:"policy"`
	Reason  string `json:"reason,omitempty"`
}

// ProfileSource loads permission profiles by ID.
type ProfileSource interface {
	GetProfile(ctx context.Context, profileID string) (*Profile, error)
}

// ProfileIDFunc maps an agent to its assigned profile ID.
type ProfileIDFunc func(agentID string) (string, error)

// DefaultCacheTTL bounds how stale a cached profile may be.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	profile *Profile
	expires time.Time
}

// Resolver answers permission checks. Profiles are cached with a TTL;
// Invalidate forces a reload after a profile edit.
type Resolver struct {
	source    ProfileSource
	profileID ProfileIDFunc
	ttl       time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	clock  func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver over a profile source and an
// agent-to-profile mapping.
func NewResolver(source ProfileSource, profileID ProfileIDFunc) *Resolver {
	return &Resolver{
		source:    source,
		profileID: profileID,
		ttl:       DefaultCacheTTL,
		cache:     make(map[string]cacheEntry),
		clock:     time.Now,
		logger:    slog.Default().With("component", "permissions.resolver"),
	}
}

func (r *Resolver) profile(ctx context.Context, profileID string) (*Profile, error) {
	now := r.clock()

	r.mu.RLock()
	entry, ok := r.cache[profileID]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.profile, nil
	}

	p, err := r.source.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[profileID] = cacheEntry{profile: p, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return p, nil
}

// Check resolves the policy decision for one agent/tool pair. Tools not
// listed in the profile fall back to the profile's side-effect policy;
// an absent fallback denies.
func (r *Resolver) Check(ctx context.Context, agentID, toolID string) (Decision, error) {
	profileID, err := r.profileID(agentID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to resolve profile for agent %s: %w", agentID, err)
	}
	if profileID == "" {
		return Decision{Policy: PolicyDeny, Reason: "agent has no permission profile"}, nil
	}

	p, err := r.profile(ctx, profileID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load profile %s: %w", profileID, err)
	}

	policy, listed := p.AllowedTools[toolID]
	if !listed {
		policy = p.SideEffects
		if policy == "" {
			policy = PolicyDeny
		}
	}

	switch policy {
	case PolicyAuto:
		return Decision{Allowed: true, Policy: PolicyAuto}, nil
	case PolicyRequireApproval:
		return Decision{Policy: PolicyRequireApproval, Reason: "tool requires approval"}, nil
	default:
		reason := "tool denied by profile"
		if !listed {
			reason = "tool not permitted by profile"
		}
		return Decision{Policy: PolicyDeny, Reason: reason}, nil
	}
}

// Invalidate drops one profile from the cache.
func (r *Resolver) Invalidate(profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, profileID)
}

// InvalidateAll drops the whole cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// MemorySource is an in-memory ProfileSource, used when profiles are
// managed through configuration rather than an external control plane.
type MemorySource struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{profiles: make(map[string]*Profile)}
}

// Put stores or replaces a profile.
func (s *MemorySource) Put(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// GetProfile implements ProfileSource.
func (s *MemorySource) GetProfile(_ context.Context, profileID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
	}
	return p, nil
}
