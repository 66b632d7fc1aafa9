// Package runtime implements the runtime gateway: admission and
// multiplexing of live agent sessions. The gateway exclusively owns
// Session records; agents are referenced by id through a narrow
// directory view of the lifecycle manager.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/lifecycle"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/resilience"
)

// ErrSessionLimit is returned when session admission is denied, either by
// the rate limiter or the live-session cap.
var ErrSessionLimit = errors.New("session limit reached")

// AgentDirectory is the gateway's view of the lifecycle manager.
type AgentDirectory interface {
	AgentState(id string) (models.AgentState, error)
}

// SessionStore persists session records. Satisfied by database.Store.
type SessionStore interface {
	UpsertSession(ctx context.Context, sess *models.Session) error
}

// ReplyHook is invoked asynchronously for every message delivered to a
// session. Implementations bridge to the deployed agent's LLM runtime.
type ReplyHook func(ctx context.Context, session models.Session, message string)

// StreamListener receives a session's stream events. Listeners run
// synchronously on the emitting goroutine; panics are isolated.
type StreamListener func(models.StreamEvent)

// Options tunes gateway admission.
type Options struct {
	// MaxSessions caps concurrently live (pending or running) sessions.
	// Default 500.
	MaxSessions int
	// Admission rate-limits session spawns. Zero values default to
	// 10 spawns burst, refilling 10/s.
	Admission resilience.TokenBucketConfig
}

func (o *Options) withDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = 500
	}
	if o.Admission.MaxTokens <= 0 {
		o.Admission = resilience.TokenBucketConfig{
			MaxTokens:      10,
			RefillRate:     10,
			RefillInterval: time.Second,
		}
	}
}

// SpawnRequest is the payload for creating a session.
type SpawnRequest struct {
	AgentID         string `json:"agentId"`
	OrgID           string `json:"orgId,omitempty"`
	Message         string `json:"message"`
	Model           string `json:"model,omitempty"`
	SystemPrompt    string `json:"systemPrompt,omitempty"`
	parentSessionID string
}

// InboundEvent is an external event fanned in through the webhook
// endpoint. A SessionID routes to an existing session; otherwise a new
// session is spawned for AgentID.
type InboundEvent struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	From      string `json:"from,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

// Gateway owns session records and their per-session listener sets.
type Gateway struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	listeners map[string]map[int]StreamListener
	nextID    int

	directory AgentDirectory
	store     SessionStore
	replyHook ReplyHook
	admission *resilience.TokenBucket
	opts      Options

	wg     sync.WaitGroup
	clock  func() time.Time
	logger *slog.Logger
}

// NewGateway creates a gateway. The store may be nil; sessions then live
// only in memory.
func NewGateway(directory AgentDirectory, store SessionStore, opts Options) *Gateway {
	opts.withDefaults()
	return &Gateway{
		sessions:  make(map[string]*models.Session),
		listeners: make(map[string]map[int]StreamListener),
		directory: directory,
		store:     store,
		admission: resilience.NewTokenBucket(opts.Admission),
		opts:      opts,
		clock:     time.Now,
		logger:    slog.Default().With("component", "runtime.gateway"),
	}
}

// SetReplyHook installs the message bridge to the agent runtime.
func (g *Gateway) SetReplyHook(hook ReplyHook) {
	g.replyHook = hook
}

// Spawn admits and creates a session for a deployed agent. The agent must
// exist and be running or degraded.
func (g *Gateway) Spawn(ctx context.Context, req SpawnRequest) (*models.Session, error) {
	if req.AgentID == "" {
		return nil, lifecycle.NewValidationError("agentId", "agent id is required")
	}
	if req.Message == "" {
		return nil, lifecycle.NewValidationError("message", "message is required")
	}

	state, err := g.directory.AgentState(req.AgentID)
	if err != nil {
		return nil, err
	}
	if !state.IsActive() {
		return nil, fmt.Errorf("%w: agent is %s, sessions require running or degraded", lifecycle.ErrConflict, state)
	}

	if !g.admission.TryConsume() {
		return nil, ErrSessionLimit
	}
	if g.LiveCount() >= g.opts.MaxSessions {
		return nil, fmt.Errorf("%w: %d live sessions", ErrSessionLimit, g.opts.MaxSessions)
	}

	now := g.clock().UTC()
	session := &models.Session{
		ID:              uuid.NewString(),
		AgentID:         req.AgentID,
		OrgID:           req.OrgID,
		ParentSessionID: req.parentSessionID,
		Status:          models.SessionRunning,
		Model:           req.Model,
		SystemPrompt:    req.SystemPrompt,
		Messages: []models.Message{
			{Role: "user", Content: req.Message, CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	g.mu.Lock()
	g.sessions[session.ID] = session
	g.mu.Unlock()

	g.persist(ctx, session)
	g.logger.Info("Session spawned",
		"session_id", session.ID, "agent_id", session.AgentID, "parent", session.ParentSessionID)
	g.invokeReplyHook(session.Clone(), req.Message)
	return clonePtr(session), nil
}

// SpawnSubAgent creates a child session of an existing one. The agent
// defaults to the parent's agent when not given.
func (g *Gateway) SpawnSubAgent(ctx context.Context, parentSessionID, task, agentID, model string) (*models.Session, error) {
	if parentSessionID == "" {
		return nil, lifecycle.NewValidationError("parentSessionId", "parent session id is required")
	}
	if task == "" {
		return nil, lifecycle.NewValidationError("task", "task is required")
	}

	parent, err := g.Get(parentSessionID)
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		agentID = parent.AgentID
	}
	return g.Spawn(ctx, SpawnRequest{
		AgentID:         agentID,
		OrgID:           parent.OrgID,
		Message:         task,
		Model:           model,
		parentSessionID: parent.ID,
	})
}

// Get returns a copy of the session record.
func (g *Gateway) Get(id string) (models.Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	session, ok := g.sessions[id]
	if !ok {
		return models.Session{}, lifecycle.ErrNotFound
	}
	return session.Clone(), nil
}

// List returns sessions filtered by agent and status; zero or negative
// limit means no limit. Order is unspecified.
func (g *Gateway) List(agentID string, status models.SessionStatus, limit int) []models.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LiveCount reports pending plus running sessions.
func (g *Gateway) LiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, s := range g.sessions {
		if s.Status == models.SessionPending || s.Status == models.SessionRunning {
			n++
		}
	}
	return n
}

// SendMessage appends a message to an active session and triggers the
// reply hook.
func (g *Gateway) SendMessage(ctx context.Context, id, message string) error {
	if message == "" {
		return lifecycle.NewValidationError("message", "message is required")
	}

	g.mu.Lock()
	session, ok := g.sessions[id]
	if !ok {
		g.mu.Unlock()
		return lifecycle.ErrNotFound
	}
	if session.Status != models.SessionRunning {
		g.mu.Unlock()
		return fmt.Errorf("%w: session is %s", lifecycle.ErrConflict, session.Status)
	}
	now := g.clock().UTC()
	session.Messages = append(session.Messages, models.Message{
		Role: "user", Content: message, CreatedAt: now,
	})
	session.UpdatedAt = now
	clone := session.Clone()
	g.mu.Unlock()

	g.persist(ctx, &clone)
	g.invokeReplyHook(clone, message)
	return nil
}

// Terminate ends a session. The terminal event closes and deregisters
// every stream listener.
func (g *Gateway) Terminate(ctx context.Context, id string) error {
	g.mu.Lock()
	session, ok := g.sessions[id]
	if !ok {
		g.mu.Unlock()
		return lifecycle.ErrNotFound
	}
	if session.Status == models.SessionTerminated {
		g.mu.Unlock()
		return nil
	}
	session.Status = models.SessionTerminated
	session.UpdatedAt = g.clock().UTC()
	clone := session.Clone()
	g.mu.Unlock()

	g.persist(ctx, &clone)
	g.EmitSessionEvent(id, models.StreamEvent{"type": models.StreamEventSessionEnd})
	g.logger.Info("Session terminated", "session_id", id)
	return nil
}

// HandleInbound fans an external event into the gateway: delivery to an
// existing session when addressed, otherwise a fresh session for the
// target agent.
func (g *Gateway) HandleInbound(ctx context.Context, event InboundEvent) (*models.Session, error) {
	if event.Body == "" {
		return nil, lifecycle.NewValidationError("body", "event body is required")
	}

	if event.SessionID != "" {
		if err := g.SendMessage(ctx, event.SessionID, event.Body); err != nil {
			return nil, err
		}
		session, err := g.Get(event.SessionID)
		if err != nil {
			return nil, err
		}
		return &session, nil
	}

	if event.AgentID == "" {
		return nil, lifecycle.NewValidationError("agentId", "agent id is required when no session is addressed")
	}
	message := event.Body
	if event.Subject != "" {
		message = event.Subject + "\n\n" + event.Body
	}
	return g.Spawn(ctx, SpawnRequest{AgentID: event.AgentID, Message: message})
}

// Subscribe attaches a stream listener to a session and returns its
// deregistration function. When deregistration empties the listener set,
// the session's fan-out key is removed.
func (g *Gateway) Subscribe(sessionID string, fn StreamListener) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[sessionID]; !ok {
		return nil, lifecycle.ErrNotFound
	}
	set, ok := g.listeners[sessionID]
	if !ok {
		set = make(map[int]StreamListener)
		g.listeners[sessionID] = set
	}
	id := g.nextID
	g.nextID++
	set[id] = fn

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if set, ok := g.listeners[sessionID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(g.listeners, sessionID)
			}
		}
	}, nil
}

// EmitSessionEvent dispatches an event to every listener of the session.
// Listener panics are isolated. A terminal event (session_end or error)
// settles the session and removes the whole listener set afterwards.
func (g *Gateway) EmitSessionEvent(sessionID string, event models.StreamEvent) {
	g.mu.RLock()
	set := g.listeners[sessionID]
	snapshot := make([]StreamListener, 0, len(set))
	for _, fn := range set {
		snapshot = append(snapshot, fn)
	}
	g.mu.RUnlock()

	for _, fn := range snapshot {
		g.dispatch(sessionID, fn, event)
	}

	if !event.Terminal() {
		return
	}

	g.mu.Lock()
	delete(g.listeners, sessionID)
	session, ok := g.sessions[sessionID]
	var clone models.Session
	if ok && session.Status == models.SessionRunning {
		if event.Type() == models.StreamEventError {
			session.Status = models.SessionError
		} else {
			session.Status = models.SessionTerminated
		}
		session.UpdatedAt = g.clock().UTC()
		clone = session.Clone()
	} else {
		ok = false
	}
	g.mu.Unlock()

	if ok {
		g.persist(context.Background(), &clone)
	}
}

func (g *Gateway) dispatch(sessionID string, fn StreamListener, event models.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Stream listener panicked",
				"session_id", sessionID, "event_type", event.Type(), "panic", r)
		}
	}()
	fn(event)
}

// ListenerCount reports the session's current listener-set size.
func (g *Gateway) ListenerCount(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.listeners[sessionID])
}

// Shutdown ends every live session, closing all streams, and waits for
// in-flight reply hooks.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	ids := make([]string, 0, len(g.sessions))
	for id, s := range g.sessions {
		if s.Status == models.SessionPending || s.Status == models.SessionRunning {
			ids = append(ids, id)
		}
	}
	g.mu.RUnlock()

	for _, id := range ids {
		if err := g.Terminate(ctx, id); err != nil {
			g.logger.Warn("Failed to terminate session during shutdown", "session_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (g *Gateway) invokeReplyHook(session models.Session, message string) {
	if g.replyHook == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Reply hook panicked", "session_id", session.ID, "panic", r)
			}
		}()
		g.replyHook(context.Background(), session, message)
	}()
}

func (g *Gateway) persist(ctx context.Context, session *models.Session) {
	if g.store == nil {
		return
	}
	if err := g.store.UpsertSession(ctx, session); err != nil {
		g.logger.Error("Failed to persist session", "session_id", session.ID, "error", err)
	}
}

func clonePtr(s *models.Session) *models.Session {
	c := s.Clone()
	return &c
}
