package models

import "time"

// SessionStatus is the lifecycle status of a runtime session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionRunning    SessionStatus = "running"
	SessionTerminated SessionStatus = "terminated"
	SessionError      SessionStatus = "error"
)

// Message is one entry of a session's conversation log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a live conversation between a client and a deployed agent,
// owned exclusively by the runtime gateway. Sub-agent sessions carry the
// parent session's id.
type Session struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	OrgID           string        `json:"org_id,omitempty"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	Status          SessionStatus `json:"status"`
	Model           string        `json:"model,omitempty"`
	SystemPrompt    string        `json:"system_prompt,omitempty"`
	Messages        []Message     `json:"messages,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the session safe to serialize outside the
// gateway's lock.
func (s *Session) Clone() Session {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}
