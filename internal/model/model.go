// Package model holds the core data-model types shared across RingForge
// Hub's components: tenants, fleets, agents, squads, role templates, and
// the envelope/document shapes persisted to the KV store and SQL
// registry.
package model

import "time"

// ApiKeyType distinguishes control-plane admin keys from agent-facing
// live keys.
type ApiKeyType string

const (
	ApiKeyAdmin ApiKeyType = "admin"
	ApiKeyLive  ApiKeyType = "live"
)

// ContextTier is the agent's self-declared context budget; "tier3"
// agents are treated as AccessControl tier 4 regardless of role.
type ContextTier string

const (
	ContextTier0 ContextTier = "tier0"
	ContextTier1 ContextTier = "tier1"
	ContextTier2 ContextTier = "tier2"
	ContextTier3 ContextTier = "tier3"
)

// Tenant owns one or more fleets.
type Tenant struct {
	ID   string
	Name string
	Plan string
}

// Fleet is the tenant-isolation boundary. No entity crosses fleets.
type Fleet struct {
	ID       string
	TenantID string
	Name     string
}

// ApiKey authenticates either the HTTP control plane (admin) or agent
// channel connections (live).
type ApiKey struct {
	ID        string
	FleetID   string
	Type      ApiKeyType
	RawSecret string
	Revoked   bool
	CreatedAt time.Time
}

// RoleTemplate names a role slug; its tier is a pure function of the
// slug (see internal/access).
type RoleTemplate struct {
	ID   string
	Slug string
}

// Squad is a fleet subset; an agent belongs to at most one.
type Squad struct {
	ID       string
	FleetID  string
	Name     string
}

// Agent is a connected (or previously connected) client process.
type Agent struct {
	AgentID        string
	FleetID        string
	SquadID        string // empty if none
	Name           string
	DisplayName    string
	RoleTemplateID string // empty if none
	RoleSlug       string // resolved slug, empty if unroled
	ContextTier    ContextTier
	Metadata       map[string]any
	CreatedAt      time.Time
	LastSeenAt     time.Time
}

// IsFleetAdmin reports whether the agent's metadata marks it as a
// fleet administrator (tier 0 regardless of role slug).
func (a *Agent) IsFleetAdmin() bool {
	if a.Metadata == nil {
		return false
	}
	v, ok := a.Metadata["fleet_admin"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// IsRestricted reports whether the agent's metadata marks it as
// restricted — barred from messaging fleet leadership directly
// regardless of tier (spec §4.5's default BusinessRules).
func (a *Agent) IsRestricted() bool {
	if a.Metadata == nil {
		return false
	}
	v, ok := a.Metadata["restricted"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// AgentRef is the minimal identity carried in envelopes ("from").
type AgentRef struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// DirectMessageEnvelope is the on-wire framing of a DM, distinct from
// the opaque payload it carries.
type DirectMessageEnvelope struct {
	MessageID     string         `json:"message_id"`
	FleetID       string         `json:"fleet_id"`
	From          AgentRef       `json:"from"`
	To            string         `json:"to"`
	Message       map[string]any `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     string         `json:"timestamp"`
}

// PresenceState is an agent's self-reported availability.
type PresenceState string

const (
	PresenceOnline PresenceState = "online"
	PresenceBusy   PresenceState = "busy"
	PresenceAway   PresenceState = "away"
)

// Presence is the per-(fleet,agent) roster record.
type Presence struct {
	FleetID  string
	AgentID  string
	State    PresenceState
	Task     string // optional
	LastSeen time.Time
}
