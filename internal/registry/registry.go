// Package registry is the durable tenant/fleet/agent/squad/role
// registry backing AccessControl, Crypto's key lookup, and the
// Router's agent loading step (spec §3, §4.1, §4.2 step 1). It reads
// and writes the SQL tables defined by internal/store's migrations
// directly; no code generator was available in the reference pack, so
// queries are hand-written against database/sql, the same driver
// internal/store.Open configures.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ringforge/hub/internal/model"
)

// Registry reads and writes the durable tenant/fleet/agent registry.
type Registry struct {
	db *sql.DB
}

// New wraps an open *sql.DB.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// CreateTenant inserts a new tenant.
func (r *Registry) CreateTenant(ctx context.Context, t model.Tenant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, plan) VALUES (?, ?, ?)`, t.ID, t.Name, t.Plan)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// CreateFleet inserts a new fleet under an existing tenant.
func (r *Registry) CreateFleet(ctx context.Context, f model.Fleet) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO fleets (id, tenant_id, name) VALUES (?, ?, ?)`, f.ID, f.TenantID, f.Name)
	if err != nil {
		return fmt.Errorf("create fleet: %w", err)
	}
	return nil
}

// GetFleet loads a fleet by id.
func (r *Registry) GetFleet(ctx context.Context, fleetID string) (model.Fleet, error) {
	var f model.Fleet
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name FROM fleets WHERE id = ?`, fleetID,
	).Scan(&f.ID, &f.TenantID, &f.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Fleet{}, fmt.Errorf("fleet %q: %w", fleetID, sql.ErrNoRows)
	}
	if err != nil {
		return model.Fleet{}, fmt.Errorf("get fleet: %w", err)
	}
	return f, nil
}

// CreateApiKey inserts a new key (admin or live).
func (r *Registry) CreateApiKey(ctx context.Context, k model.ApiKey) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, fleet_id, type, raw_secret, revoked) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.FleetID, string(k.Type), k.RawSecret, boolToInt(k.Revoked))
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// RevokeApiKey marks a key revoked by its raw secret.
func (r *Registry) RevokeApiKey(ctx context.Context, rawSecret string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE raw_secret = ?`, rawSecret)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

// CanonicalLiveKey returns the fleet's canonical live API key: the
// most-recently created non-revoked live key (see DESIGN.md's
// decision for the spec's "which key is canonical" open question).
func (r *Registry) CanonicalLiveKey(ctx context.Context, fleetID string) (string, error) {
	var rawSecret string
	err := r.db.QueryRowContext(ctx, `
		SELECT raw_secret FROM api_keys
		WHERE fleet_id = ? AND type = 'live' AND revoked = 0
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, fleetID,
	).Scan(&rawSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("canonical live key: %w", err)
	}
	return rawSecret, nil
}

// AuthenticateLiveKey resolves the fleet_id a live key belongs to,
// verifying it is not revoked. Used by the ChannelGateway's phx_join
// handshake.
func (r *Registry) AuthenticateLiveKey(ctx context.Context, rawSecret string) (fleetID string, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT fleet_id FROM api_keys WHERE raw_secret = ? AND type = 'live' AND revoked = 0`, rawSecret,
	).Scan(&fleetID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("authenticate live key: %w", sql.ErrNoRows)
	}
	if err != nil {
		return "", fmt.Errorf("authenticate live key: %w", err)
	}
	return fleetID, nil
}

// AuthenticateAdminKey resolves the fleet_id an admin key grants
// control-plane access to.
func (r *Registry) AuthenticateAdminKey(ctx context.Context, rawSecret string) (fleetID string, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT fleet_id FROM api_keys WHERE raw_secret = ? AND type = 'admin' AND revoked = 0`, rawSecret,
	).Scan(&fleetID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("authenticate admin key: %w", sql.ErrNoRows)
	}
	if err != nil {
		return "", fmt.Errorf("authenticate admin key: %w", err)
	}
	return fleetID, nil
}

// CreateSquad inserts a new squad.
func (r *Registry) CreateSquad(ctx context.Context, s model.Squad) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO squads (id, fleet_id, name) VALUES (?, ?, ?)`, s.ID, s.FleetID, s.Name)
	if err != nil {
		return fmt.Errorf("create squad: %w", err)
	}
	return nil
}

// CreateRoleTemplate inserts a new role template.
func (r *Registry) CreateRoleTemplate(ctx context.Context, rt model.RoleTemplate) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO role_templates (id, slug) VALUES (?, ?)`, rt.ID, rt.Slug)
	if err != nil {
		return fmt.Errorf("create role template: %w", err)
	}
	return nil
}

// JoinAttrs carries the identity fields a phx_join payload supplies
// for first-join agent creation (spec §3 Agent lifecycle, §4.12).
type JoinAttrs struct {
	Name        string
	DisplayName string
	SquadID     string
	RoleSlug    string // resolved to a role_template_id if known
	ContextTier model.ContextTier
	Metadata    map[string]any
}

// EnsureAgent loads an existing agent by id, or creates it on first
// successful key-authenticated join (spec §3: "created on first
// successful key-authenticated join; persists").
func (r *Registry) EnsureAgent(ctx context.Context, fleetID, agentID string, attrs JoinAttrs) (model.Agent, error) {
	existing, err := r.GetAgent(ctx, fleetID, agentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, err
	}

	var roleTemplateID string
	if attrs.RoleSlug != "" {
		_ = r.db.QueryRowContext(ctx, `SELECT id FROM role_templates WHERE slug = ?`, attrs.RoleSlug).Scan(&roleTemplateID)
	}
	if attrs.ContextTier == "" {
		attrs.ContextTier = model.ContextTier2
	}
	metaJSON, err := json.Marshal(attrs.Metadata)
	if err != nil {
		return model.Agent{}, fmt.Errorf("marshal agent metadata: %w", err)
	}

	var squadID any
	if attrs.SquadID != "" {
		squadID = attrs.SquadID
	}
	var roleID any
	if roleTemplateID != "" {
		roleID = roleTemplateID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, fleet_id, squad_id, name, display_name, role_template_id, context_tier, metadata, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, fleetID, squadID, attrs.Name, attrs.DisplayName, roleID, string(attrs.ContextTier), string(metaJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return model.Agent{}, fmt.Errorf("create agent: %w", err)
	}

	return r.GetAgent(ctx, fleetID, agentID)
}

// GetAgent loads an agent by (fleet_id, agent_id), resolving its role
// slug via role_templates.
func (r *Registry) GetAgent(ctx context.Context, fleetID, agentID string) (model.Agent, error) {
	return r.getAgentWhere(ctx, "a.fleet_id = ? AND a.agent_id = ?", fleetID, agentID)
}

// GetAgentByID loads an agent by its agent_id alone — the primary
// key, global across fleets — without restricting to a caller-
// supplied fleet. Callers that must detect a cross-fleet reference
// (e.g. the Router's tenant-isolation check) compare the returned
// Agent.FleetID themselves rather than relying on a lookup miss.
func (r *Registry) GetAgentByID(ctx context.Context, agentID string) (model.Agent, error) {
	return r.getAgentWhere(ctx, "a.agent_id = ?", agentID)
}

func (r *Registry) getAgentWhere(ctx context.Context, where string, args ...any) (model.Agent, error) {
	var (
		a              model.Agent
		squadID        sql.NullString
		roleTemplateID sql.NullString
		roleSlug       sql.NullString
		metaJSON       string
		lastSeenAt     sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT a.agent_id, a.fleet_id, a.squad_id, a.name, a.display_name, a.role_template_id,
		       a.context_tier, a.metadata, a.last_seen_at, rt.slug
		FROM agents a
		LEFT JOIN role_templates rt ON rt.id = a.role_template_id
		WHERE `+where, args...,
	).Scan(&a.AgentID, &a.FleetID, &squadID, &a.Name, &a.DisplayName, &roleTemplateID,
		&a.ContextTier, &metaJSON, &lastSeenAt, &roleSlug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("agent not found: %w", sql.ErrNoRows)
		}
		return model.Agent{}, fmt.Errorf("get agent: %w", err)
	}

	a.SquadID = squadID.String
	a.RoleTemplateID = roleTemplateID.String
	a.RoleSlug = roleSlug.String
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &a.Metadata)
	}
	if lastSeenAt.Valid {
		a.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeenAt.String)
	}
	return a, nil
}

// TouchLastSeen bumps an agent's last_seen_at to now.
func (r *Registry) TouchLastSeen(ctx context.Context, fleetID, agentID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE fleet_id = ? AND agent_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), fleetID, agentID)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// ListAgentsByFleet returns every agent in fleetID.
func (r *Registry) ListAgentsByFleet(ctx context.Context, fleetID string) ([]model.Agent, error) {
	ids, err := r.queryAgentIDs(ctx, `SELECT agent_id FROM agents WHERE fleet_id = ?`, fleetID)
	if err != nil {
		return nil, err
	}
	return r.hydrateAgents(ctx, fleetID, ids)
}

// ListAgentsBySquad returns every agent in fleetID currently assigned
// to squadID.
func (r *Registry) ListAgentsBySquad(ctx context.Context, fleetID, squadID string) ([]model.Agent, error) {
	ids, err := r.queryAgentIDs(ctx, `SELECT agent_id FROM agents WHERE fleet_id = ? AND squad_id = ?`, fleetID, squadID)
	if err != nil {
		return nil, err
	}
	return r.hydrateAgents(ctx, fleetID, ids)
}

// ListAgentsByRoleSlug returns every agent in fleetID whose resolved
// role slug matches slug.
func (r *Registry) ListAgentsByRoleSlug(ctx context.Context, fleetID, slug string) ([]model.Agent, error) {
	ids, err := r.queryAgentIDs(ctx, `
		SELECT a.agent_id FROM agents a
		JOIN role_templates rt ON rt.id = a.role_template_id
		WHERE a.fleet_id = ? AND rt.slug = ?`, fleetID, slug)
	if err != nil {
		return nil, err
	}
	return r.hydrateAgents(ctx, fleetID, ids)
}

// SquadLeaderOf returns the agent_id of squadID's squad-leader, if
// one is currently assigned. Satisfies access.SquadLeaderLookup.
func (r *Registry) SquadLeaderOf(ctx context.Context, fleetID, squadID string) (string, bool) {
	var agentID string
	err := r.db.QueryRowContext(ctx, `
		SELECT a.agent_id FROM agents a
		JOIN role_templates rt ON rt.id = a.role_template_id
		WHERE a.fleet_id = ? AND a.squad_id = ? AND rt.slug = 'squad-leader'
		LIMIT 1`, fleetID, squadID).Scan(&agentID)
	if err != nil {
		return "", false
	}
	return agentID, true
}

func (r *Registry) queryAgentIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Registry) hydrateAgents(ctx context.Context, fleetID string, ids []string) ([]model.Agent, error) {
	out := make([]model.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := r.GetAgent(ctx, fleetID, id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
