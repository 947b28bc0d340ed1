package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/model"
	"github.com/ringforge/hub/internal/registry"
	"github.com/ringforge/hub/internal/store"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return registry.New(db)
}

func seedFleetWithRoles(t *testing.T, r *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.CreateTenant(ctx, model.Tenant{ID: "T1", Name: "Acme", Plan: "pro"}))
	require.NoError(t, r.CreateFleet(ctx, model.Fleet{ID: "F1", TenantID: "T1", Name: "Main"}))
	require.NoError(t, r.CreateSquad(ctx, model.Squad{ID: "S1", FleetID: "F1", Name: "Squad 1"}))
	require.NoError(t, r.CreateRoleTemplate(ctx, model.RoleTemplate{ID: "rt_leader", Slug: "squad-leader"}))
	require.NoError(t, r.CreateRoleTemplate(ctx, model.RoleTemplate{ID: "rt_dev", Slug: "backend-dev"}))
}

func TestEnsureAgent_CreatesOnFirstJoin(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	seedFleetWithRoles(t, r)

	a, err := r.EnsureAgent(ctx, "F1", "ag_a", registry.JoinAttrs{
		Name: "Agent A", SquadID: "S1", RoleSlug: "squad-leader", ContextTier: model.ContextTier1,
	})
	require.NoError(t, err)
	assert.Equal(t, "ag_a", a.AgentID)
	assert.Equal(t, "squad-leader", a.RoleSlug)

	// Second join returns the same persisted row, not a duplicate.
	again, err := r.EnsureAgent(ctx, "F1", "ag_a", registry.JoinAttrs{Name: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, a.AgentID, again.AgentID)
	assert.Equal(t, "Agent A", again.Name)
}

func TestSquadLeaderOf(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	seedFleetWithRoles(t, r)

	_, err := r.EnsureAgent(ctx, "F1", "ag_leader", registry.JoinAttrs{
		Name: "Leader", SquadID: "S1", RoleSlug: "squad-leader",
	})
	require.NoError(t, err)
	_, err = r.EnsureAgent(ctx, "F1", "ag_dev", registry.JoinAttrs{
		Name: "Dev", SquadID: "S1", RoleSlug: "backend-dev",
	})
	require.NoError(t, err)

	leaderID, ok := r.SquadLeaderOf(ctx, "F1", "S1")
	require.True(t, ok)
	assert.Equal(t, "ag_leader", leaderID)

	_, ok = r.SquadLeaderOf(ctx, "F1", "S2")
	assert.False(t, ok)
}

func TestListAgentsByRoleSlug(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	seedFleetWithRoles(t, r)

	_, err := r.EnsureAgent(ctx, "F1", "ag_dev1", registry.JoinAttrs{Name: "Dev1", RoleSlug: "backend-dev"})
	require.NoError(t, err)
	_, err = r.EnsureAgent(ctx, "F1", "ag_dev2", registry.JoinAttrs{Name: "Dev2", RoleSlug: "backend-dev"})
	require.NoError(t, err)
	_, err = r.EnsureAgent(ctx, "F1", "ag_leader", registry.JoinAttrs{Name: "Leader", RoleSlug: "squad-leader"})
	require.NoError(t, err)

	devs, err := r.ListAgentsByRoleSlug(ctx, "F1", "backend-dev")
	require.NoError(t, err)
	assert.Len(t, devs, 2)
}

func TestApiKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	seedFleetWithRoles(t, r)

	require.NoError(t, r.CreateApiKey(ctx, model.ApiKey{ID: "k1", FleetID: "F1", Type: model.ApiKeyLive, RawSecret: "rf_live_abc"}))

	fleetID, err := r.AuthenticateLiveKey(ctx, "rf_live_abc")
	require.NoError(t, err)
	assert.Equal(t, "F1", fleetID)

	canonical, err := r.CanonicalLiveKey(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, "rf_live_abc", canonical)

	require.NoError(t, r.RevokeApiKey(ctx, "rf_live_abc"))
	_, err = r.AuthenticateLiveKey(ctx, "rf_live_abc")
	assert.Error(t, err)
}
