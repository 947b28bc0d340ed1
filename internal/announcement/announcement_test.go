package announcement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/announcement"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/model"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/registry"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/store"
)

func newTestService(t *testing.T) (*announcement.Service, *registry.Registry, *pubsub.Bus, *presence.Roster) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))

	reg := registry.New(db)
	ctx := context.Background()
	require.NoError(t, reg.CreateTenant(ctx, model.Tenant{ID: "T1", Name: "Acme"}))
	require.NoError(t, reg.CreateFleet(ctx, model.Fleet{ID: "F1", TenantID: "T1", Name: "Main"}))
	require.NoError(t, reg.CreateSquad(ctx, model.Squad{ID: "S1", FleetID: "F1", Name: "Squad 1"}))
	require.NoError(t, reg.CreateRoleTemplate(ctx, model.RoleTemplate{ID: "rt_leader", Slug: "tech-lead"}))
	require.NoError(t, reg.CreateRoleTemplate(ctx, model.RoleTemplate{ID: "rt_dev", Slug: "backend-dev"}))

	bus := pubsub.NewBus()
	notify := notification.New(kv.NewMemory(), bus)
	roster := presence.New()
	return announcement.New(reg, notify, bus, roster), reg, bus, roster
}

func TestAnnounce_DeniedForTier3(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, _ := newTestService(t)

	_, err := reg.EnsureAgent(ctx, "F1", "ag_dev", registry.JoinAttrs{Name: "Dev", RoleSlug: "backend-dev"})
	require.NoError(t, err)

	_, err = svc.Announce(ctx, "F1", "ag_dev", "fleet", announcement.Attrs{Body: "hi"})
	require.Error(t, err)
	kind, ok := rferr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, rferr.KindDenied, kind)
}

func TestAnnounce_FleetScope(t *testing.T) {
	ctx := context.Background()
	svc, reg, bus, roster := newTestService(t)

	_, err := reg.EnsureAgent(ctx, "F1", "ag_tl", registry.JoinAttrs{Name: "TL", RoleSlug: "tech-lead"})
	require.NoError(t, err)
	_, err = reg.EnsureAgent(ctx, "F1", "ag_dev", registry.JoinAttrs{Name: "Dev", RoleSlug: "backend-dev"})
	require.NoError(t, err)
	roster.Join("F1", "ag_tl")
	roster.Join("F1", "ag_dev")

	sub := bus.Subscribe(announcement.FleetTopic("F1"))
	defer sub.Unsubscribe()
	devSub := bus.Subscribe(notification.AgentTopic("F1", "ag_dev"))
	defer devSub.Unsubscribe()

	res, err := svc.Announce(ctx, "F1", "ag_tl", "fleet", announcement.Attrs{Body: "all hands meeting at noon"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecipientCount)

	select {
	case msg := <-sub.C():
		assert.Equal(t, "activity:broadcast", msg.Event)
	default:
		t.Fatal("expected fleet topic publish")
	}

	select {
	case msg := <-devSub.C():
		assert.Equal(t, "notification", msg.Event)
	default:
		t.Fatal("expected recipient notification")
	}
}

func TestAnnounce_FleetScopeOnlyCountsLivePresences(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, roster := newTestService(t)

	_, err := reg.EnsureAgent(ctx, "F1", "ag_tl", registry.JoinAttrs{Name: "TL", RoleSlug: "tech-lead"})
	require.NoError(t, err)
	_, err = reg.EnsureAgent(ctx, "F1", "ag_dev", registry.JoinAttrs{Name: "Dev", RoleSlug: "backend-dev"})
	require.NoError(t, err)
	// ag_dev is registered but not currently connected; only ag_tl
	// (the sender) is present on the fleet topic.
	roster.Join("F1", "ag_tl")

	res, err := svc.Announce(ctx, "F1", "ag_tl", "fleet", announcement.Attrs{Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecipientCount)
}

func TestAnnounce_SquadScopePublishesBothTopics(t *testing.T) {
	ctx := context.Background()
	svc, reg, bus, _ := newTestService(t)

	_, err := reg.EnsureAgent(ctx, "F1", "ag_tl", registry.JoinAttrs{Name: "TL", RoleSlug: "tech-lead"})
	require.NoError(t, err)
	_, err = reg.EnsureAgent(ctx, "F1", "ag_dev", registry.JoinAttrs{Name: "Dev", SquadID: "S1", RoleSlug: "backend-dev"})
	require.NoError(t, err)

	squadSub := bus.Subscribe(announcement.SquadTopic("S1"))
	defer squadSub.Unsubscribe()
	fleetSub := bus.Subscribe(announcement.FleetTopic("F1"))
	defer fleetSub.Unsubscribe()

	res, err := svc.Announce(ctx, "F1", "ag_tl", "squad:S1", announcement.Attrs{Body: "squad huddle"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecipientCount)

	select {
	case <-squadSub.C():
	default:
		t.Fatal("expected squad topic publish")
	}
	select {
	case <-fleetSub.C():
	default:
		t.Fatal("expected marked copy on fleet topic")
	}
}

func TestAnnounce_RoleScope(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, _ := newTestService(t)

	_, err := reg.EnsureAgent(ctx, "F1", "ag_tl", registry.JoinAttrs{Name: "TL", RoleSlug: "tech-lead"})
	require.NoError(t, err)
	_, err = reg.EnsureAgent(ctx, "F1", "ag_dev1", registry.JoinAttrs{Name: "Dev1", RoleSlug: "backend-dev"})
	require.NoError(t, err)
	_, err = reg.EnsureAgent(ctx, "F1", "ag_dev2", registry.JoinAttrs{Name: "Dev2", RoleSlug: "backend-dev"})
	require.NoError(t, err)

	res, err := svc.Announce(ctx, "F1", "ag_tl", "role:backend-dev", announcement.Attrs{Body: "code freeze tonight"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecipientCount)
}
