package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/model"
)

func agent(fleet, squad, slug string, ctxTier model.ContextTier, admin bool) *model.Agent {
	meta := map[string]any{}
	if admin {
		meta["fleet_admin"] = true
	}
	return &model.Agent{
		FleetID:     fleet,
		SquadID:     squad,
		RoleSlug:    slug,
		ContextTier: ctxTier,
		Metadata:    meta,
	}
}

func TestTierOf(t *testing.T) {
	assert.Equal(t, access.Tier0, access.TierOf(agent("F1", "", "backend-dev", model.ContextTier0, true)))
	assert.Equal(t, access.Tier1, access.TierOf(agent("F1", "", "tech-lead", model.ContextTier1, false)))
	assert.Equal(t, access.Tier2, access.TierOf(agent("F1", "S1", "squad-leader", model.ContextTier2, false)))
	assert.Equal(t, access.Tier3, access.TierOf(agent("F1", "S1", "backend-dev", model.ContextTier2, false)))
	assert.Equal(t, access.Tier3, access.TierOf(agent("F1", "S1", "some-unknown-slug", model.ContextTier2, false)))
	assert.Equal(t, access.Tier4, access.TierOf(agent("F1", "S1", "", model.ContextTier2, false)))
	assert.Equal(t, access.Tier4, access.TierOf(agent("F1", "S1", "backend-dev", model.ContextTier3, false)))
}

func TestCanDM_SameSquadAlwaysAllowed(t *testing.T) {
	a := agent("F1", "S1", "backend-dev", model.ContextTier2, false)
	b := agent("F1", "S1", "qa-engineer", model.ContextTier2, false)
	d := access.CanDM(a, b, nil)
	assert.True(t, d.Allowed)
}

func TestCanDM_CrossSquadTier3Denied(t *testing.T) {
	sender := agent("F1", "S1", "backend-dev", model.ContextTier2, false)
	target := agent("F1", "S2", "backend-dev", model.ContextTier2, false)

	lookup := func(fleetID, squadID string) (string, bool) {
		if squadID == "S1" {
			return "ag_leader_s1", true
		}
		return "", false
	}

	d := access.CanDM(sender, target, lookup)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Cross-squad messaging requires Tier 1+ role", d.Reason)
	assert.Equal(t, "ag_leader_s1", d.Suggestion["your_squad_leader"])
	assert.Equal(t, "message:escalate", d.Suggestion["alternative"])
}

func TestCanDM_Tier4GetsStructuredFormatHint(t *testing.T) {
	sender := agent("F1", "S1", "", model.ContextTier2, false)
	target := agent("F1", "S2", "backend-dev", model.ContextTier2, false)

	d := access.CanDM(sender, target, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, "structured", d.Suggestion["required_format"])
}

func TestCanDM_NoSquadReachesOnlyTier0To2(t *testing.T) {
	sender := agent("F1", "", "backend-dev", model.ContextTier2, false)
	leader := agent("F1", "S2", "squad-leader", model.ContextTier1, false)
	dev := agent("F1", "S2", "backend-dev", model.ContextTier2, false)

	assert.True(t, access.CanDM(sender, leader, nil).Allowed)
	assert.False(t, access.CanDM(sender, dev, nil).Allowed)
}

func TestCanDM_Tier1ReachesAnyone(t *testing.T) {
	sender := agent("F1", "S1", "tech-lead", model.ContextTier1, false)
	target := agent("F1", "S2", "backend-dev", model.ContextTier2, false)
	assert.True(t, access.CanDM(sender, target, nil).Allowed)
}

func TestCanBroadcast(t *testing.T) {
	tier1 := agent("F1", "S1", "tech-lead", model.ContextTier1, false)
	assert.True(t, access.CanBroadcast(tier1, true, nil).Allowed)

	leader := agent("F1", "S1", "squad-leader", model.ContextTier2, false)
	assert.True(t, access.CanBroadcast(leader, false, nil).Allowed)
	assert.False(t, access.CanBroadcast(leader, true, nil).Allowed)

	unroled := agent("F1", "S1", "", model.ContextTier2, false)
	assert.False(t, access.CanBroadcast(unroled, false, nil).Allowed)
}

func TestCanEscalate(t *testing.T) {
	assert.True(t, access.CanEscalate(access.Tier3, access.Tier1)) // upward
	assert.True(t, access.CanEscalate(access.Tier2, access.Tier2)) // same tier
	assert.True(t, access.CanEscalate(access.Tier0, access.Tier3)) // sender is tier 0
	assert.False(t, access.CanEscalate(access.Tier1, access.Tier3))
}
