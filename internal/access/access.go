// Package access implements RingForge Hub's tiered role hierarchy
// (spec §4.3): mapping role slugs to tiers 0-4 and answering
// can_dm / can_broadcast / can_escalate for the Router pipeline.
package access

import "github.com/ringforge/hub/internal/model"

// Tier 0 is the most privileged (fleet admin); tier 4 is the least.
const (
	Tier0 = 0
	Tier1 = 1
	Tier2 = 2
	Tier3 = 3
	Tier4 = 4
)

var tier1Slugs = map[string]bool{
	"tech-lead":       true,
	"product-manager": true,
	"consultant":      true,
}

var tier2Slugs = map[string]bool{
	"squad-leader": true,
	"devops":       true,
}

var tier3Slugs = map[string]bool{
	"backend-dev":      true,
	"frontend-dev":     true,
	"fullstack-dev":    true,
	"qa-engineer":      true,
	"designer":         true,
	"data-engineer":    true,
	"mobile-dev":       true,
	"marketer":         true,
	"technical-writer": true,
	"security-expert":  true,
}

// TierOf returns the agent's AccessControl tier. A fleet_admin
// metadata flag always wins (tier 0); otherwise context_tier ==
// "tier3" forces tier 4 regardless of role; otherwise the role slug's
// tier applies, defaulting to tier 3 for unknown slugs and tier 4 for
// an empty (unroled) slug.
func TierOf(a *model.Agent) int {
	if a.IsFleetAdmin() {
		return Tier0
	}
	if a.ContextTier == model.ContextTier3 {
		return Tier4
	}
	if a.RoleSlug == "" {
		return Tier4
	}
	if tier1Slugs[a.RoleSlug] {
		return Tier1
	}
	if tier2Slugs[a.RoleSlug] {
		return Tier2
	}
	if tier3Slugs[a.RoleSlug] {
		return Tier3
	}
	// Unknown slug.
	return Tier3
}

// Tier1Slugs returns the role slugs the hierarchy treats as tier 1
// (tech-lead, product-manager, consultant) — used by Escalation's
// fallback-handler resolution when a sender has no squad.
func Tier1Slugs() []string {
	slugs := make([]string, 0, len(tier1Slugs))
	for s := range tier1Slugs {
		slugs = append(slugs, s)
	}
	return slugs
}

// SquadLeaderLookup resolves the agent_id of squadID's squad-leader,
// if one is currently a member. Implementations are backed by the
// agent registry.
type SquadLeaderLookup func(fleetID, squadID string) (agentID string, ok bool)

// Decision is the outcome of a can_* check. When Allowed is false,
// Reason and Suggestion back a `denied` reply per §7.
type Decision struct {
	Allowed    bool
	Reason     string
	Suggestion map[string]any
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string, suggestion map[string]any) Decision {
	return Decision{Allowed: false, Reason: reason, Suggestion: suggestion}
}

// buildSuggestion assembles the actionable suggestion payload: the
// sender's squad leader id (if any), the escalate alternative, and —
// for tier-4 senders — the structured-format hint.
func buildSuggestion(senderTier int, senderFleetID, senderSquadID string, lookup SquadLeaderLookup) map[string]any {
	s := map[string]any{"alternative": "message:escalate"}
	if senderSquadID != "" && lookup != nil {
		if leaderID, ok := lookup(senderFleetID, senderSquadID); ok {
			s["your_squad_leader"] = leaderID
		}
	}
	if senderTier == Tier4 {
		s["required_format"] = "structured"
	}
	return s
}

// CanDM answers whether sender may direct-message target. Same-squad
// DM is always allowed. A sender with no squad may only reach tier
// 0-2 targets. Otherwise tiers 0-1 reach anyone in the fleet; tier 2
// reaches its own squad plus tiers 0-2; tiers 3-4 are squad-local.
func CanDM(sender, target *model.Agent, lookup SquadLeaderLookup) Decision {
	if sender.SquadID != "" && sender.SquadID == target.SquadID {
		return allow()
	}

	senderTier := TierOf(sender)
	targetTier := TierOf(target)

	if sender.SquadID == "" {
		if targetTier <= Tier2 {
			return allow()
		}
		return deny("Cross-squad messaging requires Tier 1+ role", buildSuggestion(senderTier, sender.FleetID, sender.SquadID, lookup))
	}

	switch senderTier {
	case Tier0, Tier1:
		return allow()
	case Tier2:
		return deny("Cross-squad messaging requires Tier 1+ role", buildSuggestion(senderTier, sender.FleetID, sender.SquadID, lookup))
	default: // Tier3, Tier4
		return deny("Cross-squad messaging requires Tier 1+ role", buildSuggestion(senderTier, sender.FleetID, sender.SquadID, lookup))
	}
}

// CanBroadcast answers whether sender may originate a broadcast to
// the given scope ("fleet", "squad", "squad:<id>"). Tiers 0-1 reach
// the fleet; tier 2-3 are squad-only; tier 4 is forbidden entirely.
func CanBroadcast(sender *model.Agent, fleetWide bool, lookup SquadLeaderLookup) Decision {
	tier := TierOf(sender)
	switch tier {
	case Tier0, Tier1:
		return allow()
	case Tier2, Tier3:
		if fleetWide {
			return deny("Fleet-wide broadcast requires Tier 1+ role", buildSuggestion(tier, sender.FleetID, sender.SquadID, lookup))
		}
		return allow()
	default: // Tier4
		return deny("Tier 4 agents may not broadcast", buildSuggestion(tier, sender.FleetID, sender.SquadID, lookup))
	}
}

// CanEscalate answers whether sender may escalate toward a target
// role whose tier is targetTier. Permitted when the target outranks
// the sender, the target is a peer, or the sender is already tier 0.
func CanEscalate(senderTier, targetTier int) bool {
	return targetTier < senderTier || targetTier == senderTier || senderTier == Tier0
}
