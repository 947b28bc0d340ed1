// Package presence tracks the fleet-topic roster of connected agents
// (spec §3 Presence record, §4.12). It is process-local: in a
// clustered deployment each node tracks only the agents connected to
// it, and DirectMessage's online fast-path only fires for recipients
// present on the same node as the sender's connection (sticky
// sessions per §4.4/§5).
package presence

import (
	"sync"
	"time"

	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/model"
)

// Roster tracks presence records per (fleet_id, agent_id).
type Roster struct {
	mu      sync.RWMutex
	byFleet map[string]map[string]model.Presence
}

// New returns an empty Roster.
func New() *Roster {
	return &Roster{byFleet: make(map[string]map[string]model.Presence)}
}

// Join marks agentID online in fleetID, recording its last-seen time.
func (r *Roster) Join(fleetID, agentID string) {
	r.Update(fleetID, agentID, model.PresenceOnline, "")
}

// Update sets an agent's state and optional active task, bumping
// last_seen.
func (r *Roster) Update(fleetID, agentID string, state model.PresenceState, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byFleet[fleetID] == nil {
		r.byFleet[fleetID] = make(map[string]model.Presence)
	}
	_, existed := r.byFleet[fleetID][agentID]
	r.byFleet[fleetID][agentID] = model.Presence{
		FleetID:  fleetID,
		AgentID:  agentID,
		State:    state,
		Task:     task,
		LastSeen: time.Now(),
	}
	if !existed {
		metrics.AgentsOnline.Inc()
	}
}

// Leave removes agentID from fleetID's roster.
func (r *Roster) Leave(fleetID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byFleet[fleetID]; ok {
		if _, existed := set[agentID]; existed {
			delete(set, agentID)
			metrics.AgentsOnline.Dec()
		}
		if len(set) == 0 {
			delete(r.byFleet, fleetID)
		}
	}
}

// IsOnline reports whether agentID currently has a presence record in
// fleetID.
func (r *Roster) IsOnline(fleetID, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byFleet[fleetID][agentID]
	return ok
}

// Get returns agentID's presence record in fleetID, if any.
func (r *Roster) Get(fleetID, agentID string) (model.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byFleet[fleetID][agentID]
	return p, ok
}

// RosterFor returns a snapshot of every presence record in fleetID.
func (r *Roster) RosterFor(fleetID string) []model.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byFleet[fleetID]
	out := make([]model.Presence, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	return out
}

// SquadMembers returns the agent ids of fleetID's roster currently
// in squadID, given a lookup of an agent's squad membership (the
// roster itself doesn't track squad, which is registry data).
func (r *Roster) SquadMembers(fleetID string, squadOf func(agentID string) string, squadID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for agentID := range r.byFleet[fleetID] {
		if squadOf(agentID) == squadID {
			out = append(out, agentID)
		}
	}
	return out
}
