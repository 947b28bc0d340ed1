// Package announcement implements tier 0/1 fleet-wide and scoped
// broadcasts (spec §4.9): scope parsing, per-scope publish and
// recipient counting, and the accompanying sanitized-preview
// notification fan-out.
package announcement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/model"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/registry"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/util/sanitize"
)

const previewLen = 80

// FleetTopic is the topic every agent joining a fleet subscribes to.
func FleetTopic(fleetID string) string { return "fleet:" + fleetID }

// SquadTopic is the topic every agent in a squad subscribes to.
func SquadTopic(squadID string) string { return "squad:" + squadID }

// Announcement is the payload published to resolved recipients.
type Announcement struct {
	FleetID   string         `json:"fleet_id"`
	From      string         `json:"from"`
	Scope     string         `json:"scope"`
	Body      string         `json:"body"`
	Priority  string         `json:"priority,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Result reports how many recipients a scope resolved to.
type Result struct {
	Scope          string `json:"scope"`
	RecipientCount int    `json:"recipient_count"`
	Announcement   Announcement
}

// Service ties the registry (squad/role membership), pubsub,
// presence roster, and notification inbox together.
type Service struct {
	registry *registry.Registry
	notify   *notification.Service
	bus      *pubsub.Bus
	presence *presence.Roster
}

// New wires an announcement Service.
func New(reg *registry.Registry, notify *notification.Service, bus *pubsub.Bus, roster *presence.Roster) *Service {
	return &Service{registry: reg, notify: notify, bus: bus, presence: roster}
}

// Attrs carries announce's free-form input fields.
type Attrs struct {
	Body     string
	Priority string
	Metadata map[string]any
}

// Announce gates on the sender's tier (0/1 only), resolves the scope,
// publishes to it, and notifies every resolved recipient with an
// announcement-type Notification carrying an 80-char preview.
func (s *Service) Announce(ctx context.Context, fleetID, fromAgentID, scope string, attrs Attrs) (Result, error) {
	sender, err := s.registry.GetAgent(ctx, fleetID, fromAgentID)
	if err != nil {
		return Result{}, fmt.Errorf("load sender: %w", err)
	}
	tier := access.TierOf(&sender)
	if tier != access.Tier0 && tier != access.Tier1 {
		return Result{}, rferr.Denied("only tier 0/1 agents may announce", map[string]any{"alternative": "message:escalate"})
	}

	ann := Announcement{
		FleetID:   fleetID,
		From:      fromAgentID,
		Scope:     scope,
		Body:      attrs.Body,
		Priority:  attrs.Priority,
		Metadata:  attrs.Metadata,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	recipientIDs, err := s.resolve(ctx, fleetID, scope, ann)
	if err != nil {
		return Result{}, err
	}

	preview := sanitize.Preview(attrs.Body, previewLen)
	for _, agentID := range recipientIDs {
		if s.notify == nil {
			continue
		}
		_, _ = s.notify.Notify(ctx, fleetID, agentID, notification.TypeAnnouncement, map[string]any{
			"from":    fromAgentID,
			"scope":   scope,
			"preview": preview,
		})
	}

	return Result{Scope: scope, RecipientCount: len(recipientIDs), Announcement: ann}, nil
}

// resolve publishes per the scope's rule and returns the agent ids
// that should additionally receive a Notification.
func (s *Service) resolve(ctx context.Context, fleetID, scope string, ann Announcement) ([]string, error) {
	switch {
	case scope == "fleet":
		if s.bus != nil {
			s.bus.Publish(FleetTopic(fleetID), pubsub.Message{Event: "activity:broadcast", Payload: ann})
		}
		if s.presence == nil {
			return nil, nil
		}
		present := s.presence.RosterFor(fleetID)
		ids := make([]string, 0, len(present))
		for _, p := range present {
			ids = append(ids, p.AgentID)
		}
		return ids, nil

	case strings.HasPrefix(scope, "squad:"):
		squadID := strings.TrimPrefix(scope, "squad:")
		if s.bus != nil {
			s.bus.Publish(SquadTopic(squadID), pubsub.Message{Event: "activity:broadcast", Payload: ann})
			s.bus.Publish(FleetTopic(fleetID), pubsub.Message{Event: "activity:broadcast", Payload: markedCopy(ann)})
		}
		agents, err := s.registry.ListAgentsBySquad(ctx, fleetID, squadID)
		if err != nil {
			return nil, fmt.Errorf("list squad agents: %w", err)
		}
		return agentIDs(agents), nil

	case strings.HasPrefix(scope, "role:"):
		slug := strings.TrimPrefix(scope, "role:")
		agents, err := s.registry.ListAgentsByRoleSlug(ctx, fleetID, slug)
		if err != nil {
			return nil, fmt.Errorf("list role agents: %w", err)
		}
		ids := agentIDs(agents)
		if s.bus != nil {
			for _, agentID := range ids {
				s.bus.Publish(notification.AgentTopic(fleetID, agentID), pubsub.Message{Event: "activity:broadcast", Payload: ann})
			}
		}
		return ids, nil

	default:
		return nil, rferr.New(rferr.KindInvalidStatus, fmt.Sprintf("unrecognized announcement scope %q", scope))
	}
}

func markedCopy(ann Announcement) Announcement {
	marked := ann
	if marked.Metadata == nil {
		marked.Metadata = map[string]any{}
	} else {
		copied := make(map[string]any, len(marked.Metadata)+1)
		for k, v := range marked.Metadata {
			copied[k] = v
		}
		marked.Metadata = copied
	}
	marked.Metadata["relayed_from_squad"] = true
	return marked
}

func agentIDs(agents []model.Agent) []string {
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.AgentID)
	}
	return ids
}
