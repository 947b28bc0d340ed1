// Package escalation implements tier-aware escalation routing (spec
// §4.8): handler resolution to a squad leader or tier-1 fallback,
// auto-forward rule consultation, and the pending/handled/forwarded/
// rejected state machine.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/id"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/registry"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/util/timefmt"
)

// Priority is the escalation's urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status is the escalation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusHandled   Status = "handled"
	StatusForwarded Status = "forwarded"
	StatusRejected  Status = "rejected"
)

// Escalation is a structured message routed to a handler.
type Escalation struct {
	ID           string   `json:"id"`
	FleetID      string   `json:"fleet_id"`
	FromAgent    string   `json:"from_agent"`
	TargetRole   string   `json:"target_role"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	Priority     Priority `json:"priority"`
	ContextRefs  []string `json:"context_refs,omitempty"`
	Status       Status   `json:"status"`
	HandlerIDs   []string `json:"handler_ids,omitempty"`
	HandlerAgent string   `json:"handler_agent,omitempty"`
	ForwardedTo  string   `json:"forwarded_to,omitempty"`
	Response     string   `json:"response,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// AutoForwardRule consults priority/from_role to decide whether a new
// escalation should also be broadcast to all tier-1 agents.
type AutoForwardRule struct {
	AutoForward bool     `json:"auto_forward"`
	Priorities  []string `json:"priorities,omitempty"`
	FromRoles   []string `json:"from_roles,omitempty"`
}

func escalationKey(fleetID, escID string) string { return "esc:" + fleetID + ":" + escID }
func indexKey(fleetID string) string             { return "esc_idx:" + fleetID }

const maxCASRetries = 8

// Service ties escalation storage together with the registry (for
// squad-leader and tier-1 lookups) and pubsub/notification for
// delivery to handlers.
type Service struct {
	kv       kv.Store
	cas      kv.CompareAndSwap
	registry *registry.Registry
	notify   *notification.Service
	bus      *pubsub.Bus
	rules    []AutoForwardRule
}

// New wires an escalation Service. rules may be nil. store must also
// implement kv.CompareAndSwap; addToIndex serializes its append
// against concurrent escalation creation via compare-and-swap (§5).
func New(store kv.Store, reg *registry.Registry, notify *notification.Service, bus *pubsub.Bus, rules []AutoForwardRule) *Service {
	cas, _ := store.(kv.CompareAndSwap)
	return &Service{kv: store, cas: cas, registry: reg, notify: notify, bus: bus, rules: rules}
}

func (s *Service) load(ctx context.Context, fleetID, escID string) (Escalation, bool, error) {
	raw, ok, err := s.kv.Get(ctx, escalationKey(fleetID, escID))
	if err != nil {
		return Escalation{}, false, fmt.Errorf("load escalation: %w", err)
	}
	if !ok {
		return Escalation{}, false, nil
	}
	var e Escalation
	if err := json.Unmarshal(raw, &e); err != nil {
		return Escalation{}, false, fmt.Errorf("decode escalation: %w", err)
	}
	return e, true, nil
}

func (s *Service) put(ctx context.Context, e Escalation) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode escalation: %w", err)
	}
	return s.kv.Put(ctx, escalationKey(e.FleetID, e.ID), raw)
}

// addToIndex appends escID to the fleet's escalation index,
// deduplicated. The index is a shared per-fleet document multiple
// CreateEscalation/Forward calls can append to concurrently, so the
// read-append-write is retried against kv.CompareAndSwap on
// contention, the way threads.AddMessage serializes its
// message_count bump.
func (s *Service) addToIndex(ctx context.Context, fleetID, escID string) error {
	if s.cas == nil {
		return s.addToIndexNoCAS(ctx, fleetID, escID)
	}

	docKey := indexKey(fleetID)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, ok, err := s.kv.Get(ctx, docKey)
		if err != nil {
			return fmt.Errorf("load escalation index: %w", err)
		}
		var ids []string
		if ok {
			if err := json.Unmarshal(current, &ids); err != nil {
				return fmt.Errorf("decode escalation index: %w", err)
			}
		}
		for _, existing := range ids {
			if existing == escID {
				return nil
			}
		}
		ids = append(ids, escID)
		updated, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("encode escalation index: %w", err)
		}

		var expected []byte
		if ok {
			expected = current
		}
		swapped, err := s.cas.PutIfMatch(ctx, docKey, expected, updated)
		if err != nil {
			return fmt.Errorf("cas escalation index update: %w", err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("fleet %s: escalation index update lost the race after %d retries", fleetID, maxCASRetries)
}

// addToIndexNoCAS is the fallback path for a kv.Store that does not
// implement kv.CompareAndSwap; it is not safe under concurrent writers.
func (s *Service) addToIndexNoCAS(ctx context.Context, fleetID, escID string) error {
	raw, ok, err := s.kv.Get(ctx, indexKey(fleetID))
	if err != nil {
		return fmt.Errorf("load escalation index: %w", err)
	}
	var ids []string
	if ok {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return fmt.Errorf("decode escalation index: %w", err)
		}
	}
	for _, existing := range ids {
		if existing == escID {
			return nil
		}
	}
	ids = append(ids, escID)
	updated, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode escalation index: %w", err)
	}
	return s.kv.Put(ctx, indexKey(fleetID), updated)
}

// Index returns the fleet's escalation id list.
func (s *Service) Index(ctx context.Context, fleetID string) ([]string, error) {
	raw, ok, err := s.kv.Get(ctx, indexKey(fleetID))
	if err != nil {
		return nil, fmt.Errorf("load escalation index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode escalation index: %w", err)
	}
	return ids, nil
}

// Get loads an escalation by id.
func (s *Service) Get(ctx context.Context, fleetID, escID string) (Escalation, bool, error) {
	return s.load(ctx, fleetID, escID)
}

// CreateAttrs carries create_escalation's input fields.
type CreateAttrs struct {
	Subject     string
	Body        string
	Priority    Priority
	ContextRefs []string
}

// resolveHandlers determines handler_ids: the sender's squad leader
// if they have a squad, else every fleet agent with a tier-1 role.
func (s *Service) resolveHandlers(ctx context.Context, fleetID, senderSquadID string) ([]string, error) {
	if senderSquadID != "" {
		if leaderID, ok := s.registry.SquadLeaderOf(ctx, fleetID, senderSquadID); ok {
			return []string{leaderID}, nil
		}
	}
	return s.tier1AgentIDs(ctx, fleetID)
}

func (s *Service) tier1AgentIDs(ctx context.Context, fleetID string) ([]string, error) {
	var ids []string
	for _, slug := range access.Tier1Slugs() {
		agents, err := s.registry.ListAgentsByRoleSlug(ctx, fleetID, slug)
		if err != nil {
			return nil, fmt.Errorf("list tier-1 agents (%s): %w", slug, err)
		}
		for _, a := range agents {
			ids = append(ids, a.AgentID)
		}
	}
	return ids, nil
}

// CreateEscalation assigns an id, resolves handlers, persists and
// indexes the escalation, notifies handlers with escalation_new, and
// consults auto-forward rules.
func (s *Service) CreateEscalation(ctx context.Context, fleetID, fromAgentID, targetRole string, attrs CreateAttrs) (Escalation, error) {
	sender, err := s.registry.GetAgent(ctx, fleetID, fromAgentID)
	if err != nil {
		return Escalation{}, fmt.Errorf("load sender: %w", err)
	}

	handlerIDs, err := s.resolveHandlers(ctx, fleetID, sender.SquadID)
	if err != nil {
		return Escalation{}, err
	}

	now := timefmt.Format(time.Now())
	e := Escalation{
		ID:          id.Escalation(),
		FleetID:     fleetID,
		FromAgent:   fromAgentID,
		TargetRole:  targetRole,
		Subject:     attrs.Subject,
		Body:        attrs.Body,
		Priority:    attrs.Priority,
		ContextRefs: attrs.ContextRefs,
		Status:      StatusPending,
		HandlerIDs:  handlerIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}

	if err := s.put(ctx, e); err != nil {
		return Escalation{}, err
	}
	if err := s.addToIndex(ctx, fleetID, e.ID); err != nil {
		return Escalation{}, err
	}

	for _, handlerID := range handlerIDs {
		s.notifyAgent(ctx, fleetID, handlerID, "escalation_new", e)
	}

	if s.autoForwardMatches(e) {
		tier1IDs, err := s.tier1AgentIDs(ctx, fleetID)
		if err == nil {
			for _, agentID := range tier1IDs {
				s.notifyAgent(ctx, fleetID, agentID, "escalation_auto_forwarded", e)
			}
		}
	}

	return e, nil
}

func (s *Service) autoForwardMatches(e Escalation) bool {
	for _, rule := range s.rules {
		if !rule.AutoForward {
			continue
		}
		if len(rule.Priorities) > 0 && !contains(rule.Priorities, string(e.Priority)) {
			continue
		}
		if len(rule.FromRoles) > 0 && !contains(rule.FromRoles, e.TargetRole) {
			continue
		}
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (s *Service) notifyAgent(ctx context.Context, fleetID, agentID, event string, e Escalation) {
	if s.bus != nil {
		s.bus.Publish("fleet:"+fleetID+":agent:"+agentID, pubsub.Message{Event: event, Payload: e})
	}
	if s.notify != nil {
		ntfType := notification.TypeEscalationNew
		if event == "escalation_forwarded" {
			ntfType = notification.TypeEscalationForwarded
		} else if event == "escalation_assigned" {
			ntfType = notification.TypeEscalationAssigned
		}
		_, _ = s.notify.Notify(ctx, fleetID, agentID, ntfType, map[string]any{"escalation_id": e.ID, "subject": e.Subject})
	}
}

// requireHandler enforces that only the current handler_agent (for a
// pending escalation, any agent in handler_ids) may transition it.
func (e Escalation) isHandledBy(agentID string) bool {
	if e.HandlerAgent != "" {
		return e.HandlerAgent == agentID
	}
	return contains(e.HandlerIDs, agentID)
}

// Handle transitions a pending escalation to handled, recording the
// response, and notifies the originator.
func (s *Service) Handle(ctx context.Context, fleetID, escID, byAgent, response string) (Escalation, error) {
	e, ok, err := s.load(ctx, fleetID, escID)
	if err != nil {
		return Escalation{}, err
	}
	if !ok {
		return Escalation{}, rferr.New(rferr.KindInvalidStatus, "escalation not found")
	}
	if e.Status != StatusPending {
		return Escalation{}, rferr.InvalidStatus(string(e.Status))
	}
	if !e.isHandledBy(byAgent) {
		return Escalation{}, rferr.New(rferr.KindNotAuthorized, "only the current handler may transition this escalation")
	}

	e.Status = StatusHandled
	e.HandlerAgent = byAgent
	e.Response = response
	e.UpdatedAt = timefmt.Format(time.Now())
	if err := s.put(ctx, e); err != nil {
		return Escalation{}, err
	}
	s.notifyAgent(ctx, fleetID, e.FromAgent, "escalation_handled", e)
	return e, nil
}

// Reject transitions a pending escalation to rejected and notifies
// the originator.
func (s *Service) Reject(ctx context.Context, fleetID, escID, byAgent, reason string) (Escalation, error) {
	e, ok, err := s.load(ctx, fleetID, escID)
	if err != nil {
		return Escalation{}, err
	}
	if !ok {
		return Escalation{}, rferr.New(rferr.KindInvalidStatus, "escalation not found")
	}
	if e.Status != StatusPending {
		return Escalation{}, rferr.InvalidStatus(string(e.Status))
	}
	if !e.isHandledBy(byAgent) {
		return Escalation{}, rferr.New(rferr.KindNotAuthorized, "only the current handler may transition this escalation")
	}

	e.Status = StatusRejected
	e.HandlerAgent = byAgent
	e.Response = reason
	e.UpdatedAt = timefmt.Format(time.Now())
	if err := s.put(ctx, e); err != nil {
		return Escalation{}, err
	}
	s.notifyAgent(ctx, fleetID, e.FromAgent, "escalation_rejected", e)
	return e, nil
}

// Forward marks the original escalation forwarded and creates a new
// pending escalation for the forwardee, also indexed.
func (s *Service) Forward(ctx context.Context, fleetID, escID, byAgent, toAgentID, note string) (Escalation, Escalation, error) {
	e, ok, err := s.load(ctx, fleetID, escID)
	if err != nil {
		return Escalation{}, Escalation{}, err
	}
	if !ok {
		return Escalation{}, Escalation{}, rferr.New(rferr.KindInvalidStatus, "escalation not found")
	}
	if e.Status != StatusPending {
		return Escalation{}, Escalation{}, rferr.InvalidStatus(string(e.Status))
	}
	if !e.isHandledBy(byAgent) {
		return Escalation{}, Escalation{}, rferr.New(rferr.KindNotAuthorized, "only the current handler may transition this escalation")
	}

	now := timefmt.Format(time.Now())
	e.Status = StatusForwarded
	e.ForwardedTo = toAgentID
	e.HandlerAgent = byAgent
	e.UpdatedAt = now
	if err := s.put(ctx, e); err != nil {
		return Escalation{}, Escalation{}, err
	}

	forwarded := Escalation{
		ID:          id.Escalation(),
		FleetID:     fleetID,
		FromAgent:   e.FromAgent,
		TargetRole:  e.TargetRole,
		Subject:     e.Subject,
		Body:        e.Body,
		Priority:    e.Priority,
		ContextRefs: e.ContextRefs,
		Status:      StatusPending,
		HandlerIDs:  []string{toAgentID},
		Response:    note,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.put(ctx, forwarded); err != nil {
		return Escalation{}, Escalation{}, err
	}
	if err := s.addToIndex(ctx, fleetID, forwarded.ID); err != nil {
		return Escalation{}, Escalation{}, err
	}

	s.notifyAgent(ctx, fleetID, toAgentID, "escalation_forwarded", forwarded)
	return e, forwarded, nil
}
