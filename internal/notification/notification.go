// Package notification implements the per-agent notification inbox
// and real-time push (spec §4.10): a capped, prepended list per
// (fleet, agent) in the KV store, plus a publish on the agent's
// pubsub topic.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ringforge/hub/internal/id"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/util/timefmt"
)

const maxPerAgent = 100
const maxCASRetries = 8

// Type enumerates the notification kinds the spec names.
type Type string

const (
	TypeDMReceived          Type = "dm_received"
	TypeEscalationAssigned  Type = "escalation_assigned"
	TypeEscalationNew       Type = "escalation_new"
	TypeEscalationForwarded Type = "escalation_forwarded"
	TypeAnnouncement        Type = "announcement"
)

// Notification is one inbox entry.
type Notification struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
	Read      bool           `json:"read"`
}

func key(fleetID, agentID string) string {
	return fmt.Sprintf("ntf:%s:%s", fleetID, agentID)
}

// Service manages notification inboxes.
type Service struct {
	kv  kv.Store
	cas kv.CompareAndSwap
	bus *pubsub.Bus
}

// New wires a notification Service. store must also implement
// kv.CompareAndSwap; Notify serializes its prepend-and-cap update
// against concurrent senders via compare-and-swap (§5).
func New(store kv.Store, bus *pubsub.Bus) *Service {
	cas, _ := store.(kv.CompareAndSwap)
	return &Service{kv: store, cas: cas, bus: bus}
}

// AgentTopic is the per-agent pubsub topic notifications (and DMs)
// are published on.
func AgentTopic(fleetID, agentID string) string {
	return fmt.Sprintf("fleet:%s:agent:%s", fleetID, agentID)
}

func (s *Service) load(ctx context.Context, fleetID, agentID string) ([]Notification, error) {
	raw, ok, err := s.kv.Get(ctx, key(fleetID, agentID))
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var list []Notification
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return list, nil
}

func (s *Service) save(ctx context.Context, fleetID, agentID string, list []Notification) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode notifications: %w", err)
	}
	if err := s.kv.Put(ctx, key(fleetID, agentID), raw); err != nil {
		return fmt.Errorf("persist notifications: %w", err)
	}
	return nil
}

// Notify writes a new notification (prepended, capped at 100) and
// publishes it on the agent's topic. No duplicate suppression (§4.10).
// The inbox is a shared per-(fleet,agent) document multiple senders
// can write concurrently, so the prepend-and-cap update is retried
// against kv.CompareAndSwap on contention, the way threads.AddMessage
// serializes its message_count bump.
func (s *Service) Notify(ctx context.Context, fleetID, agentID string, typ Type, payload map[string]any) (Notification, error) {
	n := Notification{
		ID:        id.Notification(),
		Type:      typ,
		Payload:   payload,
		Timestamp: timefmt.Format(time.Now()),
	}

	if s.cas == nil {
		if err := s.notifyNoCAS(ctx, fleetID, agentID, n); err != nil {
			return Notification{}, err
		}
		s.publish(fleetID, agentID, n)
		return n, nil
	}

	docKey := key(fleetID, agentID)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, ok, err := s.kv.Get(ctx, docKey)
		if err != nil {
			return Notification{}, fmt.Errorf("load notifications: %w", err)
		}
		var list []Notification
		if ok {
			if err := json.Unmarshal(current, &list); err != nil {
				return Notification{}, fmt.Errorf("decode notifications: %w", err)
			}
		}
		list = append([]Notification{n}, list...)
		if len(list) > maxPerAgent {
			list = list[:maxPerAgent]
		}
		updated, err := json.Marshal(list)
		if err != nil {
			return Notification{}, fmt.Errorf("encode notifications: %w", err)
		}

		var expected []byte
		if ok {
			expected = current
		}
		swapped, err := s.cas.PutIfMatch(ctx, docKey, expected, updated)
		if err != nil {
			return Notification{}, fmt.Errorf("cas notifications update: %w", err)
		}
		if swapped {
			s.publish(fleetID, agentID, n)
			return n, nil
		}
	}
	return Notification{}, fmt.Errorf("agent %s: notification insert lost the race after %d retries", agentID, maxCASRetries)
}

// notifyNoCAS is the fallback path for a kv.Store that does not
// implement kv.CompareAndSwap; it is not safe under concurrent writers.
func (s *Service) notifyNoCAS(ctx context.Context, fleetID, agentID string, n Notification) error {
	list, err := s.load(ctx, fleetID, agentID)
	if err != nil {
		return err
	}
	list = append([]Notification{n}, list...)
	if len(list) > maxPerAgent {
		list = list[:maxPerAgent]
	}
	return s.save(ctx, fleetID, agentID, list)
}

func (s *Service) publish(fleetID, agentID string, n Notification) {
	if s.bus != nil {
		s.bus.Publish(AgentTopic(fleetID, agentID), pubsub.Message{
			Event:   "notification",
			Payload: n,
		})
	}
}

// List returns up to limit of an agent's notifications, newest first.
// limit <= 0 means no cap.
func (s *Service) List(ctx context.Context, fleetID, agentID string, limit int) ([]Notification, error) {
	list, err := s.load(ctx, fleetID, agentID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// UnreadCount counts unread notifications.
func (s *Service) UnreadCount(ctx context.Context, fleetID, agentID string) (int, error) {
	list, err := s.load(ctx, fleetID, agentID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range list {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkRead marks a single notification read by id.
func (s *Service) MarkRead(ctx context.Context, fleetID, agentID, notificationID string) error {
	list, err := s.load(ctx, fleetID, agentID)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == notificationID {
			list[i].Read = true
			break
		}
	}
	return s.save(ctx, fleetID, agentID, list)
}

// MarkAllRead marks every notification in the inbox read.
func (s *Service) MarkAllRead(ctx context.Context, fleetID, agentID string) error {
	list, err := s.load(ctx, fleetID, agentID)
	if err != nil {
		return err
	}
	for i := range list {
		list[i].Read = true
	}
	return s.save(ctx, fleetID, agentID, list)
}
