// Package directmessage implements agent-to-agent DMs (spec §4.6):
// online delivery via pubsub, offline queueing in the KV store, async
// activity logging, and notification fan-out.
package directmessage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/id"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/model"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/util/timefmt"
)

// SendResult reports whether a message was delivered live or queued.
type SendResult struct {
	MessageID string
	Status    string // "delivered" | "queued"
}

const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

func queueKey(fleetID, to, messageID string) string {
	return fmt.Sprintf("dmq:%s:%s:%s", fleetID, to, messageID)
}

func queuePrefix(fleetID, agentID string) string {
	return fmt.Sprintf("dmq:%s:%s:", fleetID, agentID)
}

// Service wires Presence, pubsub, the KV queue, the activity log, and
// notifications together to implement send/deliver/history.
type Service struct {
	kv       kv.Store
	presence *presence.Roster
	bus      *pubsub.Bus
	log      *eventlog.Log
	notify   *notification.Service
}

// New wires a DirectMessage Service.
func New(store kv.Store, presenceRoster *presence.Roster, bus *pubsub.Bus, log *eventlog.Log, notify *notification.Service) *Service {
	return &Service{kv: store, presence: presenceRoster, bus: bus, log: log, notify: notify}
}

// Send implements send_message. fromFleetID and toFleetID are the
// fleets the sending and receiving connections are scoped to; a
// mismatch against fleetID means the two agents aren't actually in
// the same fleet. Self-sends are tolerated as a no-op (the
// ChannelGateway is responsible for rejecting them upstream).
func (s *Service) Send(ctx context.Context, fleetID, fromFleetID, toFleetID string, from model.AgentRef, to string, message map[string]any, correlationID string) (SendResult, error) {
	if fleetID == "" || fromFleetID != fleetID || toFleetID != fleetID {
		return SendResult{}, rferr.ErrNotInThisFleet
	}
	if from.AgentID == to {
		return SendResult{}, nil
	}

	env := model.DirectMessageEnvelope{
		MessageID:     id.Message(),
		FleetID:       fleetID,
		From:          from,
		To:            to,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     timefmt.Format(time.Now()),
	}

	result := SendResult{MessageID: env.MessageID}
	if s.presence != nil && s.presence.IsOnline(fleetID, to) {
		if s.bus != nil {
			s.bus.Publish(notification.AgentTopic(fleetID, to), pubsub.Message{Event: "direct_message", Payload: env})
		}
		result.Status = StatusDelivered
	} else {
		raw, err := marshalEnvelope(env)
		if err != nil {
			return SendResult{}, err
		}
		if err := s.kv.Put(ctx, queueKey(fleetID, to, env.MessageID), raw); err != nil {
			return SendResult{}, rferr.Wrap(rferr.KindStoreFailed, err)
		}
		result.Status = StatusQueued
	}

	if s.log != nil {
		s.log.AppendAsync(eventlog.FromEnvelope(env, result.Status))
	}
	if s.notify != nil {
		_, _ = s.notify.Notify(ctx, fleetID, to, notification.TypeDMReceived, map[string]any{
			"message_id": env.MessageID,
			"from":       from.AgentID,
		})
	}

	return result, nil
}

// DeliverQueued lists an agent's queued DMs in lexical (chronological)
// order, publishes each to their topic, deletes on ack, and returns
// the delivered envelopes.
func (s *Service) DeliverQueued(ctx context.Context, fleetID, agentID string) ([]model.DirectMessageEnvelope, error) {
	docs, err := s.kv.ListDocuments(ctx, queuePrefix(fleetID, agentID))
	if err != nil {
		return nil, fmt.Errorf("scan dm queue: %w", err)
	}

	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	delivered := make([]model.DirectMessageEnvelope, 0, len(keys))
	for _, k := range keys {
		env, err := unmarshalEnvelope(docs[k])
		if err != nil {
			continue
		}
		if s.bus != nil {
			s.bus.Publish(notification.AgentTopic(fleetID, agentID), pubsub.Message{Event: "direct_message", Payload: env})
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			return delivered, fmt.Errorf("ack dm queue entry %s: %w", k, err)
		}
		delivered = append(delivered, env)
	}
	return delivered, nil
}

// History delegates to the activity event log for the (a,b) pair.
func (s *Service) History(ctx context.Context, fleetID, a, b string, limit int) ([]eventlog.Event, error) {
	return s.log.History(ctx, fleetID, a, b, limit)
}

func marshalEnvelope(env model.DirectMessageEnvelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode dm envelope: %w", err)
	}
	return raw, nil
}

func unmarshalEnvelope(raw []byte) (model.DirectMessageEnvelope, error) {
	var env model.DirectMessageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.DirectMessageEnvelope{}, fmt.Errorf("decode dm envelope: %w", err)
	}
	return env, nil
}
