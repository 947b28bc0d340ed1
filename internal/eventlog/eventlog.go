// Package eventlog implements the append-only, topic-partitioned
// activity event log (spec §6): every DM, broadcast, and fleet
// activity event is written asynchronously to a fleet-scoped stream
// so failures in this path never fail the primary message (§7).
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ringforge/hub/internal/id"
	"github.com/ringforge/hub/internal/model"
)

// TopicKind partitions the log by event origin, matching the
// `ringforge.{fleet_id}.{kind}` stream naming in §6.
type TopicKind string

const (
	TopicActivity  TopicKind = "activity"
	TopicBroadcast TopicKind = "broadcast"
	TopicDM        TopicKind = "dm"
)

// Event is one record in the log.
type Event struct {
	EventID     string
	FleetID     string
	TopicKind   TopicKind
	From        string
	To          string
	Kind        string
	Description string
	Tags        []string
	Data        map[string]any
	Timestamp   time.Time
}

// Log persists events to the durable SQL registry.
type Log struct {
	db *sql.DB
}

// New wraps a *sql.DB for event-log persistence.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append synchronously inserts event. Callers on the hot path should
// use AppendAsync instead; Append is exposed for tests and for
// callers that have already offloaded to a worker goroutine.
func (l *Log) Append(ctx context.Context, ev Event) error {
	if ev.EventID == "" {
		ev.EventID = id.Event()
	}
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO activity_events
			(event_id, fleet_id, topic_kind, from_agent_id, to_agent_id, kind, description, tags, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.FleetID, string(ev.TopicKind), ev.From, ev.To, ev.Kind, ev.Description, string(tags), string(data),
		ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	return nil
}

// AppendAsync fires Append on a background goroutine with bounded
// retry (3 attempts, exponential backoff starting at 50ms). Failures
// are logged and swallowed per §7's async side-effect policy — they
// never propagate to the caller, which has already returned success
// for the primary operation.
func (l *Log) AppendAsync(ev Event) {
	if ev.EventID == "" {
		ev.EventID = id.Event()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		base, err := retry.NewExponential(50 * time.Millisecond)
		if err != nil {
			slog.Error("event log backoff config invalid", "component", "eventlog", "error", err)
			return
		}
		backoff := retry.WithMaxRetries(3, base)
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := l.Append(ctx, ev); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			slog.Error("event log append failed", "component", "eventlog",
				"fleet_id", ev.FleetID, "topic_kind", ev.TopicKind, "error", err)
		}
	}()
}

// DMPair is a directional (from, to) pair matched against stored
// events in either direction, per §4.6's history() definition.
type DMPair struct {
	A, B string
}

// History returns up to limit DM events for fleetID between agents a
// and b (either direction), newest first.
func (l *Log) History(ctx context.Context, fleetID, a, b string, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, fleet_id, topic_kind, from_agent_id, to_agent_id, kind, description, tags, data, created_at
		FROM activity_events
		WHERE fleet_id = ? AND topic_kind = 'dm'
		  AND ((from_agent_id = ? AND to_agent_id = ?) OR (from_agent_id = ? AND to_agent_id = ?))
		ORDER BY created_at DESC
		LIMIT ?`, fleetID, a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("query dm history: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Recent returns up to limit events for fleetID on the given topic
// kind, newest first (used by the admin activity-feed surface).
func (l *Log) Recent(ctx context.Context, fleetID string, kind TopicKind, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, fleet_id, topic_kind, from_agent_id, to_agent_id, kind, description, tags, data, created_at
		FROM activity_events
		WHERE fleet_id = ? AND topic_kind = ?
		ORDER BY created_at DESC
		LIMIT ?`, fleetID, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			ev                Event
			topicKind         string
			tagsJSON, dataJSON string
			createdAt         string
		)
		if err := rows.Scan(&ev.EventID, &ev.FleetID, &topicKind, &ev.From, &ev.To, &ev.Kind, &ev.Description, &tagsJSON, &dataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		ev.TopicKind = TopicKind(topicKind)
		_ = json.Unmarshal([]byte(tagsJSON), &ev.Tags)
		_ = json.Unmarshal([]byte(dataJSON), &ev.Data)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			ev.Timestamp = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FromEnvelope builds a DM topic event from a delivered/queued
// envelope, for AppendAsync in DirectMessage.send_message.
func FromEnvelope(env model.DirectMessageEnvelope, status string) Event {
	return Event{
		FleetID:     env.FleetID,
		TopicKind:   TopicDM,
		From:        env.From.AgentID,
		To:          env.To,
		Kind:        "dm",
		Description: status,
		Data:        map[string]any{"message_id": env.MessageID, "status": status},
		Timestamp:   time.Now().UTC(),
	}
}
