// Package threads implements persistent conversation threads (spec
// §4.7): creation, message appending with an atomically maintained
// message_count, prefix-scanned history, and close-on-task-done.
package threads

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

// Scope identifies what kind of conversation a thread represents.
type Scope string

const (
	ScopeDM         Scope = "dm"
	ScopeSquad      Scope = "squad"
	ScopeTask       Scope = "task"
	ScopeEscalation Scope = "escalation"
)

// Status is a thread's lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusArchived Status = "archived"
)

// Thread is a persistent, participant-scoped conversation.
type Thread struct {
	ThreadID       string          `json:"thread_id"`
	FleetID        string          `json:"fleet_id"`
	TenantID       string          `json:"tenant_id"`
	Scope          Scope           `json:"scope"`
	Subject        string          `json:"subject"`
	Status         Status          `json:"status"`
	ParticipantIDs map[string]bool `json:"participant_ids"`
	TaskID         string          `json:"task_id,omitempty"`
	MessageCount   int             `json:"message_count"`
	LastMessageAt  string          `json:"last_message_at,omitempty"`
	CreatedBy      string          `json:"created_by"`
	ClosedBy       string          `json:"closed_by,omitempty"`
	CloseReason    string          `json:"close_reason,omitempty"`
}

// Message is one entry in a thread's history.
type Message struct {
	MessageID string         `json:"message_id"`
	ThreadID  string         `json:"thread_id"`
	AgentID   string         `json:"agent_id"`
	Body      string         `json:"body"`
	Refs      []string       `json:"refs,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func threadKey(threadID string) string            { return "thread:" + threadID }
func taskIndexKey(taskID, threadID string) string { return "thread_by_task:" + taskID + ":" + threadID }
func messageKeyPrefix(threadID string) string     { return "thr_msg:" + threadID + ":" }
func messageKey(threadID, timestamp, messageID string) string {
	return fmt.Sprintf("%s%s:%s", messageKeyPrefix(threadID), timestamp, messageID)
}

// Threads manages thread creation, messaging, and lifecycle.
type Threads struct {
	kv  kv.Store
	cas kv.CompareAndSwap
	bus *pubsub.Bus
}

// New wires a Threads service. store must also implement
// kv.CompareAndSwap (both provided backends do) so message_count can
// be incremented atomically under concurrent writers (§5).
func New(store kv.Store, cas kv.CompareAndSwap, bus *pubsub.Bus) *Threads {
	return &Threads{kv: store, cas: cas, bus: bus}
}

// CreateAttrs carries create_thread's input fields.
type CreateAttrs struct {
	FleetID        string
	TenantID       string
	Scope          Scope
	Subject        string
	TaskID         string
	CreatedBy      string
	ParticipantIDs []string
}

// Topic is the pubsub topic thread updates are published on.
func Topic(threadID string) string { return "thread:" + threadID }

// CreateThread generates a thread_id, ensures the creator is a
// participant, and persists the new thread.
func (t *Threads) CreateThread(ctx context.Context, attrs CreateAttrs) (Thread, error) {
	participants := make(map[string]bool, len(attrs.ParticipantIDs)+1)
	for _, p := range attrs.ParticipantIDs {
		participants[p] = true
	}
	participants[attrs.CreatedBy] = true

	th := Thread{
		ThreadID:       id.Thread(),
		FleetID:        attrs.FleetID,
		TenantID:       attrs.TenantID,
		Scope:          attrs.Scope,
		Subject:        attrs.Subject,
		Status:         StatusOpen,
		ParticipantIDs: participants,
		TaskID:         attrs.TaskID,
		CreatedBy:      attrs.CreatedBy,
	}

	if err := t.put(ctx, th); err != nil {
		return Thread{}, err
	}
	if th.TaskID != "" {
		if err := t.kv.Put(ctx, taskIndexKey(th.TaskID, th.ThreadID), []byte("1")); err != nil {
			return Thread{}, fmt.Errorf("index thread by task: %w", err)
		}
	}
	return th, nil
}

func (t *Threads) put(ctx context.Context, th Thread) error {
	raw, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	if err := t.kv.Put(ctx, threadKey(th.ThreadID), raw); err != nil {
		return fmt.Errorf("persist thread: %w", err)
	}
	return nil
}

// GetThread loads a thread by id.
func (t *Threads) GetThread(ctx context.Context, threadID string) (Thread, bool, error) {
	raw, ok, err := t.kv.Get(ctx, threadKey(threadID))
	if err != nil {
		return Thread{}, false, fmt.Errorf("load thread: %w", err)
	}
	if !ok {
		return Thread{}, false, nil
	}
	var th Thread
	if err := json.Unmarshal(raw, &th); err != nil {
		return Thread{}, false, fmt.Errorf("decode thread: %w", err)
	}
	return th, true, nil
}

const maxCASRetries = 8

// AddMessage resolves the thread, writes the message at its
// lexically-sortable key, atomically bumps message_count and
// last_message_at (auto-adding the sender as a participant if
// absent), and publishes on the thread's topic.
func (t *Threads) AddMessage(ctx context.Context, threadID, agentID string, body string, refs []string, metadata map[string]any) (Message, error) {
	now := timefmt.Format(time.Now())
	msg := Message{
		MessageID: id.Message(),
		ThreadID:  threadID,
		AgentID:   agentID,
		Body:      body,
		Refs:      refs,
		Metadata:  metadata,
		Timestamp: now,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode thread message: %w", err)
	}
	if err := t.kv.Put(ctx, messageKey(threadID, now, msg.MessageID), raw); err != nil {
		return Message{}, fmt.Errorf("persist thread message: %w", err)
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, ok, err := t.kv.Get(ctx, threadKey(threadID))
		if err != nil {
			return Message{}, fmt.Errorf("load thread for update: %w", err)
		}
		if !ok {
			return Message{}, fmt.Errorf("thread %s not found", threadID)
		}
		var th Thread
		if err := json.Unmarshal(current, &th); err != nil {
			return Message{}, fmt.Errorf("decode thread for update: %w", err)
		}

		th.MessageCount++
		th.LastMessageAt = now
		if th.ParticipantIDs == nil {
			th.ParticipantIDs = make(map[string]bool)
		}
		th.ParticipantIDs[agentID] = true

		updated, err := json.Marshal(th)
		if err != nil {
			return Message{}, fmt.Errorf("encode thread update: %w", err)
		}

		swapped, err := t.cas.PutIfMatch(ctx, threadKey(threadID), current, updated)
		if err != nil {
			return Message{}, fmt.Errorf("cas thread update: %w", err)
		}
		if swapped {
			if t.bus != nil {
				t.bus.Publish(Topic(threadID), pubsub.Message{Event: "thread_message", Payload: msg})
			}
			return msg, nil
		}
	}
	return Message{}, fmt.Errorf("thread %s: message_count update lost the race after %d retries", threadID, maxCASRetries)
}

// ListOptions bounds a thread_messages query.
type ListOptions struct {
	Limit  int
	Before string // exclusive upper bound on timestamp, ISO-8601
}

// ThreadMessages prefix-scans a thread's messages in lexical
// (chronological) order, optionally filtering to those before a
// timestamp, and returns the last Limit of them.
func (t *Threads) ThreadMessages(ctx context.Context, threadID string, opts ListOptions) ([]Message, error) {
	docs, err := t.kv.ListDocuments(ctx, messageKeyPrefix(threadID))
	if err != nil {
		return nil, fmt.Errorf("scan thread messages: %w", err)
	}

	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sortStrings(keys)

	var out []Message
	for _, k := range keys {
		var m Message
		if err := json.Unmarshal(docs[k], &m); err != nil {
			continue
		}
		if opts.Before != "" && m.Timestamp >= opts.Before {
			continue
		}
		out = append(out, m)
	}

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// CloseThread sets status=closed, closed_by, close_reason, and
// publishes thread_closed.
func (t *Threads) CloseThread(ctx context.Context, threadID, by, reason string) error {
	th, ok, err := t.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	th.Status = StatusClosed
	th.ClosedBy = by
	th.CloseReason = reason
	if err := t.put(ctx, th); err != nil {
		return err
	}
	if t.bus != nil {
		t.bus.Publish(Topic(threadID), pubsub.Message{Event: "thread_closed", Payload: th})
	}
	return nil
}

// CloseByTask closes every open thread with the given task_id. It is
// invoked as a callback when a Kanban task transitions to a terminal
// status (spec §4.7's collaborator hook).
func (t *Threads) CloseByTask(ctx context.Context, taskID, by, reason string) error {
	keys, err := t.kv.ListKeys(ctx, "thread_by_task:"+taskID+":")
	if err != nil {
		return fmt.Errorf("scan threads by task: %w", err)
	}
	for _, k := range keys {
		threadID := k[len("thread_by_task:"+taskID+":"):]
		th, ok, err := t.GetThread(ctx, threadID)
		if err != nil || !ok || th.Status != StatusOpen {
			continue
		}
		if err := t.CloseThread(ctx, threadID, by, reason); err != nil {
			return err
		}
	}
	return nil
}
