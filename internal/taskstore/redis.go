package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/util/timefmt"
)

// Redis is the multi-node Store backend, following spec §4.11's
// normative key schema.
type Redis struct {
	client     *redis.Client
	onTerminal OnTerminal
}

// NewRedis wires a Redis-backed Store. onTerminal may be nil.
func NewRedis(client *redis.Client, onTerminal OnTerminal) *Redis {
	return &Redis{client: client, onTerminal: onTerminal}
}

func taskHashKey(taskID string) string    { return "rf:task:" + taskID }
func pendingSetKey(fleetID string) string { return "rf:tasks:pending:" + fleetID }
func activeSetKey() string                { return "rf:tasks:active" }
func agentSetKey(agentID string) string   { return "rf:tasks:agent:" + agentID }
func dailyCounterKey(date string) string  { return "rf:tasks:daily:" + date }

func encodeTask(t Task) (map[string]any, error) {
	caps, err := json.Marshal(t.CapabilitiesRequired)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(t.Result)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"task_id":               t.TaskID,
		"fleet_id":              t.FleetID,
		"requester_id":          t.RequesterID,
		"type":                  t.Type,
		"prompt":                t.Prompt,
		"capabilities_required": string(caps),
		"assigned_to":           t.AssignedTo,
		"status":                string(t.Status),
		"result":                string(result),
		"error":                 t.Error,
		"priority":              string(t.Priority),
		"ttl_ms":                t.TTLMs,
		"created_at":            t.CreatedAt,
		"assigned_at":           t.AssignedAt,
		"completed_at":          t.CompletedAt,
		"correlation_id":        t.CorrelationID,
	}, nil
}

func decodeTask(fields map[string]string) (Task, error) {
	if fields["task_id"] == "" {
		return Task{}, errTaskNotFound
	}
	var caps []string
	_ = json.Unmarshal([]byte(fields["capabilities_required"]), &caps)
	var result map[string]any
	_ = json.Unmarshal([]byte(fields["result"]), &result)

	var ttlMs int64
	_, _ = fmt.Sscanf(fields["ttl_ms"], "%d", &ttlMs)

	return Task{
		TaskID:               fields["task_id"],
		FleetID:              fields["fleet_id"],
		RequesterID:          fields["requester_id"],
		Type:                 fields["type"],
		Prompt:               fields["prompt"],
		CapabilitiesRequired: caps,
		AssignedTo:           fields["assigned_to"],
		Status:               Status(fields["status"]),
		Result:               result,
		Error:                fields["error"],
		Priority:             Priority(fields["priority"]),
		TTLMs:                ttlMs,
		CreatedAt:            fields["created_at"],
		AssignedAt:           fields["assigned_at"],
		CompletedAt:          fields["completed_at"],
		CorrelationID:        fields["correlation_id"],
	}, nil
}

func (r *Redis) taskTTL(t Task) time.Duration {
	return time.Duration(t.TTLMs)*time.Millisecond + expiryBufferAfterCreate
}

func (r *Redis) Create(ctx context.Context, fleetID, requesterID string, attrs CreateAttrs) (Task, error) {
	t := newTask(fleetID, requesterID, attrs)
	fields, err := encodeTask(t)
	if err != nil {
		return Task{}, fmt.Errorf("encode task: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, taskHashKey(t.TaskID), fields)
	pipe.Expire(ctx, taskHashKey(t.TaskID), r.taskTTL(t))
	pipe.ZAdd(ctx, pendingSetKey(fleetID), redis.Z{Score: float64(t.Priority.Rank()), Member: t.TaskID})
	dateKey := dailyCounterKey(todayKey(time.Now()))
	pipe.Incr(ctx, dateKey)
	pipe.Expire(ctx, dateKey, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (r *Redis) Get(ctx context.Context, taskID string) (Task, bool, error) {
	fields, err := r.client.HGetAll(ctx, taskHashKey(taskID)).Result()
	if err != nil {
		return Task{}, false, fmt.Errorf("get task: %w", err)
	}
	if len(fields) == 0 {
		return Task{}, false, nil
	}
	t, err := decodeTask(fields)
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// Assign uses WATCH/MULTI on the task hash so that, under concurrent
// assign attempts, the first transaction to observe status=pending
// commits and the second observes the new status and fails.
func (r *Redis) Assign(ctx context.Context, taskID, agentID string) (Task, error) {
	key := taskHashKey(taskID)
	var result Task
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return errTaskNotFound
		}
		t, err := decodeTask(fields)
		if err != nil {
			return err
		}
		if t.Status != StatusPending {
			return rferr.InvalidStatus(string(t.Status))
		}

		t.Status = StatusAssigned
		t.AssignedTo = agentID
		t.AssignedAt = timefmt.Format(time.Now())

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{"status": string(t.Status), "assigned_to": t.AssignedTo, "assigned_at": t.AssignedAt})
			pipe.ZRem(ctx, pendingSetKey(t.FleetID), taskID)
			pipe.SAdd(ctx, activeSetKey(), taskID)
			pipe.SAdd(ctx, agentSetKey(agentID), taskID)
			return nil
		})
		if err != nil {
			return err
		}
		result = t
		return nil
	}, key)
	if err != nil {
		return Task{}, err
	}
	return result, nil
}

func (r *Redis) Start(ctx context.Context, taskID string) (Task, error) {
	key := taskHashKey(taskID)
	var result Task
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return errTaskNotFound
		}
		t, err := decodeTask(fields)
		if err != nil {
			return err
		}
		if t.Status != StatusAssigned {
			return rferr.InvalidStatus(string(t.Status))
		}
		t.Status = StatusRunning
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(t.Status))
			return nil
		})
		if err != nil {
			return err
		}
		result = t
		return nil
	}, key)
	if err != nil {
		return Task{}, err
	}
	return result, nil
}

func (r *Redis) transitionTerminal(ctx context.Context, taskID string, status Status, result map[string]any, errMsg string) (Task, error) {
	key := taskHashKey(taskID)
	var final Task
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return errTaskNotFound
		}
		t, err := decodeTask(fields)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			final = t
			return nil // idempotent no-op
		}
		if status != StatusTimeout && t.Status != StatusAssigned && t.Status != StatusRunning {
			return rferr.InvalidStatus(string(t.Status))
		}

		t.Status = status
		t.Result = result
		t.Error = errMsg
		t.CompletedAt = timefmt.Format(time.Now())
		resultJSON, err := json.Marshal(t.Result)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"status": string(t.Status), "result": string(resultJSON),
				"error": t.Error, "completed_at": t.CompletedAt,
			})
			pipe.Expire(ctx, key, expirySlackTerminal)
			pipe.ZRem(ctx, pendingSetKey(t.FleetID), taskID)
			pipe.SRem(ctx, activeSetKey(), taskID)
			if t.AssignedTo != "" {
				pipe.SRem(ctx, agentSetKey(t.AssignedTo), taskID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		final = t
		return nil
	}, key)
	if err != nil {
		return Task{}, err
	}
	if r.onTerminal != nil && final.Status == status {
		r.onTerminal(taskID)
	}
	return final, nil
}

func (r *Redis) Complete(ctx context.Context, taskID string, result map[string]any) (Task, error) {
	return r.transitionTerminal(ctx, taskID, StatusCompleted, result, "")
}

func (r *Redis) Fail(ctx context.Context, taskID string, errMsg string) (Task, error) {
	return r.transitionTerminal(ctx, taskID, StatusFailed, nil, errMsg)
}

func (r *Redis) Timeout(ctx context.Context, taskID string) (Task, error) {
	return r.transitionTerminal(ctx, taskID, StatusTimeout, nil, "ttl exceeded")
}

func (r *Redis) PendingForFleet(ctx context.Context, fleetID string) ([]Task, error) {
	ids, err := r.client.ZRange(ctx, pendingSetKey(fleetID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	return r.hydrate(ctx, ids)
}

func (r *Redis) ActiveTasks(ctx context.Context) ([]Task, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return r.hydrate(ctx, ids)
}

func (r *Redis) hydrate(ctx context.Context, ids []string) ([]Task, error) {
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, ok, err := r.Get(ctx, id)
		if err != nil || !ok {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CleanupExpired relies on Redis's own key TTL for rf:task:{id}; it
// sweeps the pending/active/agent indexes for ids whose hash has
// already expired and removes the dangling index entries.
func (r *Redis) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("scan active set: %w", err)
	}
	removed := 0
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, taskHashKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			r.client.SRem(ctx, activeSetKey(), id)
			removed++
		}
	}
	return removed, nil
}

func (r *Redis) TasksToday(ctx context.Context, date string) (int, error) {
	n, err := r.client.Get(ctx, dailyCounterKey(date)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("get daily count: %w", err)
	}
	return n, nil
}

var _ Store = (*Redis)(nil)
