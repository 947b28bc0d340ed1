// Package taskstore implements distributed task dispatch (spec
// §4.11): a priority-ordered pending queue, atomic assign/start/
// complete/fail/timeout transitions, and per-fleet/per-agent indexes.
// Two backends share the Store interface: an in-process map for
// single-node deployments and a Redis adapter for multi-node ones.
package taskstore

import (
	"context"
	"time"

	"github.com/ringforge/hub/internal/id"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/util/timefmt"
)

// Priority determines pending-queue ordering: high first, then
// normal, then low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its sorted-set score (lower sorts first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transition is legal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

const maxTTLMs = 300_000

// expiryBufferAfterCreate is added to ttl_ms while a task is
// non-terminal; expirySlackTerminal replaces it once a task reaches a
// terminal status, per spec §4.11's key-schema table.
const (
	expiryBufferAfterCreate = 600 * time.Second
	expirySlackTerminal     = 300 * time.Second
)

// Task is a dispatch work unit.
type Task struct {
	TaskID               string
	FleetID              string
	RequesterID          string
	Type                 string
	Prompt               string
	CapabilitiesRequired []string
	AssignedTo           string
	Status               Status
	Result               map[string]any
	Error                string
	Priority             Priority
	TTLMs                int64
	CreatedAt            string
	AssignedAt           string
	CompletedAt          string
	CorrelationID        string
}

// CreateAttrs carries create's input fields.
type CreateAttrs struct {
	Type                 string
	Prompt               string
	CapabilitiesRequired []string
	Priority             Priority
	TTLMs                int64
	CorrelationID        string
}

// Store is the backend-agnostic Task Store contract.
type Store interface {
	Create(ctx context.Context, fleetID, requesterID string, attrs CreateAttrs) (Task, error)
	Get(ctx context.Context, taskID string) (Task, bool, error)
	Assign(ctx context.Context, taskID, agentID string) (Task, error)
	Start(ctx context.Context, taskID string) (Task, error)
	Complete(ctx context.Context, taskID string, result map[string]any) (Task, error)
	Fail(ctx context.Context, taskID string, errMsg string) (Task, error)
	Timeout(ctx context.Context, taskID string) (Task, error)
	PendingForFleet(ctx context.Context, fleetID string) ([]Task, error)
	ActiveTasks(ctx context.Context) ([]Task, error)
	CleanupExpired(ctx context.Context) (int, error)
	TasksToday(ctx context.Context, date string) (int, error)
}

// OnTerminal is invoked after a task reaches a terminal status
// (completed/failed/timeout), letting collaborators such as
// internal/threads close threads scoped to the task (spec §4.7's
// close_task_threads hook, named in SPEC_FULL.md §12).
type OnTerminal func(taskID string)

func newTask(fleetID, requesterID string, attrs CreateAttrs) Task {
	ttl := attrs.TTLMs
	if ttl <= 0 || ttl > maxTTLMs {
		ttl = maxTTLMs
	}
	priority := attrs.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return Task{
		TaskID:               id.Task(),
		FleetID:              fleetID,
		RequesterID:          requesterID,
		Type:                 attrs.Type,
		Prompt:               attrs.Prompt,
		CapabilitiesRequired: attrs.CapabilitiesRequired,
		Status:               StatusPending,
		Priority:             priority,
		TTLMs:                ttl,
		CreatedAt:            timefmt.Format(time.Now()),
		CorrelationID:        attrs.CorrelationID,
	}
}

func todayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

var errTaskNotFound = rferr.New(rferr.KindStoreFailed, "task not found")
