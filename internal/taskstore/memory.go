package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/util/timefmt"
)

// Memory is the single-node, in-process Store backend.
type Memory struct {
	mu         sync.Mutex
	tasks      map[string]Task
	expiresAt  map[string]time.Time
	pending    map[string][]string // fleetID -> ordered pending task ids
	active     map[string]bool
	byAgent    map[string]map[string]bool
	dailyCount map[string]int
	onTerminal OnTerminal
}

// NewMemory builds an empty in-process Store. onTerminal may be nil.
func NewMemory(onTerminal OnTerminal) *Memory {
	return &Memory{
		tasks:      make(map[string]Task),
		expiresAt:  make(map[string]time.Time),
		pending:    make(map[string][]string),
		active:     make(map[string]bool),
		byAgent:    make(map[string]map[string]bool),
		dailyCount: make(map[string]int),
		onTerminal: onTerminal,
	}
}

func (m *Memory) Create(_ context.Context, fleetID, requesterID string, attrs CreateAttrs) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := newTask(fleetID, requesterID, attrs)
	m.tasks[t.TaskID] = t
	m.expiresAt[t.TaskID] = time.Now().Add(time.Duration(t.TTLMs)*time.Millisecond + expiryBufferAfterCreate)
	m.insertPending(t)
	m.dailyCount[todayKey(time.Now())]++
	return t, nil
}

// insertPending keeps the fleet's pending list ordered by priority
// rank, then by insertion (creation) order.
func (m *Memory) insertPending(t Task) {
	list := m.pending[t.FleetID]
	list = append(list, t.TaskID)
	sort.SliceStable(list, func(i, j int) bool {
		return m.tasks[list[i]].Priority.Rank() < m.tasks[list[j]].Priority.Rank()
	})
	m.pending[t.FleetID] = list
}

func (m *Memory) removePending(fleetID, taskID string) {
	list := m.pending[fleetID]
	for i, id := range list {
		if id == taskID {
			m.pending[fleetID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (m *Memory) Get(_ context.Context, taskID string) (Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok, nil
}

// Assign resolves the spec's race: the first caller to observe
// status=pending wins; any later caller observes status=assigned (or
// later) and gets invalid_status.
func (m *Memory) Assign(_ context.Context, taskID, agentID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, errTaskNotFound
	}
	if t.Status != StatusPending {
		return Task{}, rferr.InvalidStatus(string(t.Status))
	}

	t.Status = StatusAssigned
	t.AssignedTo = agentID
	t.AssignedAt = timefmt.Format(time.Now())
	m.tasks[taskID] = t

	m.removePending(t.FleetID, taskID)
	m.active[taskID] = true
	if m.byAgent[agentID] == nil {
		m.byAgent[agentID] = make(map[string]bool)
	}
	m.byAgent[agentID][taskID] = true

	return t, nil
}

func (m *Memory) Start(_ context.Context, taskID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, errTaskNotFound
	}
	if t.Status != StatusAssigned {
		return Task{}, rferr.InvalidStatus(string(t.Status))
	}
	t.Status = StatusRunning
	m.tasks[taskID] = t
	return t, nil
}

func (m *Memory) transitionTerminal(taskID string, status Status, result map[string]any, errMsg string) (Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return Task{}, errTaskNotFound
	}
	if t.Status.IsTerminal() {
		// Idempotent: re-invoking a terminal transition is a no-op (spec §5).
		m.mu.Unlock()
		return t, nil
	}
	if status != StatusTimeout && t.Status != StatusAssigned && t.Status != StatusRunning {
		m.mu.Unlock()
		return Task{}, rferr.InvalidStatus(string(t.Status))
	}

	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = timefmt.Format(time.Now())
	m.tasks[taskID] = t
	m.expiresAt[taskID] = time.Now().Add(expirySlackTerminal)

	delete(m.active, taskID)
	if t.AssignedTo != "" {
		delete(m.byAgent[t.AssignedTo], taskID)
	}
	m.removePending(t.FleetID, taskID)
	m.mu.Unlock()

	if m.onTerminal != nil {
		m.onTerminal(taskID)
	}
	return t, nil
}

func (m *Memory) Complete(_ context.Context, taskID string, result map[string]any) (Task, error) {
	return m.transitionTerminal(taskID, StatusCompleted, result, "")
}

func (m *Memory) Fail(_ context.Context, taskID string, errMsg string) (Task, error) {
	return m.transitionTerminal(taskID, StatusFailed, nil, errMsg)
}

func (m *Memory) Timeout(_ context.Context, taskID string) (Task, error) {
	return m.transitionTerminal(taskID, StatusTimeout, nil, "ttl exceeded")
}

func (m *Memory) PendingForFleet(_ context.Context, fleetID string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.pending[fleetID]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.tasks[id])
	}
	return out, nil
}

func (m *Memory) ActiveTasks(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.active))
	for id := range m.active {
		out = append(out, m.tasks[id])
	}
	return out, nil
}

func (m *Memory) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, exp := range m.expiresAt {
		if now.Before(exp) {
			continue
		}
		t := m.tasks[id]
		delete(m.tasks, id)
		delete(m.expiresAt, id)
		delete(m.active, id)
		if t.AssignedTo != "" {
			delete(m.byAgent[t.AssignedTo], id)
		}
		m.removePending(t.FleetID, id)
		removed++
	}
	return removed, nil
}

func (m *Memory) TasksToday(_ context.Context, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyCount[date], nil
}

var _ Store = (*Memory)(nil)
