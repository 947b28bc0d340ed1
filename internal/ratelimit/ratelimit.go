// Package ratelimit implements RingForge Hub's per-agent, per-action
// sliding-window rate limiter (spec §4.4). State is a map keyed by
// (agent_id, action) holding a pruned, monotonically-appended list of
// timestamps; a background janitor evicts stale entries so idle
// agents don't leak memory.
package ratelimit

import (
	"sync"
	"time"

	"github.com/ringforge/hub/internal/metrics"
)

// Action identifies the kind of rate-limited operation.
type Action string

const (
	ActionDM        Action = "dm"
	ActionBroadcast Action = "broadcast"
)

const longestWindow = time.Hour

// Limit describes a cap over a window. Unlimited and Forbidden are
// mutually exclusive with a positive Cap.
type Limit struct {
	Cap       int
	Window    time.Duration
	Unlimited bool
	Forbidden bool
}

// DefaultLimit returns the spec's tier-indexed default for action.
// Tiers 0 and 1 are unlimited for both actions. Tier 4 broadcast is
// forbidden outright (AccessControl already denies it; this is the
// rate-limiter's own defense in depth).
func DefaultLimit(tier int, action Action) Limit {
	switch action {
	case ActionDM:
		switch tier {
		case 0, 1:
			return Limit{Unlimited: true}
		case 2:
			return Limit{Cap: 60, Window: time.Minute}
		case 3:
			return Limit{Cap: 20, Window: time.Minute}
		default:
			return Limit{Cap: 5, Window: time.Minute}
		}
	case ActionBroadcast:
		switch tier {
		case 0, 1:
			return Limit{Unlimited: true}
		case 2:
			return Limit{Cap: 10, Window: time.Hour}
		case 3:
			return Limit{Cap: 3, Window: time.Hour}
		default:
			return Limit{Forbidden: true}
		}
	}
	return Limit{Unlimited: true}
}

type key struct {
	agentID string
	action  Action
}

// Limiter tracks per-(agent,action) sliding windows. It is safe for
// concurrent use. Counters are process-local: distribution across hub
// nodes relies on sticky connections (§4.4), so each agent's window
// always lives on one node for the life of its session.
type Limiter struct {
	mu       sync.Mutex
	hits     map[key][]int64 // monotonic milliseconds, newest first
	now      func() int64
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Limiter and starts its janitor goroutine, which
// evicts entries older than the longest window every 5 minutes. Call
// Stop to release the goroutine (tests that don't care about the
// janitor can ignore it; it is harmless to leave running for a
// process's lifetime).
func New() *Limiter {
	l := &Limiter{
		hits:   make(map[key][]int64),
		now:    nowMs,
		stopCh: make(chan struct{}),
	}
	go l.janitor(5 * time.Minute)
	return l
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Stop terminates the janitor goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Limiter) evictStale() {
	cutoff := l.now() - longestWindow.Milliseconds()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, timestamps := range l.hits {
		pruned := pruneBefore(timestamps, cutoff)
		if len(pruned) == 0 {
			delete(l.hits, k)
		} else {
			l.hits[k] = pruned
		}
	}
}

func pruneBefore(timestamps []int64, cutoff int64) []int64 {
	out := timestamps[:0:0]
	for _, ts := range timestamps {
		if ts >= cutoff {
			out = append(out, ts)
		}
	}
	return out
}

// Check reports whether agentID may perform action under limit right
// now, without recording the attempt. On rejection, retryAfterMs is
// the number of milliseconds until the oldest in-window hit falls out
// of the window.
func (l *Limiter) Check(agentID string, action Action, limit Limit, tier int) (ok bool, retryAfterMs int64) {
	if limit.Unlimited {
		return true, 0
	}
	if limit.Forbidden {
		return false, 0
	}

	k := key{agentID, action}
	windowMs := limit.Window.Milliseconds()
	now := l.now()
	cutoff := now - windowMs

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamps := pruneBefore(l.hits[k], cutoff)
	l.hits[k] = timestamps

	if len(timestamps) < limit.Cap {
		return true, 0
	}

	oldest := timestamps[len(timestamps)-1]
	for _, ts := range timestamps {
		if ts < oldest {
			oldest = ts
		}
	}
	retryAfterMs = oldest + windowMs - now
	if retryAfterMs < 0 {
		retryAfterMs = 0
	}
	metrics.RateLimitHitsTotal.WithLabelValues(string(action), tierLabel(tier)).Inc()
	return false, retryAfterMs
}

func tierLabel(tier int) string {
	switch tier {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	default:
		return "4"
	}
}

// Record appends the current timestamp for (agentID, action). It must
// only be called after a successful Check, per the Router pipeline's
// check-then-record ordering (§4.2 step 8).
func (l *Limiter) Record(agentID string, action Action) {
	k := key{agentID, action}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits[k] = append(l.hits[k], now)
}
