// Package bizrules implements the per-fleet BusinessRules engine
// (spec §4.5): an ordered, fleet-configurable list of access, rate
// limit, and transform rules evaluated against a message's routing
// context.
package bizrules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ringforge/hub/internal/kv"
)

// RuleType distinguishes the three kinds of rule.
type RuleType string

const (
	TypeAccess    RuleType = "access"
	TypeRateLimit RuleType = "rate_limit"
	TypeTransform RuleType = "transform"
)

// Action is the effect an access or transform rule produces.
type Action string

const (
	ActionAllow              Action = "allow"
	ActionDeny               Action = "deny"
	ActionAttachTaskContext  Action = "attach_task_context"
	ActionRoleReminder       Action = "role_reminder"
	ActionStructuredResponse Action = "structured_response_format"
	ActionSummarize          Action = "summarize"
	ActionBatch              Action = "batch"
)

// Rule is a single fleet-configured business rule. Condition maps a
// context key to either a scalar expected value or a list of
// acceptable values (any-of match).
type Rule struct {
	ID        string         `json:"id"`
	Type      RuleType       `json:"type"`
	Condition map[string]any `json:"condition"`
	Action    Action         `json:"action"`
	Message   string         `json:"message,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Per       string         `json:"per,omitempty"` // e.g. "minute", "hour"
}

// Context is the routing context a rule's condition is matched
// against (spec §4.2 step 3).
type Context struct {
	Action              string `json:"action"`
	SenderTier          int    `json:"sender_tier"`
	TargetTier          int    `json:"target_tier"`
	CrossSquad          bool   `json:"cross_squad"`
	Priority            string `json:"priority"`
	SenderHasActiveTask bool   `json:"sender_has_active_task"`
	SenderRestricted    bool   `json:"sender_restricted"`
}

func (c Context) get(key string) any {
	switch key {
	case "action":
		return c.Action
	case "sender_tier":
		return c.SenderTier
	case "target_tier":
		return c.TargetTier
	case "cross_squad":
		return c.CrossSquad
	case "priority":
		return c.Priority
	case "sender_has_active_task":
		return c.SenderHasActiveTask
	case "sender_restricted":
		return c.SenderRestricted
	default:
		return nil
	}
}

func matches(rule Rule, ctx Context) bool {
	for condKey, expected := range rule.Condition {
		actual := ctx.get(condKey)
		if !valueMatches(expected, actual) {
			return false
		}
	}
	return true
}

func valueMatches(expected, actual any) bool {
	if list, ok := expected.([]any); ok {
		for _, v := range list {
			if looseEqual(v, actual) {
				return true
			}
		}
		return false
	}
	return looseEqual(expected, actual)
}

// looseEqual compares JSON-decoded values against typed Context
// fields: JSON numbers decode as float64, so an int actual value
// (e.g. sender_tier) must compare equal against its float64 form.
func looseEqual(a, b any) bool {
	switch av := a.(type) {
	case float64:
		switch bv := b.(type) {
		case int:
			return av == float64(bv)
		case float64:
			return av == bv
		}
	}
	return a == b
}

// Result is the outcome of evaluating a fleet's rule list.
type Result struct {
	AccessAction      Action // "" if no access rule matched (defaults to allow)
	DenyMessage       string
	TransformActions  []Action
	RateLimitOverride *Rule // first matching rate_limit rule, if any
}

// Allowed reports whether the access decision permits the message.
func (r Result) Allowed() bool {
	return r.AccessAction != ActionDeny
}

// Evaluate scans rules in declared order. The first matching access
// rule (allow or deny) decides; absent a match, access defaults to
// allow. All matching transform rules accumulate. The first matching
// rate_limit rule, if any, overrides the tier default.
func Evaluate(rules []Rule, ctx Context) Result {
	var res Result
	for _, rule := range rules {
		if !matches(rule, ctx) {
			continue
		}
		switch rule.Type {
		case TypeAccess:
			if res.AccessAction == "" && (rule.Action == ActionAllow || rule.Action == ActionDeny) {
				res.AccessAction = rule.Action
				res.DenyMessage = rule.Message
			}
		case TypeTransform:
			res.TransformActions = append(res.TransformActions, rule.Action)
		case TypeRateLimit:
			if res.RateLimitOverride == nil {
				cp := rule
				res.RateLimitOverride = &cp
			}
		}
	}
	if res.AccessAction == "" {
		res.AccessAction = ActionAllow
	}
	return res
}

// DefaultRules returns the built-in fallback list used when a fleet
// has not configured its own (spec §4.5): critical priority bypasses
// the hierarchy; tier 3-4 cross-squad messaging is denied; restricted
// agents can't DM leadership (tiers 0-1) even when otherwise eligible
// by tier or squad; and tier-4 DM is capped at 5/min (redundant with
// the RateLimiter's own tier default, but expressible as an explicit
// rule an operator can see and override).
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "default-critical-bypass",
			Type:      TypeAccess,
			Condition: map[string]any{"priority": "critical"},
			Action:    ActionAllow,
		},
		{
			ID:        "default-deny-tier34-cross-squad",
			Type:      TypeAccess,
			Condition: map[string]any{"cross_squad": true, "sender_tier": []any{3, 4}},
			Action:    ActionDeny,
			Message:   "Cross-squad messaging requires Tier 1+ role",
		},
		{
			ID:        "default-deny-restricted-to-leadership",
			Type:      TypeAccess,
			Condition: map[string]any{"action": "dm", "sender_restricted": true, "target_tier": []any{0, 1}},
			Action:    ActionDeny,
			Message:   "Restricted agents may not message fleet leadership directly",
		},
		{
			ID:        "default-tier4-dm-cap",
			Type:      TypeRateLimit,
			Condition: map[string]any{"action": "dm", "sender_tier": 4},
			Action:    ActionAllow,
			Limit:     5,
			Per:       "minute",
		},
	}
}

func storeKey(fleetID string) string { return "biz_rules:" + fleetID }

// Store manages the persisted per-fleet rule list.
type Store struct {
	kv kv.Store
}

// NewStore wraps a kv.Store for business-rule persistence.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Load returns the fleet's configured rule list, or DefaultRules if
// none has been persisted yet.
func (s *Store) Load(ctx context.Context, fleetID string) ([]Rule, error) {
	raw, ok, err := s.kv.Get(ctx, storeKey(fleetID))
	if err != nil {
		return nil, fmt.Errorf("load business rules: %w", err)
	}
	if !ok {
		return DefaultRules(), nil
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode business rules: %w", err)
	}
	return rules, nil
}

func (s *Store) save(ctx context.Context, fleetID string, rules []Rule) error {
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode business rules: %w", err)
	}
	if err := s.kv.Put(ctx, storeKey(fleetID), raw); err != nil {
		return fmt.Errorf("persist business rules: %w", err)
	}
	return nil
}

// Add appends rule to the fleet's list and persists the full list.
func (s *Store) Add(ctx context.Context, fleetID string, rule Rule) error {
	rules, err := s.Load(ctx, fleetID)
	if err != nil {
		return err
	}
	rules = append(rules, rule)
	return s.save(ctx, fleetID, rules)
}

// Remove deletes the rule with the given id from the fleet's list and
// persists the full list. It is a no-op if the id is absent.
func (s *Store) Remove(ctx context.Context, fleetID, ruleID string) error {
	rules, err := s.Load(ctx, fleetID)
	if err != nil {
		return err
	}
	out := rules[:0:0]
	for _, r := range rules {
		if r.ID != ruleID {
			out = append(out, r)
		}
	}
	return s.save(ctx, fleetID, out)
}
