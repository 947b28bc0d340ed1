// Package transform implements the Router's format_for_target step
// (spec §4.2 step 7): tier-appropriate envelope shaping plus any
// transform actions a BusinessRules match accumulated.
package transform

import (
	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/bizrules"
)

// Input carries everything format_for_target needs to decide how to
// reshape the outgoing message.
type Input struct {
	Message             map[string]any
	TargetTier          int
	RuleActions         []bizrules.Action
	SenderHasActiveTask bool
	ActiveTaskContext   map[string]any
}

// Apply reshapes Input.Message for delivery to an agent of
// Input.TargetTier, then layers on any BusinessRules transform
// actions and active-task context.
func Apply(in Input) map[string]any {
	out := cloneMessage(in.Message)

	switch in.TargetTier {
	case access.Tier1:
		out = minimalEnvelope(out)
	case access.Tier2:
		out["role_reminder"] = true
	case access.Tier3:
		out["response_format"] = "structured"
	}

	for _, action := range in.RuleActions {
		applyAction(out, action, in)
	}

	if in.SenderHasActiveTask && len(in.ActiveTaskContext) > 0 {
		out["active_task_context"] = in.ActiveTaskContext
	}

	return out
}

func applyAction(out map[string]any, action bizrules.Action, in Input) {
	switch action {
	case bizrules.ActionAttachTaskContext:
		if len(in.ActiveTaskContext) > 0 {
			out["active_task_context"] = in.ActiveTaskContext
		}
	case bizrules.ActionRoleReminder:
		out["role_reminder"] = true
	case bizrules.ActionStructuredResponse:
		out["response_format"] = "structured"
	case bizrules.ActionSummarize:
		out["summarize"] = true
	case bizrules.ActionBatch:
		out["batch"] = true
	}
}

// minimalEnvelope keeps only the essential content keys, dropping any
// client-supplied metadata a tier-1 recipient doesn't need.
func minimalEnvelope(msg map[string]any) map[string]any {
	out := make(map[string]any, 3)
	for _, key := range []string{"text", "body", "summary"} {
		if v, ok := msg[key]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return cloneMessage(msg)
	}
	return out
}

func cloneMessage(msg map[string]any) map[string]any {
	out := make(map[string]any, len(msg))
	for k, v := range msg {
		out[k] = v
	}
	return out
}
