// Package router implements the Router (spec §4.2): the single entry
// point for every inbound message verb. It executes an ordered
// pipeline — load, validate, evaluate business rules, check access
// control, check the rate limiter, transform, deliver — and
// short-circuits on the first failure.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/announcement"
	"github.com/ringforge/hub/internal/bizrules"
	"github.com/ringforge/hub/internal/directmessage"
	"github.com/ringforge/hub/internal/escalation"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/model"
	"github.com/ringforge/hub/internal/ratelimit"
	"github.com/ringforge/hub/internal/registry"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/taskstore"
	"github.com/ringforge/hub/internal/threads"
	"github.com/ringforge/hub/internal/transform"
)

// actionEscalation and actionThreadReply round out ratelimit.Action's
// two spec-defined values (dm, broadcast) so the pipeline's rate-limit
// step has a label for every verb; ratelimit.DefaultLimit has no case
// for either and falls through to Unlimited, matching the spec's
// silence on capping them.
const (
	actionEscalation  ratelimit.Action = "escalation"
	actionThreadReply ratelimit.Action = "thread_reply"
)

// Router ties every domain collaborator together behind the pipeline
// described in spec §4.2.
type Router struct {
	registry   *registry.Registry
	rules      *bizrules.Store
	limiter    *ratelimit.Limiter
	tasks      taskstore.Store
	dm         *directmessage.Service
	announce   *announcement.Service
	escalation *escalation.Service
	threads    *threads.Threads
	log        *eventlog.Log
}

// New wires a Router. tasks may be nil if no Task Store backend is
// configured for this deployment; the sender-has-active-task context
// step then always reports false.
func New(reg *registry.Registry, rules *bizrules.Store, limiter *ratelimit.Limiter, tasks taskstore.Store, dm *directmessage.Service, announce *announcement.Service, esc *escalation.Service, th *threads.Threads, log *eventlog.Log) *Router {
	return &Router{
		registry:   reg,
		rules:      rules,
		limiter:    limiter,
		tasks:      tasks,
		dm:         dm,
		announce:   announce,
		escalation: esc,
		threads:    th,
		log:        log,
	}
}

func (r *Router) squadLeaderLookup(ctx context.Context) access.SquadLeaderLookup {
	return func(fleetID, squadID string) (string, bool) {
		return r.registry.SquadLeaderOf(ctx, fleetID, squadID)
	}
}

func (r *Router) loadAgent(ctx context.Context, fleetID, agentID string) (model.Agent, error) {
	a, err := r.registry.GetAgent(ctx, fleetID, agentID)
	if err != nil {
		return model.Agent{}, rferr.Wrap(rferr.KindAgentNotFound, err)
	}
	return a, nil
}

// loadAndValidateFleet loads sender and target by their global
// agent_id and enforces the tenant-isolation invariant (§4.2 step 2):
// both must belong to the declared fleet_id. The target is looked up
// without a fleet filter so a genuinely cross-fleet target resolves
// (rather than missing entirely) and the mismatch is reported as a
// denial carrying both fleet ids, not as agent_not_found.
func (r *Router) loadAndValidateFleet(ctx context.Context, fleetID, senderID, targetID string) (model.Agent, model.Agent, error) {
	sender, err := r.loadAgent(ctx, fleetID, senderID)
	if err != nil {
		return model.Agent{}, model.Agent{}, err
	}
	target, err := r.registry.GetAgentByID(ctx, targetID)
	if err != nil {
		return model.Agent{}, model.Agent{}, rferr.Wrap(rferr.KindAgentNotFound, err)
	}
	if sender.FleetID != fleetID || target.FleetID != fleetID {
		return model.Agent{}, model.Agent{}, rferr.Denied("Agents must be in the same fleet", map[string]any{
			"sender_fleet": sender.FleetID,
			"target_fleet": target.FleetID,
		})
	}
	return sender, target, nil
}

func crossSquad(a, b model.Agent) bool {
	return a.SquadID != b.SquadID
}

func perToWindow(per string) time.Duration {
	switch per {
	case "hour":
		return time.Hour
	case "second":
		return time.Second
	default:
		return time.Minute
	}
}

// effectiveLimit applies a BusinessRules rate_limit override on top of
// the tier default, per §4.5: "rate-limit rules override the tier
// default for the (sender_tier, action) they match."
func effectiveLimit(tier int, action ratelimit.Action, override *bizrules.Rule) ratelimit.Limit {
	if override == nil {
		return ratelimit.DefaultLimit(tier, action)
	}
	return ratelimit.Limit{Cap: override.Limit, Window: perToWindow(override.Per)}
}

// activeTaskContext reports whether agentID currently has a
// non-terminal task (assigned or running) and, if so, a small context
// map describing it for Transform.format_for_target to attach.
func (r *Router) activeTaskContext(ctx context.Context, agentID string) (bool, map[string]any) {
	if r.tasks == nil || agentID == "" {
		return false, nil
	}
	active, err := r.tasks.ActiveTasks(ctx)
	if err != nil {
		return false, nil
	}
	for _, t := range active {
		if t.AssignedTo == agentID || t.RequesterID == agentID {
			return true, map[string]any{
				"task_id": t.TaskID,
				"type":    t.Type,
				"status":  string(t.Status),
			}
		}
	}
	return false, nil
}

func businessRuleDenied(res bizrules.Result) error {
	msg := res.DenyMessage
	if msg == "" {
		msg = "denied by business rule"
	}
	return rferr.Denied(msg, map[string]any{"alternative": "message:escalate"})
}

// record times verb's pipeline execution and tags the outcome metric;
// fn's returned error (if any) determines outcome.
func record(verb string, fn func() error) error {
	timer := metrics.RouteDuration.WithLabelValues(verb)
	start := time.Now()
	err := fn()
	timer.Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RoutedMessagesTotal.WithLabelValues(verb, outcome).Inc()
	return err
}

// RouteDM implements route_dm: the full pipeline ending in
// DirectMessage.send_message.
func (r *Router) RouteDM(ctx context.Context, fleetID, fromAgentID, toAgentID string, message map[string]any, priority, correlationID string) (result directmessage.SendResult, err error) {
	err = record("dm", func() error {
		sender, target, verr := r.loadAndValidateFleet(ctx, fleetID, fromAgentID, toAgentID)
		if verr != nil {
			return verr
		}

		senderTier := access.TierOf(&sender)
		targetTier := access.TierOf(&target)
		hasActiveTask, taskCtx := r.activeTaskContext(ctx, fromAgentID)

		rules, rerr := r.rules.Load(ctx, fleetID)
		if rerr != nil {
			return fmt.Errorf("load business rules: %w", rerr)
		}
		bizCtx := bizrules.Context{
			Action: "dm", SenderTier: senderTier, TargetTier: targetTier,
			CrossSquad: crossSquad(sender, target), Priority: priority,
			SenderHasActiveTask: hasActiveTask, SenderRestricted: sender.IsRestricted(),
		}
		res := bizrules.Evaluate(rules, bizCtx)
		if !res.Allowed() {
			return businessRuleDenied(res)
		}

		decision := access.CanDM(&sender, &target, r.squadLeaderLookup(ctx))
		if !decision.Allowed {
			return rferr.Denied(decision.Reason, decision.Suggestion)
		}

		limit := effectiveLimit(senderTier, ratelimit.ActionDM, res.RateLimitOverride)
		ok, retryAfterMs := r.limiter.Check(fromAgentID, ratelimit.ActionDM, limit, senderTier)
		if !ok {
			return rferr.Limited(retryAfterMs)
		}

		out := transform.Apply(transform.Input{
			Message: message, TargetTier: targetTier, RuleActions: res.TransformActions,
			SenderHasActiveTask: hasActiveTask, ActiveTaskContext: taskCtx,
		})

		sendResult, derr := r.dm.Send(ctx, fleetID, sender.FleetID, target.FleetID,
			model.AgentRef{AgentID: sender.AgentID, Name: sender.Name}, target.AgentID, out, correlationID)
		if derr != nil {
			return derr
		}
		r.limiter.Record(fromAgentID, ratelimit.ActionDM)
		result = sendResult
		return nil
	})
	return result, err
}

// RouteBroadcast implements route_broadcast and route_squad_message:
// scope "squad" (no id) resolves to the sender's own squad, which is
// what distinguishes a squad_message from an explicit squad:{id}
// broadcast.
func (r *Router) RouteBroadcast(ctx context.Context, fleetID, fromAgentID, scope string, attrs announcement.Attrs) (result announcement.Result, err error) {
	err = record("broadcast", func() error {
		sender, lerr := r.loadAgent(ctx, fleetID, fromAgentID)
		if lerr != nil {
			return lerr
		}
		if scope == "squad" {
			if sender.SquadID == "" {
				return rferr.Denied("agent has no squad to message", nil)
			}
			scope = "squad:" + sender.SquadID
		}

		senderTier := access.TierOf(&sender)
		hasActiveTask, _ := r.activeTaskContext(ctx, fromAgentID)
		fleetWide := scope == "fleet"

		rules, rerr := r.rules.Load(ctx, fleetID)
		if rerr != nil {
			return fmt.Errorf("load business rules: %w", rerr)
		}
		bizCtx := bizrules.Context{
			Action: "broadcast", SenderTier: senderTier, Priority: attrs.Priority,
			SenderHasActiveTask: hasActiveTask,
		}
		res := bizrules.Evaluate(rules, bizCtx)
		if !res.Allowed() {
			return businessRuleDenied(res)
		}

		decision := access.CanBroadcast(&sender, fleetWide, r.squadLeaderLookup(ctx))
		if !decision.Allowed {
			return rferr.Denied(decision.Reason, decision.Suggestion)
		}

		limit := effectiveLimit(senderTier, ratelimit.ActionBroadcast, res.RateLimitOverride)
		ok, retryAfterMs := r.limiter.Check(fromAgentID, ratelimit.ActionBroadcast, limit, senderTier)
		if !ok {
			return rferr.Limited(retryAfterMs)
		}

		out, aerr := r.announce.Announce(ctx, fleetID, fromAgentID, scope, attrs)
		if aerr != nil {
			return aerr
		}
		r.limiter.Record(fromAgentID, ratelimit.ActionBroadcast)

		if r.log != nil {
			r.log.AppendAsync(eventlog.Event{
				FleetID: fleetID, TopicKind: eventlog.TopicBroadcast, From: fromAgentID,
				Kind: "broadcast", Description: scope,
				Data:      map[string]any{"scope": scope, "recipient_count": out.RecipientCount},
				Timestamp: time.Now().UTC(),
			})
		}
		result = out
		return nil
	})
	return result, err
}

// RouteEscalation implements route_escalation. There is no single
// target agent to load — target_tier is derived from target_role's
// own slug tier so AccessControl.can_escalate? can compare it against
// the sender's.
func (r *Router) RouteEscalation(ctx context.Context, fleetID, fromAgentID, targetRole string, attrs escalation.CreateAttrs) (result escalation.Escalation, err error) {
	err = record("escalation", func() error {
		sender, lerr := r.loadAgent(ctx, fleetID, fromAgentID)
		if lerr != nil {
			return lerr
		}
		senderTier := access.TierOf(&sender)
		targetTier := access.TierOf(&model.Agent{RoleSlug: targetRole})
		hasActiveTask, _ := r.activeTaskContext(ctx, fromAgentID)

		rules, rerr := r.rules.Load(ctx, fleetID)
		if rerr != nil {
			return fmt.Errorf("load business rules: %w", rerr)
		}
		bizCtx := bizrules.Context{
			Action: "escalation", SenderTier: senderTier, TargetTier: targetTier,
			Priority: string(attrs.Priority), SenderHasActiveTask: hasActiveTask,
		}
		res := bizrules.Evaluate(rules, bizCtx)
		if !res.Allowed() {
			return businessRuleDenied(res)
		}

		if !access.CanEscalate(senderTier, targetTier) {
			return rferr.Denied("escalation must go upward or to a peer role",
				map[string]any{"alternative": "message:escalate"})
		}

		limit := effectiveLimit(senderTier, actionEscalation, res.RateLimitOverride)
		ok, retryAfterMs := r.limiter.Check(fromAgentID, actionEscalation, limit, senderTier)
		if !ok {
			return rferr.Limited(retryAfterMs)
		}

		esc, eerr := r.escalation.CreateEscalation(ctx, fleetID, fromAgentID, targetRole, attrs)
		if eerr != nil {
			return eerr
		}
		r.limiter.Record(fromAgentID, actionEscalation)
		result = esc
		return nil
	})
	return result, err
}

// RouteThreadReply implements route_thread_reply. AccessControl here
// is participant membership rather than a tier check: a thread's
// membership was already gated when the thread (or its originating
// DM/escalation) was created, so replying only requires the sender
// already be part of the conversation.
func (r *Router) RouteThreadReply(ctx context.Context, fleetID, fromAgentID, threadID, body string, refs []string, metadata map[string]any) (result threads.Message, err error) {
	err = record("thread_reply", func() error {
		sender, lerr := r.loadAgent(ctx, fleetID, fromAgentID)
		if lerr != nil {
			return lerr
		}
		if sender.FleetID != fleetID {
			return rferr.Denied("agents must be in the same fleet", nil)
		}

		th, ok, terr := r.threads.GetThread(ctx, threadID)
		if terr != nil {
			return terr
		}
		if !ok {
			return rferr.New(rferr.KindInvalidStatus, "thread not found")
		}
		if th.FleetID != fleetID {
			return rferr.Denied("agents must be in the same fleet", nil)
		}
		if th.Status != threads.StatusOpen {
			return rferr.InvalidStatus(string(th.Status))
		}
		if !th.ParticipantIDs[fromAgentID] {
			return rferr.New(rferr.KindNotAuthorized, "not a participant in this thread")
		}

		senderTier := access.TierOf(&sender)
		hasActiveTask, _ := r.activeTaskContext(ctx, fromAgentID)

		rules, rerr := r.rules.Load(ctx, fleetID)
		if rerr != nil {
			return fmt.Errorf("load business rules: %w", rerr)
		}
		bizCtx := bizrules.Context{
			Action: "thread_reply", SenderTier: senderTier, SenderHasActiveTask: hasActiveTask,
		}
		res := bizrules.Evaluate(rules, bizCtx)
		if !res.Allowed() {
			return businessRuleDenied(res)
		}

		limit := effectiveLimit(senderTier, actionThreadReply, res.RateLimitOverride)
		ok2, retryAfterMs := r.limiter.Check(fromAgentID, actionThreadReply, limit, senderTier)
		if !ok2 {
			return rferr.Limited(retryAfterMs)
		}

		msg, merr := r.threads.AddMessage(ctx, threadID, fromAgentID, body, refs, metadata)
		if merr != nil {
			return merr
		}
		r.limiter.Record(fromAgentID, actionThreadReply)
		result = msg
		return nil
	})
	return result, err
}
