package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ringforge/hub/internal/announcement"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/model"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/registry"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/threads"
)

// conn is one agent's live connection: its own outbound frame queue
// and heartbeat timer, per spec §5's "one lightweight task per
// connected agent" scheduling model.
type conn struct {
	gw       *Gateway
	ws       *websocket.Conn
	fleetID  string
	agentID  string
	identity joinIdentity

	outbox chan Frame

	mu            sync.Mutex
	subs          map[string]*pubsub.Subscription
	joined        map[string]bool
	joinedFleet   bool
	lastHeartbeat time.Time
}

func (c *conn) fleetTopic() string { return announcement.FleetTopic(c.fleetID) }

func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = c.ws.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	go func() { defer wg.Done(); c.watchdogLoop(ctx) }()

	c.readLoop(ctx)
	cancel()
	c.teardown()
	wg.Wait()
}

func (c *conn) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	wasJoined := c.joinedFleet
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if wasJoined {
		c.gw.roster.Leave(c.fleetID, c.agentID)
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			slog.Debug("gateway: read failed", "fleet_id", c.fleetID, "agent_id", c.agentID, "error", err)
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}

		f, err := decodeFrame(data)
		if err != nil {
			slog.Debug("gateway: decode frame failed", "error", err)
			continue
		}
		metrics.WSFramesTotal.WithLabelValues(f.Event, "in").Inc()
		c.handleFrame(ctx, f)
	}
}

// writeLoop is the connection's sole writer: coder/websocket forbids
// concurrent writes on one connection, so every outbound frame
// (replies, pubsub fan-out, drain notices) funnels through outbox.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.outbox:
			if !ok {
				return
			}
			data, err := encodeFrame(f)
			if err != nil {
				slog.Error("gateway: encode frame failed", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			metrics.WSFramesTotal.WithLabelValues(f.Event, "out").Inc()
		}
	}
}

func (c *conn) send(f Frame) {
	select {
	case c.outbox <- f:
	default:
		slog.Warn("gateway: outbox full, dropping frame", "fleet_id", c.fleetID, "agent_id", c.agentID, "event", f.Event)
	}
}

// watchdogLoop enforces the heartbeat absence timeout (spec §4.12:
// "the server treats absence > 60s as disconnect") and relays a
// node_draining envelope once the gateway starts draining.
func (c *conn) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	drainSent := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gw.drainCh:
			if !drainSent {
				drainSent = true
				c.send(Frame{
					Topic: heartbeatTopic, Event: "node_draining",
					Payload: map[string]any{"reconnect_after_ms": c.gw.reconnectAfterMs},
				})
			}
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastHeartbeat
			c.mu.Unlock()
			if time.Since(last) > heartbeatTimeout {
				slog.Info("gateway: heartbeat timeout, disconnecting", "fleet_id", c.fleetID, "agent_id", c.agentID)
				_ = c.ws.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *conn) handleFrame(ctx context.Context, f Frame) {
	switch f.Event {
	case "heartbeat":
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		c.send(okReply(f.Ref, heartbeatTopic, nil))

	case "phx_join":
		c.handleJoin(ctx, f)

	case "phx_leave":
		c.handleLeave(f)

	case "presence:update":
		c.handlePresenceUpdate(f)

	case "presence:roster":
		c.handlePresenceRoster(f)

	case "activity:broadcast":
		c.handleActivityBroadcast(ctx, f)

	case "message:send":
		c.handleMessageSend(ctx, f)

	case "message:broadcast":
		c.handleMessageBroadcast(ctx, f)

	case "message:escalate":
		c.handleMessageEscalate(ctx, f)

	case "thread:reply":
		c.handleThreadReply(ctx, f)

	case "file:list", "file:get", "file:put", "file:delete":
		c.handleFileSync(ctx, f)

	default:
		c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "invalid_status", "message": "unknown event " + f.Event}))
	}
}

// handleJoin handles phx_join on the fleet topic (first-join identity
// handshake) or on a thread:{id} topic (joining a thread's message
// stream for push updates).
func (c *conn) handleJoin(ctx context.Context, f Frame) {
	switch {
	case f.Topic == c.fleetTopic():
		c.handleFleetJoin(ctx, f)
	case strings.HasPrefix(f.Topic, "thread:"):
		c.handleThreadJoin(ctx, f)
	case f.Topic == "sync:files":
		c.mu.Lock()
		c.joined[f.Topic] = true
		c.mu.Unlock()
		c.send(okReply(f.Ref, f.Topic, nil))
	default:
		c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "invalid_status", "message": "unrecognized topic"}))
	}
}

func (c *conn) handleFleetJoin(ctx context.Context, f Frame) {
	c.mu.Lock()
	alreadyJoined := c.joinedFleet
	c.mu.Unlock()
	if alreadyJoined {
		c.send(okReply(f.Ref, f.Topic, map[string]any{"agent_id": c.agentID}))
		return
	}

	attrs := registry.JoinAttrs{Name: c.identity.Name}
	if v, ok := f.Payload["name"].(string); ok && v != "" {
		attrs.Name = v
	}
	if v, ok := f.Payload["state"].(map[string]any); ok {
		attrs.Metadata = v
	}
	var framework string
	if v, ok := f.Payload["framework"].(string); ok {
		framework = v
	} else {
		framework = c.identity.Framework
	}
	caps := stringsFromAny(f.Payload["capabilities"])
	if caps == nil {
		caps = c.identity.Capabilities
	}
	if attrs.Metadata == nil {
		attrs.Metadata = map[string]any{}
	}
	if framework != "" {
		attrs.Metadata["framework"] = framework
	}
	if caps != nil {
		attrs.Metadata["capabilities"] = caps
	}

	agent, err := c.gw.registry.EnsureAgent(ctx, c.fleetID, c.agentID, attrs)
	if err != nil {
		c.send(errorReply(f.Ref, f.Topic, errorPayload(rferr.Wrap(rferr.KindAgentNotFound, err))))
		return
	}

	fleetTopic := c.fleetTopic()
	ownTopic := notification.AgentTopic(c.fleetID, c.agentID)
	fleetSub := c.gw.bus.Subscribe(fleetTopic)
	ownSub := c.gw.bus.Subscribe(ownTopic)

	c.mu.Lock()
	c.joinedFleet = true
	c.joined[f.Topic] = true
	c.subs[fleetTopic] = fleetSub
	c.subs[ownTopic] = ownSub
	c.mu.Unlock()

	c.gw.roster.Join(c.fleetID, c.agentID)
	go c.forward(fleetTopic, fleetSub)
	go c.forward(ownTopic, ownSub)

	if c.gw.dm != nil {
		if _, err := c.gw.dm.DeliverQueued(ctx, c.fleetID, c.agentID); err != nil {
			slog.Warn("gateway: deliver_queued failed", "fleet_id", c.fleetID, "agent_id", c.agentID, "error", err)
		}
	}

	c.send(okReply(f.Ref, f.Topic, map[string]any{
		"agent_id": agent.AgentID, "fleet_id": agent.FleetID, "squad_id": agent.SquadID,
	}))
}

func (c *conn) handleThreadJoin(ctx context.Context, f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	threadID := strings.TrimPrefix(f.Topic, "thread:")
	th, ok, err := c.gw.threads.GetThread(ctx, threadID)
	if err != nil {
		c.send(errorReply(f.Ref, f.Topic, errorPayload(err)))
		return
	}
	if !ok || th.FleetID != c.fleetID || !th.ParticipantIDs[c.agentID] {
		c.send(errorReply(f.Ref, f.Topic, errorPayload(rferr.ErrNotAuthorized)))
		return
	}

	c.mu.Lock()
	_, already := c.subs[f.Topic]
	c.mu.Unlock()
	if !already {
		sub := c.gw.bus.Subscribe(threads.Topic(threadID))
		c.mu.Lock()
		c.subs[f.Topic] = sub
		c.joined[f.Topic] = true
		c.mu.Unlock()
		go c.forward(f.Topic, sub)
	}
	c.send(okReply(f.Ref, f.Topic, map[string]any{"thread_id": threadID}))
}

func (c *conn) handleLeave(f Frame) {
	c.mu.Lock()
	sub, ok := c.subs[f.Topic]
	if ok {
		delete(c.subs, f.Topic)
	}
	delete(c.joined, f.Topic)
	if f.Topic == c.fleetTopic() {
		c.joinedFleet = false
	}
	c.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
	if f.Topic == c.fleetTopic() {
		c.gw.roster.Leave(c.fleetID, c.agentID)
	}
	c.send(okReply(f.Ref, f.Topic, nil))
}

// forward relays pubsub messages to the connection's outbox as
// server-pushed frames (ref is null; the client correlates by topic
// and event instead).
func (c *conn) forward(topic string, sub *pubsub.Subscription) {
	for msg := range sub.C() {
		c.send(Frame{Topic: topic, Event: msg.Event, Payload: toPayload(msg.Payload)})
	}
}

func toPayload(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"data": fmt.Sprintf("%v", v)}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"data": string(raw)}
	}
	return m
}

func (c *conn) requireFleetJoined(f Frame) bool {
	c.mu.Lock()
	joined := c.joinedFleet
	c.mu.Unlock()
	if !joined {
		c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "invalid_status", "message": "must phx_join the fleet topic first"}))
	}
	return joined
}

func (c *conn) handlePresenceUpdate(f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	state := model.PresenceOnline
	if v, ok := f.Payload["state"].(string); ok {
		state = model.PresenceState(v)
	}
	var task string
	if v, ok := f.Payload["task"].(string); ok {
		task = v
	}
	c.gw.roster.Update(c.fleetID, c.agentID, state, task)
	c.gw.bus.Publish(c.fleetTopic(), pubsub.Message{
		Event:   "presence:update",
		Payload: map[string]any{"agent_id": c.agentID, "state": string(state), "task": task},
	})
	c.send(okReply(f.Ref, f.Topic, nil))
}

func (c *conn) handlePresenceRoster(f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	records := c.gw.roster.RosterFor(c.fleetID)
	roster := make([]map[string]any, 0, len(records))
	for _, p := range records {
		roster = append(roster, map[string]any{
			"agent_id": p.AgentID, "state": string(p.State), "task": p.Task,
			"last_seen": p.LastSeen.UTC().Format(time.RFC3339Nano),
		})
	}
	c.send(okReply(f.Ref, f.Topic, map[string]any{"roster": roster}))
}

// handleActivityBroadcast fans an activity note out to the fleet
// topic and persists it, untouched by the Router's tier gating — it
// is a lightweight "what am I doing" ping, not message:broadcast's
// gated announcement.
func (c *conn) handleActivityBroadcast(ctx context.Context, f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	description, _ := f.Payload["description"].(string)
	c.gw.bus.Publish(c.fleetTopic(), pubsub.Message{
		Event:   "activity:broadcast",
		Payload: map[string]any{"agent_id": c.agentID, "description": description, "data": f.Payload},
	})
	if c.gw.log != nil {
		c.gw.log.AppendAsync(loggedActivityEvent(c.fleetID, c.agentID, description, f.Payload))
	}
	c.send(okReply(f.Ref, f.Topic, nil))
}

func (c *conn) handleMessageSend(ctx context.Context, f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	to, _ := f.Payload["to"].(string)
	message, _ := f.Payload["message"].(map[string]any)
	priority, _ := f.Payload["priority"].(string)
	correlationID, _ := f.Payload["correlation_id"].(string)

	routeCtx, cancel := context.WithTimeout(ctx, routeDeadline)
	defer cancel()
	result, err := c.gw.router.RouteDM(routeCtx, c.fleetID, c.agentID, to, message, priority, correlationID)
	if err != nil {
		c.send(errorReply(f.Ref, f.Topic, errorPayload(err)))
		return
	}
	c.send(okReply(f.Ref, f.Topic, map[string]any{"message_id": result.MessageID, "status": result.Status}))
}

func (c *conn) handleMessageBroadcast(ctx context.Context, f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	scope, _ := f.Payload["scope"].(string)
	attrs := announceAttrsFromPayload(f.Payload)

	routeCtx, cancel := context.WithTimeout(ctx, routeDeadline)
	defer cancel()
	result, err := c.gw.router.RouteBroadcast(routeCtx, c.fleetID, c.agentID, scope, attrs)
	if err != nil {
		c.send(errorReply(f.Ref, f.Topic, errorPayload(err)))
		return
	}
	c.send(okReply(f.Ref, f.Topic, map[string]any{"scope": result.Scope, "recipient_count": result.RecipientCount}))
}

func (c *conn) handleMessageEscalate(ctx context.Context, f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	targetRole, _ := f.Payload["target_role"].(string)
	attrs := escalationAttrsFromPayload(f.Payload)

	routeCtx, cancel := context.WithTimeout(ctx, routeDeadline)
	defer cancel()
	esc, err := c.gw.router.RouteEscalation(routeCtx, c.fleetID, c.agentID, targetRole, attrs)
	if err != nil {
		c.send(errorReply(f.Ref, f.Topic, errorPayload(err)))
		return
	}
	c.send(okReply(f.Ref, f.Topic, map[string]any{"escalation_id": esc.ID, "status": string(esc.Status)}))
}

func (c *conn) handleThreadReply(ctx context.Context, f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	if !strings.HasPrefix(f.Topic, "thread:") {
		c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "invalid_status", "message": "thread:reply requires a thread:{id} topic"}))
		return
	}
	threadID := strings.TrimPrefix(f.Topic, "thread:")
	body, _ := f.Payload["body"].(string)
	refs := stringsFromAny(f.Payload["refs"])
	metadata, _ := f.Payload["metadata"].(map[string]any)

	routeCtx, cancel := context.WithTimeout(ctx, routeDeadline)
	defer cancel()
	msg, err := c.gw.router.RouteThreadReply(routeCtx, c.fleetID, c.agentID, threadID, body, refs, metadata)
	if err != nil {
		c.send(errorReply(f.Ref, f.Topic, errorPayload(err)))
		return
	}
	c.send(okReply(f.Ref, f.Topic, map[string]any{"message_id": msg.MessageID, "timestamp": msg.Timestamp}))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// loggedActivityEvent builds the eventlog record for an activity:broadcast
// frame, tagged separately from message:broadcast's eventlog.TopicBroadcast
// entries since activity pings aren't tier-gated announcements.
func loggedActivityEvent(fleetID, agentID, description string, payload map[string]any) eventlog.Event {
	return eventlog.Event{
		FleetID:     fleetID,
		TopicKind:   eventlog.TopicActivity,
		From:        agentID,
		Kind:        "activity",
		Description: description,
		Data:        payload,
		Timestamp:   time.Now().UTC(),
	}
}

func fileBlobKey(fleetID, agentID, fileKey string) string {
	return fmt.Sprintf("syncfile:%s:%s:%s", fleetID, agentID, fileKey)
}

func fileBlobPrefix(fleetID, agentID string) string {
	return fmt.Sprintf("syncfile:%s:%s:", fleetID, agentID)
}

// handleFileSync implements the edge-agent file sync wire protocol
// (spec §6): a flat per-(fleet,agent) blob namespace in the KV store.
// The sync client itself is out of scope; only its wire protocol with
// the hub is specified, so this is a minimal conforming server side.
func (c *conn) handleFileSync(ctx context.Context, f Frame) {
	if !c.requireFleetJoined(f) {
		return
	}
	if c.gw.files == nil {
		c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "store_failed", "message": "file sync is not configured"}))
		return
	}

	switch f.Event {
	case "file:list":
		docs, err := c.gw.files.ListDocuments(ctx, fileBlobPrefix(c.fleetID, c.agentID))
		if err != nil {
			c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "store_failed", "message": err.Error()}))
			return
		}
		files := make([]map[string]any, 0, len(docs))
		for key, data := range docs {
			sum := sha256Hex(data)
			files = append(files, map[string]any{
				"key":  strings.TrimPrefix(key, fileBlobPrefix(c.fleetID, c.agentID)),
				"hash": sum,
				"size": len(data),
			})
		}
		c.send(okReply(f.Ref, f.Topic, map[string]any{"status": "ok", "files": files}))

	case "file:get":
		key, _ := f.Payload["key"].(string)
		data, ok, err := c.gw.files.Get(ctx, fileBlobKey(c.fleetID, c.agentID, key))
		if err != nil {
			c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "store_failed", "message": err.Error()}))
			return
		}
		if !ok {
			c.send(okReply(f.Ref, f.Topic, map[string]any{"status": "not_found"}))
			return
		}
		c.send(okReply(f.Ref, f.Topic, map[string]any{"status": "ok", "data": base64.StdEncoding.EncodeToString(data)}))

	case "file:put":
		key, _ := f.Payload["key"].(string)
		dataB64, _ := f.Payload["data"].(string)
		data, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "invalid_status", "message": "invalid base64 data"}))
			return
		}
		if err := c.gw.files.Put(ctx, fileBlobKey(c.fleetID, c.agentID, key), data); err != nil {
			c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "store_failed", "message": err.Error()}))
			return
		}
		c.send(okReply(f.Ref, f.Topic, map[string]any{"status": "ok"}))

	case "file:delete":
		key, _ := f.Payload["key"].(string)
		if err := c.gw.files.Delete(ctx, fileBlobKey(c.fleetID, c.agentID, key)); err != nil {
			c.send(errorReply(f.Ref, f.Topic, map[string]any{"kind": "store_failed", "message": err.Error()}))
			return
		}
		c.send(okReply(f.Ref, f.Topic, map[string]any{"status": "ok"}))
	}
}
