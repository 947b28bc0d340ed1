// Package gateway implements the ChannelGateway (spec §4.12): the
// duplex, frame-oriented protocol endpoint agents speak over a
// WebSocket connection to join a fleet, maintain presence, and invoke
// the Router for every inter-agent message verb.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ringforge/hub/internal/announcement"
	"github.com/ringforge/hub/internal/directmessage"
	"github.com/ringforge/hub/internal/escalation"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/registry"
	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/router"
	"github.com/ringforge/hub/internal/threads"
)

const (
	heartbeatTopic    = "phoenix"
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 60 * time.Second
	handshakeTimeout  = 10 * time.Second
	routeDeadline     = 10 * time.Second
	outboxBuffer      = 64
)

// Gateway accepts WebSocket connections and dispatches channel frames
// to the Router and its sibling collaborators.
type Gateway struct {
	registry *registry.Registry
	router   *router.Router
	roster   *presence.Roster
	bus      *pubsub.Bus
	notify   *notification.Service
	dm       *directmessage.Service
	threads  *threads.Threads
	log      *eventlog.Log
	files    kv.Store // edge-agent file sync blobs (sync:files topic)

	drainCh          chan struct{}
	reconnectAfterMs int
}

// New wires a Gateway. files may be nil to disable the sync:files
// topic (file:list/get/put/delete reply store_failed). dm delivers an
// agent's queued DMs on fleet join (§4.12).
func New(reg *registry.Registry, r *router.Router, roster *presence.Roster, bus *pubsub.Bus, notify *notification.Service, dm *directmessage.Service, th *threads.Threads, log *eventlog.Log, files kv.Store) *Gateway {
	return &Gateway{
		registry: reg, router: r, roster: roster, bus: bus, notify: notify, dm: dm,
		threads: th, log: log, files: files,
		drainCh: make(chan struct{}), reconnectAfterMs: 5000,
	}
}

// Drain broadcasts a node_draining envelope to every connected agent
// and stops accepting new connections. Existing connections are left
// for the caller to close via its own HTTP server shutdown.
func (g *Gateway) Drain() {
	select {
	case <-g.drainCh:
		return // already draining
	default:
		close(g.drainCh)
	}
}

func (g *Gateway) draining() bool {
	select {
	case <-g.drainCh:
		return true
	default:
		return false
	}
}

// joinIdentity is decoded from the Join URL's `agent` query parameter
// (spec §6: "carries name/framework/capabilities for first-join
// identity"). agent_id is the one field the spec's query-string
// example doesn't literally show but every subsequent frame needs a
// stable agent identity to key off, so it is required here.
type joinIdentity struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name"`
	Framework    string         `json:"framework"`
	Capabilities []string       `json:"capabilities"`
	State        map[string]any `json:"state"`
}

// ServeHTTP implements the WebSocket handshake: api_key
// authentication, then the per-connection read/write loops. Modeled
// on the teacher's WSWatchEventsHandler accept/handshake-timeout/
// defer-close shape.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.draining() {
		http.Error(w, "node draining", http.StatusServiceUnavailable)
		return
	}

	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		http.Error(w, "missing api_key", http.StatusUnauthorized)
		return
	}
	agentJSON := r.URL.Query().Get("agent")
	var identity joinIdentity
	if agentJSON != "" {
		if err := json.Unmarshal([]byte(agentJSON), &identity); err != nil {
			http.Error(w, "invalid agent parameter", http.StatusBadRequest)
			return
		}
	}
	if identity.AgentID == "" {
		http.Error(w, "agent.agent_id is required", http.StatusBadRequest)
		return
	}

	handshakeCtx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()

	fleetID, err := g.registry.AuthenticateLiveKey(handshakeCtx, apiKey)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"ringforge.channel.v1"},
	})
	if err != nil {
		slog.Debug("gateway: accept failed", "error", err)
		return
	}

	c := &conn{
		gw:       g,
		ws:       ws,
		fleetID:  fleetID,
		agentID:  identity.AgentID,
		identity: identity,
		outbox:   make(chan Frame, outboxBuffer),
		subs:     make(map[string]*pubsub.Subscription),
		joined:   make(map[string]bool),
	}
	c.run(r.Context())
}

func errorPayload(err error) map[string]any {
	var rfe *rferr.Error
	if e, ok := err.(*rferr.Error); ok {
		rfe = e
	}
	if rfe == nil {
		return map[string]any{"kind": "internal", "message": err.Error()}
	}
	payload := map[string]any{"kind": string(rfe.Kind), "message": rfe.Message}
	if rfe.Reason != "" {
		payload["reason"] = rfe.Reason
	}
	if rfe.Suggestion != nil {
		payload["suggestion"] = rfe.Suggestion
	}
	if rfe.RetryAfterMs > 0 {
		payload["retry_after_ms"] = rfe.RetryAfterMs
	}
	if rfe.Status != "" {
		payload["status"] = rfe.Status
	}
	return payload
}

// announceAttrs and escalateAttrs decode message:broadcast and
// message:escalate payloads; kept here rather than in conn.go since
// they mirror frame.go's small-decoder style.
func announceAttrsFromPayload(p map[string]any) announcement.Attrs {
	attrs := announcement.Attrs{}
	if v, ok := p["body"].(string); ok {
		attrs.Body = v
	}
	if v, ok := p["priority"].(string); ok {
		attrs.Priority = v
	}
	if v, ok := p["metadata"].(map[string]any); ok {
		attrs.Metadata = v
	}
	return attrs
}

func escalationAttrsFromPayload(p map[string]any) escalation.CreateAttrs {
	attrs := escalation.CreateAttrs{}
	if v, ok := p["subject"].(string); ok {
		attrs.Subject = v
	}
	if v, ok := p["body"].(string); ok {
		attrs.Body = v
	}
	if v, ok := p["priority"].(string); ok {
		attrs.Priority = escalation.Priority(v)
	}
	if v, ok := p["context_refs"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				attrs.ContextRefs = append(attrs.ContextRefs, s)
			}
		}
	}
	return attrs
}

func stringsFromAny(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
