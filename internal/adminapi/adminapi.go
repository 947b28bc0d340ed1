// Package adminapi implements the HTTP control plane (spec §6): tenant/
// fleet/key CRUD, business-rule CRUD at /api/admin/fleets/{id}/rules,
// and the agent notification inbox at /api/agents/{id}/notifications.
// Every route requires an admin key via "Authorization: Bearer
// rf_admin_...", except the tenant/fleet bootstrap routes, which are
// gated by the process's own secret-key-base — no admin key can exist
// for a tenant that doesn't have a fleet yet.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/ringforge/hub/internal/bizrules"
	"github.com/ringforge/hub/internal/cryptoutil"
	"github.com/ringforge/hub/internal/model"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/registry"
)

// Handler wires the control-plane routes to their backing collaborators.
type Handler struct {
	registry      *registry.Registry
	rules         *bizrules.Store
	notify        *notification.Service
	cryptoCache   *cryptoutil.Cache
	secretKeyBase string
}

// New builds the admin API Handler. cryptoCache may be nil (key
// rotation invalidation is then a no-op).
func New(reg *registry.Registry, rules *bizrules.Store, notify *notification.Service, cryptoCache *cryptoutil.Cache, secretKeyBase string) *Handler {
	return &Handler{registry: reg, rules: rules, notify: notify, cryptoCache: cryptoCache, secretKeyBase: secretKeyBase}
}

// Mount registers every control-plane route on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/admin/tenants", h.requireSuperKey(h.createTenant))
	mux.HandleFunc("POST /api/admin/tenants/{tenantID}/fleets", h.requireSuperKey(h.createFleet))
	mux.HandleFunc("POST /api/admin/fleets/{fleetID}/keys", h.requireSuperKey(h.createKey))
	mux.HandleFunc("POST /api/admin/keys/revoke", h.requireSuperKey(h.revokeKey))

	mux.HandleFunc("GET /api/admin/fleets/{fleetID}/rules", h.requireFleetAdmin(h.listRules))
	mux.HandleFunc("POST /api/admin/fleets/{fleetID}/rules", h.requireFleetAdmin(h.addRule))
	mux.HandleFunc("DELETE /api/admin/fleets/{fleetID}/rules/{ruleID}", h.requireFleetAdmin(h.removeRule))

	mux.HandleFunc("GET /api/agents/{agentID}/notifications", h.requireFleetAdmin(h.listNotifications))
	mux.HandleFunc("POST /api/agents/{agentID}/notifications/{notificationID}/read", h.requireFleetAdmin(h.markRead))
	mux.HandleFunc("POST /api/agents/{agentID}/notifications/read-all", h.requireFleetAdmin(h.markAllRead))
}

type fleetCtxKey struct{}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// requireSuperKey gates the tenant/fleet/key bootstrap routes behind
// the process's own secret-key-base, since no per-fleet admin key can
// exist before the fleet itself does.
func (h *Handler) requireSuperKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || token != h.secretKeyBase {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// requireFleetAdmin authenticates the bearer token as a fleet admin key
// and confirms it scopes to the fleetID implied by the route (either a
// direct {fleetID} path value, or an {agentID}'s own fleet via the
// fleet_id query parameter the caller must supply).
func (h *Handler) requireFleetAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		fleetID, err := h.registry.AuthenticateAdminKey(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		routeFleetID := r.PathValue("fleetID")
		if routeFleetID == "" {
			routeFleetID = r.URL.Query().Get("fleet_id")
		}
		if routeFleetID != "" && routeFleetID != fleetID {
			writeError(w, http.StatusForbidden, "admin key does not scope to this fleet")
			return
		}

		ctx := context.WithValue(r.Context(), fleetCtxKey{}, fleetID)
		next(w, r.WithContext(ctx))
	}
}

func fleetFromContext(ctx context.Context) string {
	fleetID, _ := ctx.Value(fleetCtxKey{}).(string)
	return fleetID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) createTenant(w http.ResponseWriter, r *http.Request) {
	var body struct{ ID, Name, Plan string }
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	t := model.Tenant{ID: body.ID, Name: body.Name, Plan: body.Plan}
	if err := h.registry.CreateTenant(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) createFleet(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	var body struct{ ID, Name string }
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	f := model.Fleet{ID: body.ID, TenantID: tenantID, Name: body.Name}
	if err := h.registry.CreateFleet(r.Context(), f); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

const rawSecretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func generateRawSecret(prefix string) (string, error) {
	s, err := gonanoid.Generate(rawSecretAlphabet, 32)
	if err != nil {
		return "", fmt.Errorf("generate api key secret: %w", err)
	}
	return prefix + s, nil
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	fleetID := r.PathValue("fleetID")
	var body struct{ ID, Type string }
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	keyType := model.ApiKeyType(body.Type)
	prefix := "rf_live_"
	if keyType == model.ApiKeyAdmin {
		prefix = "rf_admin_"
	}
	rawSecret, err := generateRawSecret(prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	k := model.ApiKey{ID: body.ID, FleetID: fleetID, Type: keyType, RawSecret: rawSecret}
	if err := h.registry.CreateApiKey(r.Context(), k); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": k.ID, "fleet_id": fleetID, "raw_secret": rawSecret})
}

func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RawSecret string `json:"raw_secret"`
		FleetID   string `json:"fleet_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.registry.RevokeApiKey(r.Context(), body.RawSecret); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Key rotation invalidates the fleet's cached derived crypto keys
	// (spec §9's canonical-key decision) so the next Seal/Sign re-derives
	// from whichever live key remains canonical.
	if h.cryptoCache != nil && body.FleetID != "" {
		h.cryptoCache.Invalidate(body.FleetID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	fleetID := fleetFromContext(r.Context())
	rules, err := h.rules.Load(r.Context(), fleetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *Handler) addRule(w http.ResponseWriter, r *http.Request) {
	fleetID := fleetFromContext(r.Context())
	var rule bizrules.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.rules.Add(r.Context(), fleetID, rule); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) removeRule(w http.ResponseWriter, r *http.Request) {
	fleetID := fleetFromContext(r.Context())
	ruleID := r.PathValue("ruleID")
	if err := h.rules.Remove(r.Context(), fleetID, ruleID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	fleetID := fleetFromContext(r.Context())
	agentID := r.PathValue("agentID")
	list, err := h.notify.List(r.Context(), fleetID, agentID, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unread, err := h.notify.UnreadCount(r.Context(), fleetID, agentID)
	if err != nil {
		slog.Warn("adminapi: unread count failed", "fleet_id", fleetID, "agent_id", agentID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "unread_count": unread})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	fleetID := fleetFromContext(r.Context())
	agentID := r.PathValue("agentID")
	notificationID := r.PathValue("notificationID")
	if err := h.notify.MarkRead(r.Context(), fleetID, agentID, notificationID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	fleetID := fleetFromContext(r.Context())
	agentID := r.PathValue("agentID")
	if err := h.notify.MarkAllRead(r.Context(), fleetID, agentID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
