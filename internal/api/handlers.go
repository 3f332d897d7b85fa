// Package api serves the admin HTTP interface: campaign building and
// lifecycle, template management and unsubscribe administration. The
// public tracking endpoints live in their own server; nothing here is
// reachable from a recipient's inbox.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ignite/campaign-dispatch/internal/campaign"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/mailer"
	"github.com/ignite/campaign-dispatch/internal/suppression"
)

// Handlers contains all admin HTTP handlers
type Handlers struct {
	store     *campaign.Store
	builder   *campaign.Builder
	service   *campaign.Service
	unsubs    *suppression.TenantList
	transport mailer.Transport
	dispatch  config.DispatchConfig
}

// NewHandlers creates the admin handlers
func NewHandlers(store *campaign.Store, builder *campaign.Builder, service *campaign.Service,
	unsubs *suppression.TenantList, transport mailer.Transport, dispatch config.DispatchConfig) *Handlers {
	return &Handlers{
		store:     store,
		builder:   builder,
		service:   service,
		unsubs:    unsubs,
		transport: transport,
		dispatch:  dispatch,
	}
}

// HealthCheck reports liveness and transport readiness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "ok",
		"transport":            h.transport.Name(),
		"transport_configured": h.transport.Configured(),
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// parsePagination reads limit/offset query params with sane bounds
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
