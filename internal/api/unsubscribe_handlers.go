package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatch/internal/campaign"
)

// UnsubscribeRequest adds an address to the unsubscribe list manually
type UnsubscribeRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// HandleListUnsubscribes lists opted-out addresses newest first
func (h *Handlers) HandleListUnsubscribes(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	unsubs, err := h.unsubs.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"unsubscribes": unsubs,
		"count":        len(unsubs),
	})
}

// HandleAddUnsubscribe records a manual opt-out, e.g. from a support
// request
func (h *Handlers) HandleAddUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = campaign.CleanEmail(req.Email)
	if !campaign.ValidEmail(req.Email) {
		respondError(w, http.StatusBadRequest, "invalid email")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	already, err := h.unsubs.Add(r.Context(), req.Email, reason, "", "", nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "unsubscribed",
		"already": already,
	})
}

// HandleRemoveUnsubscribe takes an address off the list
func (h *Handlers) HandleRemoveUnsubscribe(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || email == "" {
		respondError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if err := h.unsubs.Remove(r.Context(), email); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
