package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/campaign"
	"github.com/ignite/campaign-dispatch/internal/mailer"
)

// BuildCampaignRequest is the payload for campaign creation. Source
// selects where recipients come from: "ids" uses RecipientIDs,
// "directory" targets every directory recipient, "text" parses Text.
type BuildCampaignRequest struct {
	Name         string  `json:"name"`
	TemplateID   string  `json:"template_id"`
	Source       string  `json:"source"`
	RecipientIDs []int64 `json:"recipient_ids,omitempty"`
	Text         string  `json:"text,omitempty"`
}

// HandleBuildCampaign creates a draft campaign from one of the three
// recipient sources
func (h *Handlers) HandleBuildCampaign(w http.ResponseWriter, r *http.Request) {
	var req BuildCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid template_id")
		return
	}

	var c *campaign.Campaign
	switch req.Source {
	case "ids":
		if len(req.RecipientIDs) == 0 {
			respondError(w, http.StatusBadRequest, "recipient_ids is required for source \"ids\"")
			return
		}
		c, err = h.builder.BuildFromIDs(r.Context(), req.Name, templateID, req.RecipientIDs)
	case "directory":
		c, err = h.builder.BuildFromDirectory(r.Context(), req.Name, templateID)
	case "text":
		if req.Text == "" {
			respondError(w, http.StatusBadRequest, "text is required for source \"text\"")
			return
		}
		c, err = h.builder.BuildFromText(r.Context(), req.Name, templateID, req.Text)
	default:
		respondError(w, http.StatusBadRequest, "source must be one of: ids, directory, text")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, c)
}

// HandleListCampaigns lists campaigns newest first
func (h *Handlers) HandleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	campaigns, err := h.store.ListCampaigns(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// HandleGetCampaign returns one campaign with its derived open rate
func (h *Handlers) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaign":  c,
		"open_rate": c.OpenRate(),
	})
}

// HandleDeleteCampaign removes a campaign and its history. Only drafts
// can be deleted; anything that has started keeps its audit trail.
func (h *Handlers) HandleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}
	if !c.IsDraft() {
		respondError(w, http.StatusConflict, "only draft campaigns can be deleted")
		return
	}
	if err := h.store.DeleteCampaign(r.Context(), c.ID); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleStartCampaign starts or resumes dispatch
func (h *Handlers) HandleStartCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	c, err := h.service.Start(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// HandlePauseCampaign pauses dispatch
func (h *Handlers) HandlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	c, err := h.service.Pause(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// HandleResendFailed queues retryable failed sends again
func (h *Handlers) HandleResendFailed(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	count, err := h.service.ResendFailed(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requeued": count})
}

// HandleCampaignStats returns the aggregate view of one campaign
func (h *Handlers) HandleCampaignStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	stats, err := h.service.Stats(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// HandleListSends lists a campaign's per-recipient sends
func (h *Handlers) HandleListSends(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	limit, offset := parsePagination(r)
	sends, err := h.store.ListSends(r.Context(), id, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sends": sends,
		"count": len(sends),
	})
}

// TestSendRequest asks for a one-off delivery of a campaign's template
type TestSendRequest struct {
	Email string `json:"email"`
}

// HandleTestSend delivers the campaign's rendered template to a single
// address, bypassing the queue, filters and tracking. No send row is
// created; nothing counts toward campaign stats.
func (h *Handlers) HandleTestSend(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCampaign(w, r)
	if !ok {
		return
	}

	var req TestSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = campaign.CleanEmail(req.Email)
	if !campaign.ValidEmail(req.Email) {
		respondError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if !h.transport.Configured() {
		respondError(w, http.StatusConflict, "delivery transport is not configured")
		return
	}

	tmpl, err := h.store.GetTemplate(r.Context(), c.TemplateID)
	if err != nil || tmpl == nil {
		respondError(w, http.StatusInternalServerError, "template not found")
		return
	}

	rendered := tmpl.Render(h.dispatch.RenderVars("", req.Email, ""))

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	err = h.transport.Send(ctx, &mailer.Message{
		To:      req.Email,
		Subject: "[TEST] " + rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// HandleDashboardStats aggregates activity across all campaigns
func (h *Handlers) HandleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetDashboardStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unsubCount, err := h.unsubs.Count(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns":    stats,
		"unsubscribes": unsubCount,
	})
}

func (h *Handlers) loadCampaign(w http.ResponseWriter, r *http.Request) (*campaign.Campaign, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return nil, false
	}
	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return c, true
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrTransportNotConfigured):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
