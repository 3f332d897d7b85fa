package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/campaign"
)

// TemplateRequest is the payload for template create/update
type TemplateRequest struct {
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	BodyText string `json:"body_text"`
	IsActive *bool  `json:"is_active"`
}

// HandleListTemplates lists all templates
func (h *Handlers) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"templates": templates,
		"count":     len(templates),
	})
}

// HandleCreateTemplate creates a template
func (h *Handlers) HandleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Subject == "" || req.BodyHTML == "" {
		respondError(w, http.StatusBadRequest, "name, subject and body_html are required")
		return
	}

	tmpl := &campaign.Template{
		ID:       uuid.New(),
		Name:     req.Name,
		Subject:  req.Subject,
		BodyHTML: req.BodyHTML,
		BodyText: req.BodyText,
		IsActive: true,
	}
	if req.IsActive != nil {
		tmpl.IsActive = *req.IsActive
	}

	if err := h.store.CreateTemplate(r.Context(), tmpl); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, tmpl)
}

// HandleGetTemplate returns one template
func (h *Handlers) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := h.loadTemplate(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

// HandleUpdateTemplate updates a template. Already-built campaigns keep
// dispatching whatever the template says at delivery time.
func (h *Handlers) HandleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := h.loadTemplate(w, r)
	if !ok {
		return
	}

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != "" {
		tmpl.Name = req.Name
	}
	if req.Subject != "" {
		tmpl.Subject = req.Subject
	}
	if req.BodyHTML != "" {
		tmpl.BodyHTML = req.BodyHTML
	}
	if req.BodyText != "" {
		tmpl.BodyText = req.BodyText
	}
	if req.IsActive != nil {
		tmpl.IsActive = *req.IsActive
	}

	if err := h.store.UpdateTemplate(r.Context(), tmpl); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

// HandleDeleteTemplate deletes a template unless campaigns reference it
func (h *Handlers) HandleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	if err := h.store.DeleteTemplate(r.Context(), id); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// PreviewRequest carries sample variables for template preview
type PreviewRequest struct {
	Vars map[string]string `json:"vars"`
}

// HandlePreviewTemplate renders a template with sample variables without
// sending anything
func (h *Handlers) HandlePreviewTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := h.loadTemplate(w, r)
	if !ok {
		return
	}

	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	vars := h.dispatch.RenderVars("", "", "")
	for k, v := range req.Vars {
		vars[k] = v
	}

	respondJSON(w, http.StatusOK, tmpl.Render(vars))
}

func (h *Handlers) loadTemplate(w http.ResponseWriter, r *http.Request) (*campaign.Template, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid template id")
		return nil, false
	}
	tmpl, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if tmpl == nil {
		respondError(w, http.StatusNotFound, "template not found")
		return nil, false
	}
	return tmpl, true
}
