package tracking

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/campaign"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// SendTracker is the slice of the campaign store the public endpoints
// need
type SendTracker interface {
	RecordOpen(ctx context.Context, trackingID uuid.UUID, ip, userAgent string) (*campaign.Send, error)
	GetSendByTrackingID(ctx context.Context, trackingID uuid.UUID) (*campaign.Send, error)
	InsertClick(ctx context.Context, click *campaign.Click) error
	RefreshStats(ctx context.Context, campaignID uuid.UUID) (*campaign.Stats, error)
}

// Unsubscriber records opt-outs with their provenance
type Unsubscriber interface {
	Add(ctx context.Context, email, reason, ip, userAgent string, sendID *uuid.UUID) (bool, error)
}

// Handler serves the public tracking endpoints
type Handler struct {
	sends    SendTracker
	unsubs   Unsubscriber
	signer   *Signer
	siteName string
}

// NewHandler creates the tracking handler
func NewHandler(sends SendTracker, unsubs Unsubscriber, signer *Signer, siteName string) *Handler {
	return &Handler{sends: sends, unsubs: unsubs, signer: signer, siteName: siteName}
}

// Routes builds the public router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/email/track/{trackingID}", h.HandleOpen)
	r.Get("/email/click/{trackingID}", h.HandleClick)
	r.Get("/email/unsubscribe", h.HandleUnsubscribePage)
	r.Post("/email/unsubscribe", h.HandleUnsubscribeConfirm)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen records an open and serves the pixel. The pixel is served
// no matter what: a broken or replayed tracking ID must never show the
// reader a broken image.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID, err := uuid.Parse(chi.URLParam(r, "trackingID"))
	if err != nil {
		h.servePixel(w)
		return
	}

	send, err := h.sends.RecordOpen(r.Context(), trackingID, realIP(r), r.UserAgent())
	if err != nil {
		logger.Error("failed to record open", "tracking_id", trackingID.String(), "error", err.Error())
	} else if send != nil {
		logger.Debug("open recorded", "campaign_id", send.CampaignID.String(), "open_count", send.OpenCount)
		// Opens arrive long after dispatch finished; the campaign's
		// opened_count only moves if we recompute it here.
		if _, err := h.sends.RefreshStats(r.Context(), send.CampaignID); err != nil {
			logger.Error("failed to refresh campaign stats", "campaign_id", send.CampaignID.String(), "error", err.Error())
		}
	}

	h.servePixel(w)
}

// HandleClick records a click and redirects to the destination. A
// missing url parameter is the one hard failure; everything else fails
// open so the reader still lands on the page they asked for.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}

	if trackingID, err := uuid.Parse(chi.URLParam(r, "trackingID")); err == nil {
		send, err := h.sends.GetSendByTrackingID(r.Context(), trackingID)
		if err != nil {
			logger.Error("failed to look up click", "tracking_id", trackingID.String(), "error", err.Error())
		} else if send != nil {
			click := &campaign.Click{
				ID:        uuid.New(),
				SendID:    send.ID,
				URL:       target,
				IP:        realIP(r),
				UserAgent: r.UserAgent(),
			}
			if err := h.sends.InsertClick(r.Context(), click); err != nil {
				logger.Error("failed to record click", "send_id", send.ID.String(), "error", err.Error())
			}
		}
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// HandleUnsubscribePage verifies the token and shows the confirmation
// form. The opt-out itself happens on POST so mail scanners following
// the GET do not unsubscribe anyone.
func (h *Handler) HandleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	token := r.URL.Query().Get("token")
	if !h.signer.VerifyUnsubscribeToken(email, token) {
		http.Error(w, "invalid unsubscribe link", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>Unsubscribe from %s</h1>
		<p>Stop receiving emails at <strong>%s</strong>?</p>
		<form method="POST">
			<input type="hidden" name="email" value="%s">
			<input type="hidden" name="token" value="%s">
			<input type="hidden" name="tid" value="%s">
			<button type="submit">Unsubscribe</button>
		</form>
	</body></html>`,
		htmlEscape(h.siteName), htmlEscape(email), htmlEscape(email), htmlEscape(token),
		htmlEscape(r.URL.Query().Get("tid")))
}

// HandleUnsubscribeConfirm performs the opt-out. Idempotent: confirming
// twice shows the same page.
func (h *Handler) HandleUnsubscribeConfirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	email := r.PostFormValue("email")
	token := r.PostFormValue("token")
	if !h.signer.VerifyUnsubscribeToken(email, token) {
		http.Error(w, "invalid unsubscribe link", http.StatusBadRequest)
		return
	}

	// The link carries only the tracking ID; resolve it to a send row
	// here so the provenance survives without exposing internal IDs.
	var sendID *uuid.UUID
	if tid, err := uuid.Parse(r.PostFormValue("tid")); err == nil {
		send, err := h.sends.GetSendByTrackingID(r.Context(), tid)
		if err != nil {
			logger.Error("failed to resolve unsubscribe provenance", "tracking_id", tid.String(), "error", err.Error())
		} else if send != nil {
			sendID = &send.ID
		}
	}

	already, err := h.unsubs.Add(r.Context(), email, "link", realIP(r), r.UserAgent(), sendID)
	if err != nil {
		logger.Error("failed to record unsubscribe", "email", email, "error", err.Error())
		http.Error(w, "something went wrong, please try again", http.StatusInternalServerError)
		return
	}
	if !already {
		logger.Info("unsubscribe recorded", "email", email)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>%s will no longer email <strong>%s</strong>.</p>
	</body></html>`, htmlEscape(h.siteName), htmlEscape(email))
}

// HandleHealth reports liveness
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func htmlEscape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&#39;")
	return replacer.Replace(s)
}
