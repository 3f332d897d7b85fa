// Package worker dispatches due sends: it claims batches from the store,
// renders each message, injects tracking, and delivers through the
// configured transport.
package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/campaign"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/mailer"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/recipient"
	"github.com/ignite/campaign-dispatch/internal/tracking"
)

// Executor performs one delivery end to end. It is the only place where
// a send changes from pending to a terminal status, and it refreshes the
// campaign's aggregates after every terminal change.
type Executor struct {
	store     *campaign.Store
	transport mailer.Transport
	directory recipient.Directory
	unsubs    campaign.UnsubscribeChecker
	urls      *tracking.URLs
	dispatch  config.DispatchConfig
	timeout   time.Duration

	mu        sync.Mutex
	templates map[uuid.UUID]*campaign.Template
}

// NewExecutor creates a send executor. directory may be nil for
// installations without a recipient directory.
func NewExecutor(store *campaign.Store, transport mailer.Transport, directory recipient.Directory,
	unsubs campaign.UnsubscribeChecker, urls *tracking.URLs, dispatch config.DispatchConfig,
	timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		store:     store,
		transport: transport,
		directory: directory,
		unsubs:    unsubs,
		urls:      urls,
		dispatch:  dispatch,
		timeout:   timeout,
		templates: make(map[uuid.UUID]*campaign.Template),
	}
}

// Process delivers one claimed send. A campaign that stopped sending
// since the claim leaves the send pending and its attempt budget intact;
// everything past the attempt gate produces a terminal status.
func (e *Executor) Process(ctx context.Context, send campaign.Send) error {
	c, err := e.store.GetCampaign(ctx, send.CampaignID)
	if err != nil {
		return err
	}
	if c == nil || !c.IsSending() {
		return nil
	}

	// Opt-outs that arrived after the campaign was built are honored at
	// the last possible moment.
	if e.unsubs != nil {
		unsubbed, err := e.unsubs.IsUnsubscribed(ctx, send.Email)
		if err != nil {
			return fmt.Errorf("unsubscribe check: %w", err)
		}
		if unsubbed {
			if err := e.store.MarkSkipped(ctx, send.ID, campaign.SkipUnsubscribed); err != nil {
				return err
			}
			_, err = e.store.RefreshStats(ctx, send.CampaignID)
			return err
		}
	}

	// The same address can be enqueued twice across concurrent builds;
	// once one copy is delivered the rest are dead weight.
	dup, err := e.store.HasDeliveredDuplicate(ctx, send.CampaignID, send.Email, send.ID)
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		if err := e.store.MarkSkipped(ctx, send.ID, campaign.SkipDuplicate); err != nil {
			return err
		}
		_, err = e.store.RefreshStats(ctx, send.CampaignID)
		return err
	}

	if e.directory != nil && send.RecipientID != nil {
		rec, err := e.directory.Find(ctx, *send.RecipientID)
		if err != nil {
			return fmt.Errorf("recipient lookup: %w", err)
		}
		if rec != nil && rec.HasInvalidFlag && rec.Invalid {
			if err := e.store.MarkSkipped(ctx, send.ID, campaign.SkipInvalid); err != nil {
				return err
			}
			_, err = e.store.RefreshStats(ctx, send.CampaignID)
			return err
		}
	}

	ok, err := e.store.BeginAttempt(ctx, send.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race or out of budget; someone else owns this send now.
		return nil
	}

	tmpl, err := e.template(ctx, c.TemplateID)
	if err != nil {
		return e.finishFailed(ctx, &send, fmt.Sprintf("template load: %v", err))
	}
	if tmpl == nil {
		return e.finishFailed(ctx, &send, "template not found")
	}

	unsubURL := e.urls.Unsubscribe(send.Email, send.TrackingID)
	rendered := tmpl.Render(e.dispatch.RenderVars(send.RecipientName, send.Email, unsubURL))

	msg := &mailer.Message{
		To:      send.Email,
		ToName:  send.RecipientName,
		Subject: rendered.Subject,
		HTML:    e.injectTracking(rendered.HTML, send.TrackingID),
		Text:    rendered.Text,
		Headers: map[string]string{
			"List-Unsubscribe":      fmt.Sprintf("<%s>", unsubURL),
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
			"X-Campaign-ID":         send.CampaignID.String(),
		},
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.transport.Send(sendCtx, msg); err != nil {
		return e.finishDeliveryError(ctx, &send, err)
	}

	if err := e.store.MarkSent(ctx, send.ID); err != nil {
		return err
	}
	logger.Info("send delivered", "campaign_id", send.CampaignID.String(),
		"email", send.Email, "transport", e.transport.Name())
	_, err = e.store.RefreshStats(ctx, send.CampaignID)
	return err
}

func (e *Executor) finishDeliveryError(ctx context.Context, send *campaign.Send, sendErr error) error {
	errMsg := sendErr.Error()
	if campaign.IsBounce(errMsg) {
		if err := e.store.MarkBounced(ctx, send.ID, errMsg); err != nil {
			return err
		}
		if e.directory != nil && send.RecipientID != nil {
			if err := e.directory.MarkInvalid(ctx, *send.RecipientID); err != nil {
				logger.Error("failed to flag bounced recipient",
					"recipient_id", *send.RecipientID, "error", err.Error())
			}
		}
		logger.Warn("send bounced", "campaign_id", send.CampaignID.String(),
			"email", send.Email, "error", errMsg)
	} else {
		if err := e.store.MarkFailed(ctx, send.ID, errMsg); err != nil {
			return err
		}
		logger.Warn("send failed", "campaign_id", send.CampaignID.String(),
			"email", send.Email, "error", errMsg)
	}
	_, err := e.store.RefreshStats(ctx, send.CampaignID)
	return err
}

func (e *Executor) finishFailed(ctx context.Context, send *campaign.Send, errMsg string) error {
	if err := e.store.MarkFailed(ctx, send.ID, errMsg); err != nil {
		return err
	}
	_, err := e.store.RefreshStats(ctx, send.CampaignID)
	return err
}

func (e *Executor) template(ctx context.Context, id uuid.UUID) (*campaign.Template, error) {
	e.mu.Lock()
	tmpl, cached := e.templates[id]
	e.mu.Unlock()
	if cached {
		return tmpl, nil
	}

	tmpl, err := e.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.templates[id] = tmpl
	e.mu.Unlock()
	return tmpl, nil
}

var linkRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// injectTracking appends the open pixel before </body> and rewrites every
// absolute http(s) link through the click redirect. Links that already
// point at the tracking host are left alone so an unsubscribe link never
// gets double-wrapped.
func (e *Executor) injectTracking(html string, trackingID uuid.UUID) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		e.urls.Open(trackingID))
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		html = html[:idx] + pixel + html[idx:]
	} else {
		html += pixel
	}

	return linkRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		origURL := parts[1]
		if strings.HasPrefix(origURL, e.urls.Base) {
			return match
		}
		return fmt.Sprintf(`href="%s"`, e.urls.Click(trackingID, origURL))
	})
}
