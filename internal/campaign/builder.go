package campaign

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/recipient"
)

// Builder assembles draft campaigns from one of three recipient sources:
// an explicit ID list, the whole directory, or pasted free text. Whatever
// the source, every candidate passes through the same filter and every
// rejection leaves a skipped send row, so the campaign records who was
// excluded and why.
type Builder struct {
	store     *Store
	directory recipient.Directory
	filter    *Filter
}

// NewBuilder creates a campaign builder
func NewBuilder(store *Store, directory recipient.Directory, filter *Filter) *Builder {
	return &Builder{store: store, directory: directory, filter: filter}
}

// BuildFromIDs builds a draft campaign from explicit directory IDs.
// Unknown IDs are ignored.
func (b *Builder) BuildFromIDs(ctx context.Context, name string, templateID uuid.UUID, ids []int64) (*Campaign, error) {
	recipients, err := b.directory.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	return b.build(ctx, name, templateID, toCandidates(recipients))
}

// directoryBatchSize bounds how many directory rows are in memory at
// once during a streaming build
const directoryBatchSize = 500

// BuildFromDirectory builds a draft campaign targeting every directory
// recipient. Each streamed batch is filtered and written out before the
// next is read, so memory stays bounded no matter how large the
// directory is; only the dedup set spans batches.
func (b *Builder) BuildFromDirectory(ctx context.Context, name string, templateID uuid.UUID) (*Campaign, error) {
	tmpl, err := b.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s not found", templateID)
	}

	c := &Campaign{
		ID:         uuid.New(),
		Name:       name,
		TemplateID: templateID,
		Status:     StatusDraft,
	}
	if err := b.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	run := b.filter.NewRun()
	var acceptedTotal, skippedTotal int
	err = b.directory.Stream(ctx, directoryBatchSize, func(batch []recipient.Recipient) error {
		accepted, skipped, err := run.Apply(ctx, toCandidates(batch))
		if err != nil {
			return err
		}
		if sends := sendsFor(c.ID, accepted, skipped); len(sends) > 0 {
			if err := b.store.InsertSends(ctx, c.ID, sends); err != nil {
				return err
			}
		}
		acceptedTotal += len(accepted)
		skippedTotal += len(skipped)
		return nil
	})
	if err != nil {
		// A half-built draft is dead weight; drop it and its sends.
		if delErr := b.store.DeleteCampaign(ctx, c.ID); delErr != nil {
			logger.Error("failed to remove partial campaign",
				"campaign_id", c.ID.String(), "error", delErr.Error())
		}
		return nil, fmt.Errorf("failed to stream directory: %w", err)
	}

	c.TotalRecipients = acceptedTotal
	if err := b.store.SetTotalRecipients(ctx, c.ID, acceptedTotal); err != nil {
		return nil, err
	}

	logger.Info("campaign built",
		"campaign_id", c.ID.String(),
		"name", name,
		"accepted", acceptedTotal,
		"skipped", skippedTotal)
	return c, nil
}

// BuildFromText builds a draft campaign from pasted addresses: one per
// line, or comma/semicolon separated. These recipients carry no directory
// ID, so bounces cannot flag a directory row.
func (b *Builder) BuildFromText(ctx context.Context, name string, templateID uuid.UUID, text string) (*Campaign, error) {
	return b.build(ctx, name, templateID, ParseAddressText(text))
}

func (b *Builder) build(ctx context.Context, name string, templateID uuid.UUID, candidates []Candidate) (*Campaign, error) {
	tmpl, err := b.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s not found", templateID)
	}

	accepted, skipped, err := b.filter.Apply(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to filter recipients: %w", err)
	}

	campaign := &Campaign{
		ID:              uuid.New(),
		Name:            name,
		TemplateID:      templateID,
		Status:          StatusDraft,
		TotalRecipients: len(accepted),
	}

	sends := sendsFor(campaign.ID, accepted, skipped)

	if err := b.store.CreateCampaignWithSends(ctx, campaign, sends); err != nil {
		return nil, err
	}

	logger.Info("campaign built",
		"campaign_id", campaign.ID.String(),
		"name", name,
		"accepted", len(accepted),
		"skipped", len(skipped))
	return campaign, nil
}

// sendsFor materializes send rows for a filtered batch: pending rows for
// accepted candidates, skipped rows carrying the rejection reason for
// the rest.
func sendsFor(campaignID uuid.UUID, accepted []Candidate, skipped []SkippedCandidate) []Send {
	sends := make([]Send, 0, len(accepted)+len(skipped))
	for _, cand := range accepted {
		sends = append(sends, Send{
			ID:            uuid.New(),
			CampaignID:    campaignID,
			RecipientID:   cand.RecipientID,
			Email:         cand.Email,
			RecipientName: cand.Name,
			Status:        SendPending,
			TrackingID:    uuid.New(),
		})
	}
	for _, skip := range skipped {
		sends = append(sends, Send{
			ID:            uuid.New(),
			CampaignID:    campaignID,
			RecipientID:   skip.RecipientID,
			Email:         skip.Email,
			RecipientName: skip.Name,
			Status:        SendSkipped,
			TrackingID:    uuid.New(),
			ErrorMessage:  skip.Reason,
		})
	}
	return sends
}

func toCandidates(recipients []recipient.Recipient) []Candidate {
	candidates := make([]Candidate, 0, len(recipients))
	for _, r := range recipients {
		id := r.ID
		candidates = append(candidates, Candidate{
			RecipientID: &id,
			Email:       r.Email,
			Name:        r.Name,
			Invalid:     r.HasInvalidFlag && r.Invalid,
		})
	}
	return candidates
}
