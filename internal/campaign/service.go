package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

var (
	// ErrNotFound means the campaign does not exist
	ErrNotFound = errors.New("campaign not found")
	// ErrInvalidTransition means the campaign is not in a state the
	// requested operation accepts
	ErrInvalidTransition = errors.New("invalid campaign state for this operation")
	// ErrTransportNotConfigured means no delivery transport has working
	// credentials
	ErrTransportNotConfigured = errors.New("delivery transport is not configured")
)

// TransportStatus is the slice of the mail transport the lifecycle needs:
// a campaign must not start against a transport that cannot deliver.
type TransportStatus interface {
	Name() string
	Configured() bool
}

// LockFactory builds a distributed lock for a key
type LockFactory func(key string) distlock.DistLock

// Service drives the campaign lifecycle: start, pause, resume and resend.
// All schedule writes happen under a per-campaign distributed lock so two
// admin calls cannot interleave their pacing.
type Service struct {
	store     *Store
	pacer     *Pacer
	transport TransportStatus
	newLock   LockFactory
}

// NewService creates the campaign lifecycle service
func NewService(store *Store, pacer *Pacer, transport TransportStatus, newLock LockFactory) *Service {
	return &Service{store: store, pacer: pacer, transport: transport, newLock: newLock}
}

// Start moves a draft or paused campaign into sending and paces its
// pending sends from now. Starting a campaign with no pending sends
// completes it immediately.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	if !s.transport.Configured() {
		return nil, ErrTransportNotConfigured
	}

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}

	lock := s.newLock("campaign:pace:" + id.String())
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire campaign lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("campaign %s is being rescheduled by another request", id)
	}
	defer lock.Release(ctx)

	ok, err := s.store.StartCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
	}

	if err := s.paceFromNow(ctx, id); err != nil {
		return nil, err
	}

	if _, err := s.store.RefreshStats(ctx, id); err != nil {
		return nil, err
	}

	logger.Info("campaign started", "campaign_id", id.String(), "transport", s.transport.Name())
	return s.store.GetCampaign(ctx, id)
}

// Pause stops dispatch for a sending campaign. In-flight deliveries
// finish; everything still pending stays pending until resume.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}

	ok, err := s.store.PauseCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
	}

	logger.Info("campaign paused", "campaign_id", id.String())
	return s.store.GetCampaign(ctx, id)
}

// ResendFailed resets a campaign's retryable failed sends to pending,
// moves the campaign back to sending and paces the remainder. Bounced
// sends never come back. Returns the number of sends queued again.
func (s *Service) ResendFailed(ctx context.Context, id uuid.UUID) (int, error) {
	if !s.transport.Configured() {
		return 0, ErrTransportNotConfigured
	}

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, ErrNotFound
	}
	if c.IsDraft() {
		return 0, fmt.Errorf("%w: campaign has not been started", ErrInvalidTransition)
	}

	lock := s.newLock("campaign:pace:" + id.String())
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire campaign lock: %w", err)
	}
	if !acquired {
		return 0, fmt.Errorf("campaign %s is being rescheduled by another request", id)
	}
	defer lock.Release(ctx)

	reset, err := s.store.ResetFailedSends(ctx, id)
	if err != nil {
		return 0, err
	}
	if reset == 0 {
		return 0, nil
	}

	if _, err := s.store.ResumeForResend(ctx, id); err != nil {
		return 0, err
	}
	if err := s.paceFromNow(ctx, id); err != nil {
		return 0, err
	}

	logger.Info("failed sends queued for resend", "campaign_id", id.String(), "count", reset)
	return reset, nil
}

// Stats returns the aggregate view of a campaign
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*Stats, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return s.store.GetStats(ctx, id)
}

func (s *Service) paceFromNow(ctx context.Context, id uuid.UUID) error {
	pending, err := s.store.CountPending(ctx, id)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}
	times := s.pacer.Schedule(time.Now(), pending)
	return s.store.SchedulePending(ctx, id, times)
}
