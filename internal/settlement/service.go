// Package settlement converges donations with the payment providers and applies the
// side effects of a completed donation exactly once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/pkg/logger"
)

// ErrNoReference marks a donation that never received a provider reference.
var ErrNoReference = errors.New("donation has no provider reference")

// Converter fills in the reporting amount of a donation. ok is false when no rate is known.
type Converter interface {
	Convert(amount decimal.Decimal, from string) (converted decimal.Decimal, currency string, ok bool)
}

type Config struct {
	// GracePeriod keeps the sweep away from donations still in the donor's checkout.
	GracePeriod time.Duration
	BatchSize   int
	// Delay is the pause between provider calls within one batch.
	Delay time.Duration
}

// Service implements the donation state machine, the campaign aggregator, the
// commission engine and the three settlement triggers on top of them.
type Service struct {
	logger *logger.Logger
	config Config

	repo      models.Repository
	adapter   models.PaymentAdapter
	notifier  models.NotificationService
	lifecycle models.CampaignLifecycle
	converter Converter

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

type Option func(*Service)

// WithLifecycle replaces the repository-backed campaign closure.
func WithLifecycle(l models.CampaignLifecycle) Option {
	return func(s *Service) { s.lifecycle = l }
}

func WithConverter(c Converter) Option {
	return func(s *Service) { s.converter = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFn = now }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleepFn = sleep }
}

func NewService(
	repo models.Repository,
	adapter models.PaymentAdapter,
	notifier models.NotificationService,
	logger *logger.Logger,
	config Config,
	opts ...Option,
) *Service {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	s := &Service{
		logger:   logger,
		config:   config,
		repo:     repo,
		adapter:  adapter,
		notifier: notifier,
		nowFn:    func() time.Time { return time.Now().UTC() },
		sleepFn:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lifecycle == nil {
		s.lifecycle = &repoLifecycle{repo: s.repo, now: s.nowFn}
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// VerifyResult describes what one verify call observed and did.
type VerifyResult struct {
	DonationID string
	// Status is the donation's status after the call.
	Status models.PaymentStatus
	// Transitioned is true only for the call that moved the donation.
	Transitioned bool
	// Outcome is empty when the call short-circuited without asking the provider.
	Outcome        models.VerificationOutcome
	ProviderStatus string
}

// Verify settles a pending donation against its provider. A donation that is no longer
// pending is returned untouched. Provider failures are returned as errors and leave
// the donation pending.
func (s *Service) Verify(ctx context.Context, donationID string) (*VerifyResult, error) {
	d, err := s.repo.GetDonation(ctx, donationID)
	if err != nil {
		return nil, err
	}
	result := &VerifyResult{DonationID: d.ID, Status: d.PaymentStatus}
	if d.PaymentStatus != models.PaymentStatusPending {
		s.logger.Debugw("donation already settled", "donation_id", d.ID, "status", d.PaymentStatus)
		return result, nil
	}
	if d.Reference() == "" {
		return result, fmt.Errorf("donation %s: %w", d.ID, ErrNoReference)
	}

	v, err := s.adapter.VerifyPayment(ctx, d.PaymentMethod, d.Reference())
	if err != nil {
		return result, fmt.Errorf("verify donation %s: %w", d.ID, err)
	}
	result.Outcome = v.Outcome
	result.ProviderStatus = v.ProviderStatus

	switch v.Outcome {
	case models.OutcomeVerified:
		return s.transition(ctx, d, models.DonationEventVerified, v, result)
	case models.OutcomeNotVerified:
		return s.transition(ctx, d, models.DonationEventNotVerified, v, result)
	default:
		s.logger.Infow("payment still in flight", "donation_id", d.ID, "provider_status", v.ProviderStatus)
		return result, nil
	}
}

// transition applies ev to d with one conditional update and runs the completion side
// effects only when this call won the update.
func (s *Service) transition(
	ctx context.Context,
	d *models.Donation,
	ev models.DonationEvent,
	v *models.Verification,
	result *VerifyResult,
) (*VerifyResult, error) {
	to, err := models.NextDonationStatus(d.PaymentStatus, ev)
	if err != nil {
		return result, err
	}

	now := s.nowFn()
	update := models.DonationUpdate{
		ProviderStatus: v.ProviderStatus,
		ProviderError:  v.ProviderError,
		At:             now,
	}
	if to == models.PaymentStatusCompleted {
		update.ProcessedAt = &now
	}

	ok, err := s.repo.TransitionDonation(ctx, d.ID, d.PaymentStatus, to, update)
	if err != nil {
		return result, err
	}
	if !ok {
		current, err := s.repo.GetDonation(ctx, d.ID)
		if err != nil {
			return result, err
		}
		s.logger.Infow("donation transition lost to a concurrent caller",
			"donation_id", d.ID, "wanted", to, "status", current.PaymentStatus)
		result.Status = current.PaymentStatus
		return result, nil
	}

	s.logger.Infow("donation transitioned", "donation_id", d.ID, "from", d.PaymentStatus, "to", to,
		"event", ev, "provider_status", v.ProviderStatus)
	result.Status = to
	result.Transitioned = true

	if to == models.PaymentStatusCompleted {
		d.PaymentStatus = to
		d.ProcessedAt = &now
		s.afterCompletion(ctx, d)
	}
	return result, nil
}

// afterCompletion runs once per completed transition, in order: aggregation, commission,
// notification. Failures are logged; the donation stays completed and the next
// recompute repairs the campaign total.
func (s *Service) afterCompletion(ctx context.Context, d *models.Donation) {
	if _, err := s.Recompute(ctx, d.CampaignID); err != nil {
		s.logger.Errorw("failed to recompute campaign", "campaign_id", d.CampaignID, "donation_id", d.ID, "error", err)
	}
	if _, _, err := s.Distribute(ctx, d.ID); err != nil {
		s.logger.Errorw("failed to distribute commission", "donation_id", d.ID, "error", err)
	}

	n := &models.Notification{
		Kind:        models.NotificationDonationCompleted,
		DonationID:  d.ID,
		CampaignID:  d.CampaignID,
		Amount:      d.Amount,
		Currency:    d.Currency,
		DonorName:   d.DisplayName(),
		IsAnonymous: d.IsAnonymous,
		Status:      string(d.PaymentStatus),
	}
	if d.DonorEmail != nil {
		n.Email = *d.DonorEmail
	}
	s.notifier.SendNotification(n)
}
