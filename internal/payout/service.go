// Package payout moves campaign payouts through review, transfer and settlement and
// keeps their stored status honest against the provider.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/pkg/logger"
	"github.com/chainfund/settlement/pkg/validation"
)

// ActorSystem is recorded for transitions made by the service itself.
const ActorSystem = "system"

type Config struct {
	// FeeRate is the platform fee withheld from each payout.
	FeeRate decimal.Decimal
}

type Service struct {
	logger *logger.Logger
	config Config

	repo     models.Repository
	adapter  models.PaymentAdapter
	notifier models.NotificationService

	nowFn func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFn = now }
}

func NewService(
	repo models.Repository,
	adapter models.PaymentAdapter,
	notifier models.NotificationService,
	logger *logger.Logger,
	config Config,
	opts ...Option,
) *Service {
	s := &Service{
		logger:   logger,
		config:   config,
		repo:     repo,
		adapter:  adapter,
		notifier: notifier,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestInput is an owner's withdrawal request.
type RequestInput struct {
	CampaignID    string               `json:"campaign_id" binding:"required"`
	OwnerID       string               `json:"owner_id" binding:"required"`
	Amount        decimal.Decimal      `json:"amount"`
	Provider      models.PaymentMethod `json:"provider" binding:"required"`
	RecipientCode string               `json:"recipient_code" binding:"required"`
}

func newReference() string {
	return "PO-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Request creates a pending payout. The amount may not exceed what the campaign has
// raised minus payouts that are not failed or rejected.
func (s *Service) Request(ctx context.Context, in RequestInput) (*models.CampaignPayout, error) {
	if err := validation.ValidateAmount(in.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if in.Provider != models.PaymentMethodStripe && in.Provider != models.PaymentMethodPaystack {
		return nil, fmt.Errorf("%w: payouts are not available through %q", models.ErrInvalidInput, in.Provider)
	}
	if in.RecipientCode == "" {
		return nil, fmt.Errorf("%w: recipient code is required", models.ErrInvalidInput)
	}

	campaign, err := s.repo.GetCampaign(ctx, in.CampaignID)
	if err != nil {
		return nil, err
	}
	if campaign.OwnerID != in.OwnerID {
		return nil, fmt.Errorf("%w: %s does not own campaign %s", models.ErrUnauthorized, in.OwnerID, campaign.ID)
	}
	committed, err := s.repo.SumCommittedPayouts(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	available := campaign.CurrentAmount.Sub(committed)
	if in.Amount.GreaterThan(available) {
		return nil, fmt.Errorf("%w: requested %s, available %s %s", models.ErrInsufficientBalance,
			in.Amount.StringFixed(2), available.StringFixed(2), campaign.Currency)
	}

	fees := in.Amount.Mul(s.config.FeeRate).Round(2)
	now := s.nowFn()
	p := &models.CampaignPayout{
		ID:              uuid.NewString(),
		CampaignID:      campaign.ID,
		OwnerID:         campaign.OwnerID,
		OwnerEmail:      campaign.OwnerEmail,
		RequestedAmount: in.Amount,
		Fees:            fees,
		NetAmount:       in.Amount.Sub(fees),
		Currency:        campaign.Currency,
		Status:          models.PayoutStatusPending,
		PayoutProvider:  in.Provider,
		RecipientCode:   in.RecipientCode,
		Reference:       newReference(),
		Notes: models.AuditEntry{
			At:     now,
			To:     models.PayoutStatusPending,
			Actor:  in.OwnerID,
			Reason: "requested",
		}.Format(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreatePayout(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Infow("payout requested", "payout_id", p.ID, "campaign_id", p.CampaignID,
		"amount", p.RequestedAmount, "fees", p.Fees, "currency", p.Currency, "reference", p.Reference)
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.CampaignPayout, error) {
	return s.repo.GetPayout(ctx, id)
}

func (s *Service) List(ctx context.Context, filter models.PayoutFilter) ([]*models.CampaignPayout, int64, error) {
	return s.repo.ListPayouts(ctx, filter)
}

// Stuck lists processing payouts that never recorded a provider transfer.
func (s *Service) Stuck(ctx context.Context, limit int) ([]*models.CampaignPayout, error) {
	return s.repo.ListStuckPayouts(ctx, limit)
}

// apply runs ev on the payout's current status with a conditional update.
func (s *Service) apply(
	ctx context.Context,
	p *models.CampaignPayout,
	ev models.PayoutEvent,
	actor, reason string,
	update models.PayoutUpdate,
) (*models.CampaignPayout, error) {
	to, err := models.NextPayoutStatus(p.Status, ev)
	if err != nil {
		return nil, err
	}
	entry := models.AuditEntry{At: s.nowFn(), From: p.Status, To: to, Actor: actor, Reason: reason}

	ok, err := s.repo.TransitionPayout(ctx, p.ID, p.Status, to, entry, update)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Warnw("payout changed concurrently", "payout_id", p.ID, "expected", p.Status, "event", ev)
		return nil, fmt.Errorf("%w: payout %s is no longer %s", models.ErrInvalidTransition, p.ID, p.Status)
	}

	s.logger.Infow("payout transitioned", "payout_id", p.ID, "from", p.Status, "to", to, "actor", actor, "reason", reason)
	updated, err := s.repo.GetPayout(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	s.notifyStatus(updated)
	return updated, nil
}

func (s *Service) notifyStatus(p *models.CampaignPayout) {
	s.notifier.SendNotification(&models.Notification{
		Kind:       models.NotificationPayoutStatus,
		PayoutID:   p.ID,
		CampaignID: p.CampaignID,
		Amount:     p.NetAmount,
		Currency:   p.Currency,
		Status:     string(p.Status),
		Reason:     p.FailureReason,
		Email:      p.OwnerEmail,
	})
}

// flag marks the payout for a human and alerts operations.
func (s *Service) flag(ctx context.Context, p *models.CampaignPayout, actor, reason string) error {
	entry := models.AuditEntry{At: s.nowFn(), From: p.Status, To: p.Status, Actor: actor, Reason: "review: " + reason}
	if err := s.repo.FlagPayoutForReview(ctx, p.ID, reason, entry); err != nil {
		return err
	}
	s.logger.Warnw("payout flagged for manual review", "payout_id", p.ID, "status", p.Status, "reason", reason)
	s.notifier.SendNotification(&models.Notification{
		Kind:       models.NotificationManualReview,
		PayoutID:   p.ID,
		CampaignID: p.CampaignID,
		Amount:     p.NetAmount,
		Currency:   p.Currency,
		Status:     string(p.Status),
		Reason:     reason,
	})
	return nil
}

// Approve moves a pending payout to approved.
func (s *Service) Approve(ctx context.Context, id, actor string) (*models.CampaignPayout, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", models.ErrUnauthorized)
	}
	p, err := s.repo.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	return s.apply(ctx, p, models.PayoutEventApprove, actor, "", models.PayoutUpdate{
		ApprovedBy: &actor,
		ApprovedAt: &now,
	})
}

// Reject closes a pending or approved payout without paying it.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) (*models.CampaignPayout, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", models.ErrUnauthorized)
	}
	p, err := s.repo.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, p, models.PayoutEventReject, actor, reason, models.PayoutUpdate{FailureReason: &reason})
}

// InitiateTransfer claims an approved payout for processing and asks the provider to
// send the money. The provider's transfer id is stored apart from our reference. If
// the provider call fails the payout stays processing without a transfer id and the
// reconciler decides its fate.
func (s *Service) InitiateTransfer(ctx context.Context, id, actor string) (*models.CampaignPayout, error) {
	if actor == "" {
		actor = ActorSystem
	}
	p, err := s.repo.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err = s.apply(ctx, p, models.PayoutEventStartTransfer, actor, "transfer initiated", models.PayoutUpdate{})
	if err != nil {
		return nil, err
	}

	t, err := s.adapter.CreateTransfer(ctx, p.PayoutProvider, models.TransferRequest{
		Reference: p.Reference,
		Amount:    p.NetAmount,
		Currency:  p.Currency,
		Recipient: p.RecipientCode,
		Reason:    "chainfund payout " + p.Reference,
	})
	if err != nil {
		s.logger.Errorw("transfer call failed, payout left processing", "payout_id", p.ID, "reference", p.Reference, "error", err)
		return p, fmt.Errorf("create transfer for payout %s: %w", p.ID, err)
	}
	if t.TransactionID == "" || t.TransactionID == p.Reference {
		if err := s.flag(ctx, p, actor, "provider returned no distinct transfer id"); err != nil {
			return p, err
		}
		return p, fmt.Errorf("%w: payout %s transfer id %q", models.ErrStatusConflict, p.ID, t.TransactionID)
	}

	entry := models.AuditEntry{
		At:     s.nowFn(),
		From:   p.Status,
		To:     p.Status,
		Actor:  actor,
		Reason: "transfer created " + t.TransactionID,
	}
	ok, err := s.repo.SetPayoutTransactionID(ctx, p.ID, t.TransactionID, entry)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, fmt.Errorf("%w: payout %s already has a transfer", models.ErrStatusConflict, p.ID)
	}
	s.logger.Infow("transfer created", "payout_id", p.ID, "reference", p.Reference,
		"transaction_id", t.TransactionID, "transfer_status", t.Status)

	return s.applyTransferStatus(ctx, p.ID, t, actor)
}

// applyTransferStatus records an immediate provider answer for a freshly created transfer.
func (s *Service) applyTransferStatus(ctx context.Context, id string, t *models.Transfer, actor string) (*models.CampaignPayout, error) {
	switch t.Status {
	case models.TransferSuccess:
		return s.MarkTerminal(ctx, id, models.PayoutStatusCompleted, actor, "provider reported "+t.ProviderStatus)
	case models.TransferFailed:
		return s.MarkTerminal(ctx, id, models.PayoutStatusFailed, actor, t.FailureReason)
	case models.TransferOTPRequired:
		p, err := s.repo.GetPayout(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.flag(ctx, p, actor, "transfer awaits OTP confirmation"); err != nil {
			return nil, err
		}
		return s.repo.GetPayout(ctx, id)
	}
	return s.repo.GetPayout(ctx, id)
}

// MarkTerminal settles a processing payout as completed or failed. Repeating the stored
// terminal status is a no-op; a different terminal status is a conflict that is flagged
// and never applied.
func (s *Service) MarkTerminal(ctx context.Context, id string, status models.PayoutStatus, actor, reason string) (*models.CampaignPayout, error) {
	ev, err := models.TerminalEvent(status)
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = ActorSystem
	}
	p, err := s.repo.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		s.logger.Debugw("payout already in terminal status", "payout_id", p.ID, "status", status)
		return p, nil
	}
	if p.Status.IsTerminal() {
		return nil, s.conflict(ctx, p, status, actor)
	}

	now := s.nowFn()
	update := models.PayoutUpdate{}
	if status == models.PayoutStatusCompleted {
		update.ProcessedAt = &now
	} else {
		update.FailureReason = &reason
	}

	updated, err := s.apply(ctx, p, ev, actor, reason, update)
	if errors.Is(err, models.ErrInvalidTransition) && p.Status == models.PayoutStatusProcessing {
		// another caller settled it first
		current, getErr := s.repo.GetPayout(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == status {
			return current, nil
		}
		if current.Status.IsTerminal() {
			return nil, s.conflict(ctx, current, status, actor)
		}
	}
	return updated, err
}

func (s *Service) conflict(ctx context.Context, p *models.CampaignPayout, reported models.PayoutStatus, actor string) error {
	reason := fmt.Sprintf("stored %s but %s reported %s", p.Status, actor, reported)
	s.logger.Errorw("payout terminal status conflict", "payout_id", p.ID, "stored", p.Status, "reported", reported, "actor", actor)
	if err := s.flag(ctx, p, actor, reason); err != nil {
		return err
	}
	return fmt.Errorf("%w: payout %s %s", models.ErrStatusConflict, p.ID, reason)
}
