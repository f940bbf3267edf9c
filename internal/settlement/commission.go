package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/chainfund/settlement/internal/models"
)

// Distribute books the chainer commission for a completed donation. It returns the
// commission on file and whether this call booked it. Donations without a chainer, or
// on campaigns without a commission rate, book nothing.
func (s *Service) Distribute(ctx context.Context, donationID string) (*models.CommissionPayout, bool, error) {
	d, err := s.repo.GetDonation(ctx, donationID)
	if err != nil {
		return nil, false, err
	}
	if d.PaymentStatus != models.PaymentStatusCompleted {
		return nil, false, fmt.Errorf("%w: commission on %s donation %s", models.ErrInvalidTransition, d.PaymentStatus, d.ID)
	}
	if d.ChainerID == nil || *d.ChainerID == "" {
		return nil, false, nil
	}

	campaign, err := s.repo.GetCampaign(ctx, d.CampaignID)
	if err != nil {
		return nil, false, err
	}
	rate := campaign.ChainerCommissionRate
	if !rate.IsPositive() {
		return nil, false, nil
	}

	commission := &models.CommissionPayout{
		ID:         uuid.NewString(),
		ChainerID:  *d.ChainerID,
		CampaignID: d.CampaignID,
		DonationID: d.ID,
		Amount:     d.Amount.Mul(rate).Round(2),
		Currency:   d.Currency,
		Rate:       rate,
		Status:     models.CommissionStatusPending,
	}
	booked, err := s.repo.BookCommission(ctx, commission)
	if err != nil {
		return nil, false, err
	}
	if !booked {
		s.logger.Debugw("commission already booked", "donation_id", d.ID)
		existing, err := s.repo.GetCommissionByDonation(ctx, d.ID)
		return existing, false, err
	}

	s.logger.Infow("commission booked", "donation_id", d.ID, "chainer_id", commission.ChainerID,
		"amount", commission.Amount, "currency", commission.Currency)
	return commission, true, nil
}

// Commissions lists booked chainer commissions, newest first.
func (s *Service) Commissions(ctx context.Context, filter models.CommissionFilter) ([]*models.CommissionPayout, int64, error) {
	return s.repo.ListCommissions(ctx, filter)
}
