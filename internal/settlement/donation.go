package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/pkg/validation"
)

// DonationInput is a donor's request to give to a campaign.
type DonationInput struct {
	CampaignID  string               `json:"campaign_id" binding:"required"`
	Amount      decimal.Decimal      `json:"amount"`
	Currency    string               `json:"currency" binding:"required"`
	Method      models.PaymentMethod `json:"payment_method" binding:"required"`
	DonorID     string               `json:"donor_id"`
	ChainerID   string               `json:"chainer_id"`
	DonorName   string               `json:"donor_name"`
	DonorEmail  string               `json:"donor_email"`
	Message     string               `json:"message"`
	IsAnonymous bool                 `json:"is_anonymous"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InitiateDonation records a pending donation and opens the payment with the provider.
// The row is removed again when the provider refuses to initialize.
func (s *Service) InitiateDonation(ctx context.Context, in DonationInput) (*models.Donation, *models.Initialization, error) {
	currency, err := validation.ValidateAndNormalizeCurrency(in.Currency)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if err := validation.ValidateAmount(in.Amount); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if !in.Method.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown payment method %q", models.ErrInvalidInput, in.Method)
	}

	campaign, err := s.repo.GetCampaign(ctx, in.CampaignID)
	if err != nil {
		return nil, nil, err
	}
	if campaign.Status != models.CampaignStatusActive {
		return nil, nil, fmt.Errorf("%w: campaign %s is %s", models.ErrInvalidInput, campaign.ID, campaign.Status)
	}
	if campaign.Currency != currency {
		return nil, nil, fmt.Errorf("%w: campaign %s accepts %s, got %s", models.ErrInvalidInput, campaign.ID, campaign.Currency, currency)
	}

	d := &models.Donation{
		ID:            uuid.NewString(),
		CampaignID:    campaign.ID,
		DonorID:       optional(in.DonorID),
		ChainerID:     optional(in.ChainerID),
		Amount:        in.Amount,
		Currency:      currency,
		PaymentMethod: in.Method,
		PaymentStatus: models.PaymentStatusPending,
		DonorName:     optional(in.DonorName),
		DonorEmail:    optional(in.DonorEmail),
		Message:       in.Message,
		IsAnonymous:   in.IsAnonymous,
		CreatedAt:     s.nowFn(),
	}
	if s.converter != nil {
		if converted, to, ok := s.converter.Convert(d.Amount, d.Currency); ok {
			d.ConvertedAmount = decimal.NewNullDecimal(converted)
			d.ConvertedCurrency = &to
		}
	}
	if err := s.repo.CreateDonation(ctx, d); err != nil {
		return nil, nil, err
	}

	init, err := s.adapter.InitializePayment(ctx, d.PaymentMethod, models.InitializeRequest{
		DonationID: d.ID,
		Amount:     d.Amount,
		Currency:   d.Currency,
		Email:      in.DonorEmail,
	})
	if err != nil {
		if delErr := s.repo.DeleteDonation(ctx, d.ID); delErr != nil {
			s.logger.Errorw("failed to delete uninitialized donation", "donation_id", d.ID, "error", delErr)
		}
		return nil, nil, fmt.Errorf("initialize donation: %w", err)
	}
	if err := s.repo.SetDonationReference(ctx, d.ID, init.Reference); err != nil {
		return nil, nil, err
	}
	d.PaymentIntentID = &init.Reference

	s.logger.Infow("donation initialized", "donation_id", d.ID, "campaign_id", d.CampaignID,
		"provider", d.PaymentMethod, "reference", init.Reference, "amount", d.Amount, "currency", d.Currency)
	return d, init, nil
}

// DonationView is what a donor sees while waiting for settlement.
type DonationView struct {
	ID          string          `json:"id"`
	CampaignID  string          `json:"campaign_id"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	DonorName   string          `json:"donor_name"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// DonationStatus reports a pending donation as "processing": the sweep resolves it
// without the donor doing anything.
func (s *Service) DonationStatus(ctx context.Context, id string) (*DonationView, error) {
	d, err := s.repo.GetDonation(ctx, id)
	if err != nil {
		return nil, err
	}
	status := string(d.PaymentStatus)
	if d.PaymentStatus == models.PaymentStatusPending {
		status = "processing"
	}
	return &DonationView{
		ID:          d.ID,
		CampaignID:  d.CampaignID,
		Status:      status,
		Amount:      d.Amount,
		Currency:    d.Currency,
		DonorName:   d.DisplayName(),
		ProcessedAt: d.ProcessedAt,
	}, nil
}
