// Package testutil provides a sqlite-backed repository and fakes for settlement tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/internal/repository"
	"github.com/chainfund/settlement/pkg/logger"
)

// NewRepository opens a private in-memory database with the full schema.
// A single connection serializes writers the way row locks do in PostgreSQL.
func NewRepository(t *testing.T) *repository.PostgresDB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := repository.Open(sqlite.Open(dsn), logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.Conn.DB()
	if err != nil {
		t.Fatalf("Failed to get test connection: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })
	return db
}

// CampaignOption customizes a fixture campaign.
type CampaignOption func(*models.Campaign)

func WithCommissionRate(rate string) CampaignOption {
	return func(c *models.Campaign) { c.ChainerCommissionRate = decimal.RequireFromString(rate) }
}

func WithCampaignStatus(status models.CampaignStatus) CampaignOption {
	return func(c *models.Campaign) { c.Status = status }
}

// CreateCampaign inserts an active USD campaign with the given goal.
func CreateCampaign(t *testing.T, repo models.Repository, goal string, opts ...CampaignOption) *models.Campaign {
	t.Helper()

	campaign := &models.Campaign{
		ID:            uuid.NewString(),
		OwnerID:       uuid.NewString(),
		Title:         "Clean water for Ikorodu",
		GoalAmount:    decimal.RequireFromString(goal),
		CurrentAmount: decimal.Zero,
		Currency:      "USD",
		Status:        models.CampaignStatusActive,
	}
	for _, opt := range opts {
		opt(campaign)
	}
	if err := repo.CreateCampaign(context.Background(), campaign); err != nil {
		t.Fatalf("Failed to create campaign: %v", err)
	}
	return campaign
}

// DonationOption customizes a fixture donation.
type DonationOption func(*models.Donation)

func WithMethod(method models.PaymentMethod) DonationOption {
	return func(d *models.Donation) { d.PaymentMethod = method }
}

func WithStatus(status models.PaymentStatus) DonationOption {
	return func(d *models.Donation) { d.PaymentStatus = status }
}

func WithChainer(chainerID string) DonationOption {
	return func(d *models.Donation) { d.ChainerID = &chainerID }
}

func WithCreatedAt(at time.Time) DonationOption {
	return func(d *models.Donation) { d.CreatedAt = at }
}

func WithDonor(name, email string) DonationOption {
	return func(d *models.Donation) {
		d.DonorName = &name
		d.DonorEmail = &email
	}
}

func Anonymous() DonationOption {
	return func(d *models.Donation) { d.IsAnonymous = true }
}

// CreateDonation inserts a pending Stripe donation carrying a fresh provider reference.
func CreateDonation(t *testing.T, repo models.Repository, campaignID, amount string, opts ...DonationOption) *models.Donation {
	t.Helper()

	ref := "pi_" + uuid.NewString()
	donation := &models.Donation{
		ID:              uuid.NewString(),
		CampaignID:      campaignID,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "USD",
		PaymentMethod:   models.PaymentMethodStripe,
		PaymentIntentID: &ref,
		PaymentStatus:   models.PaymentStatusPending,
		CreatedAt:       time.Now().UTC().Add(-time.Hour),
	}
	for _, opt := range opts {
		opt(donation)
	}
	if err := repo.CreateDonation(context.Background(), donation); err != nil {
		t.Fatalf("Failed to create donation: %v", err)
	}
	return donation
}

// CreatePayout inserts a payout in the given status with no transfer recorded.
func CreatePayout(t *testing.T, repo models.Repository, campaign *models.Campaign, amount string, status models.PayoutStatus) *models.CampaignPayout {
	t.Helper()

	id := uuid.NewString()
	payout := &models.CampaignPayout{
		ID:              id,
		CampaignID:      campaign.ID,
		OwnerID:         campaign.OwnerID,
		RequestedAmount: decimal.RequireFromString(amount),
		Fees:            decimal.Zero,
		NetAmount:       decimal.RequireFromString(amount),
		Currency:        campaign.Currency,
		Status:          status,
		PayoutProvider:  models.PaymentMethodPaystack,
		RecipientCode:   "RCP_test",
		Reference:       "PO-" + id,
	}
	if err := repo.CreatePayout(context.Background(), payout); err != nil {
		t.Fatalf("Failed to create payout: %v", err)
	}
	return payout
}
