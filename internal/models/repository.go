package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository is the settlement store. Every method named Transition*, Close* or Set* is a
// single conditional update; a false result means another caller got there first or the
// row was not in an accepted state.
type Repository interface {
	CreateDonation(ctx context.Context, donation *Donation) error
	// DeleteDonation removes a donation whose provider initialization failed. Only pending
	// donations without a provider reference are deleted.
	DeleteDonation(ctx context.Context, id string) error
	GetDonation(ctx context.Context, id string) (*Donation, error)
	GetDonationByReference(ctx context.Context, method PaymentMethod, reference string) (*Donation, error)
	SetDonationReference(ctx context.Context, id, reference string) error
	TransitionDonation(ctx context.Context, id string, from, to PaymentStatus, update DonationUpdate) (bool, error)
	// TouchPendingDonation stamps a sweep visit on a donation that is still pending.
	TouchPendingDonation(ctx context.Context, id, providerStatus string, at time.Time) error
	// ListPendingDonations returns never-visited donations first, then the least
	// recently visited, so donations that stay pending cannot starve the rest.
	ListPendingDonations(ctx context.Context, createdBefore time.Time, limit int) ([]*Donation, error)
	ListFailedDonations(ctx context.Context, since, until time.Time, limit int) ([]*Donation, error)

	CreateCampaign(ctx context.Context, campaign *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	// RecomputeCampaignAmount sets current_amount to the sum of completed donations and
	// returns the refreshed campaign.
	RecomputeCampaignAmount(ctx context.Context, campaignID string) (*Campaign, error)
	CloseCampaign(ctx context.Context, campaignID, reason string, at time.Time) (bool, error)

	// BookCommission inserts the commission unless one already exists for its donation.
	BookCommission(ctx context.Context, commission *CommissionPayout) (bool, error)
	GetCommissionByDonation(ctx context.Context, donationID string) (*CommissionPayout, error)
	ListCommissions(ctx context.Context, filter CommissionFilter) ([]*CommissionPayout, int64, error)

	CreatePayout(ctx context.Context, payout *CampaignPayout) error
	GetPayout(ctx context.Context, id string) (*CampaignPayout, error)
	GetPayoutByReference(ctx context.Context, reference string) (*CampaignPayout, error)
	ListPayouts(ctx context.Context, filter PayoutFilter) ([]*CampaignPayout, int64, error)
	ListStuckPayouts(ctx context.Context, limit int) ([]*CampaignPayout, error)
	// ListPayoutsToReconcile returns processing payouts, never-reconciled first and then
	// the least recently reconciled.
	ListPayoutsToReconcile(ctx context.Context, limit int) ([]*CampaignPayout, error)
	MarkPayoutReconciled(ctx context.Context, id string, at time.Time) error
	// TransitionPayout moves the payout from one status to another and appends entry to
	// its notes in the same statement.
	TransitionPayout(ctx context.Context, id string, from, to PayoutStatus, entry AuditEntry, update PayoutUpdate) (bool, error)
	// SetPayoutTransactionID records the provider transfer id on a processing payout that
	// has none yet.
	SetPayoutTransactionID(ctx context.Context, id, transactionID string, entry AuditEntry) (bool, error)
	FlagPayoutForReview(ctx context.Context, id, reason string, entry AuditEntry) error
	// SumCommittedPayouts totals requested amounts of payouts that are not failed or rejected.
	SumCommittedPayouts(ctx context.Context, campaignID string) (decimal.Decimal, error)

	AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, instanceID string) error

	Close() error
}
