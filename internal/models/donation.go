package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the settlement state of a donation.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentMethod names the provider that holds the money.
type PaymentMethod string

const (
	PaymentMethodStripe   PaymentMethod = "stripe"
	PaymentMethodPaystack PaymentMethod = "paystack"
	PaymentMethodOmise    PaymentMethod = "omise"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodStripe, PaymentMethodPaystack, PaymentMethodOmise:
		return true
	}
	return false
}

// DonationEvent is an input to the donation state machine.
type DonationEvent string

const (
	DonationEventVerified    DonationEvent = "verified"
	DonationEventNotVerified DonationEvent = "not_verified"
	// DonationEventAdminFix is raised only by the manual re-verify tool.
	DonationEventAdminFix DonationEvent = "admin_fix"
)

// NextDonationStatus returns the status a donation in state from moves to on ev.
// Pairs not listed are rejected with ErrInvalidTransition.
func NextDonationStatus(from PaymentStatus, ev DonationEvent) (PaymentStatus, error) {
	switch {
	case from == PaymentStatusPending && ev == DonationEventVerified:
		return PaymentStatusCompleted, nil
	case from == PaymentStatusPending && ev == DonationEventNotVerified:
		return PaymentStatusFailed, nil
	case from == PaymentStatusFailed && ev == DonationEventAdminFix:
		return PaymentStatusCompleted, nil
	}
	return "", fmt.Errorf("%w: donation %s on %s", ErrInvalidTransition, from, ev)
}

// Donation is a single donor payment towards a campaign.
type Donation struct {
	// ID is the unique identifier of the donation.
	ID string `json:"id" gorm:"column:id;primaryKey;size:36"`
	// CampaignID is the campaign receiving the money.
	CampaignID string `json:"campaign_id" gorm:"column:campaign_id;size:36;index;not null"`
	// DonorID is the donating user, nil for guest donations.
	DonorID *string `json:"donor_id,omitempty" gorm:"column:donor_id;size:36;index"`
	// ChainerID is the referral ambassador the donation is attributed to.
	ChainerID *string `json:"chainer_id,omitempty" gorm:"column:chainer_id;size:36;index"`

	Amount            decimal.Decimal     `json:"amount" gorm:"column:amount;type:decimal(20,2);not null"`
	Currency          string              `json:"currency" gorm:"column:currency;size:3;not null"`
	ConvertedAmount   decimal.NullDecimal `json:"converted_amount" gorm:"column:converted_amount;type:decimal(20,2)"`
	ConvertedCurrency *string             `json:"converted_currency,omitempty" gorm:"column:converted_currency;size:3"`

	PaymentMethod PaymentMethod `json:"payment_method" gorm:"column:payment_method;size:16;not null"`
	// PaymentIntentID is the provider reference: a Stripe payment intent, a Paystack
	// transaction reference or an Omise charge id.
	PaymentIntentID *string `json:"payment_intent_id,omitempty" gorm:"column:payment_intent_id;size:255;uniqueIndex"`
	// ProviderStatus is the raw status string the provider last reported.
	ProviderStatus string `json:"provider_status" gorm:"column:provider_status;size:64"`
	ProviderError  string `json:"provider_error,omitempty" gorm:"column:provider_error;type:text"`

	PaymentStatus    PaymentStatus `json:"payment_status" gorm:"column:payment_status;size:16;index;not null;default:pending"`
	ProcessedAt      *time.Time    `json:"processed_at,omitempty" gorm:"column:processed_at"`
	LastStatusUpdate *time.Time    `json:"last_status_update,omitempty" gorm:"column:last_status_update"`

	DonorName   *string `json:"donor_name,omitempty" gorm:"column:donor_name;size:255"`
	DonorEmail  *string `json:"donor_email,omitempty" gorm:"column:donor_email;size:255"`
	Message     string  `json:"message,omitempty" gorm:"column:message;type:text"`
	IsAnonymous bool    `json:"is_anonymous" gorm:"column:is_anonymous"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Donation) TableName() string { return "donations" }

// Reference returns the provider reference or an empty string.
func (d *Donation) Reference() string {
	if d.PaymentIntentID == nil {
		return ""
	}
	return *d.PaymentIntentID
}

// DisplayName is the donor name safe to show publicly.
func (d *Donation) DisplayName() string {
	if d.IsAnonymous || d.DonorName == nil || *d.DonorName == "" {
		return "Anonymous"
	}
	return *d.DonorName
}

// DonationUpdate carries the columns written together with a status transition.
type DonationUpdate struct {
	ProviderStatus string
	ProviderError  string
	// ProcessedAt is set on transitions to completed.
	ProcessedAt *time.Time
	At          time.Time
}
