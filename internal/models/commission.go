package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CommissionStatus string

const (
	CommissionStatusPending   CommissionStatus = "pending"
	CommissionStatusCompleted CommissionStatus = "completed"
	CommissionStatusFailed    CommissionStatus = "failed"
)

// CommissionPayout is the referral commission owed to a chainer for one donation.
type CommissionPayout struct {
	ID         string `json:"id" gorm:"column:id;primaryKey;size:36"`
	ChainerID  string `json:"chainer_id" gorm:"column:chainer_id;size:36;index;not null"`
	CampaignID string `json:"campaign_id" gorm:"column:campaign_id;size:36;index;not null"`
	// DonationID is the booking key: at most one commission per donation.
	DonationID string `json:"donation_id" gorm:"column:donation_id;size:36;uniqueIndex;not null"`

	Amount   decimal.Decimal `json:"amount" gorm:"column:amount;type:decimal(20,2);not null"`
	Currency string          `json:"currency" gorm:"column:currency;size:3;not null"`
	Rate     decimal.Decimal `json:"rate" gorm:"column:rate;type:decimal(6,4);not null"`

	Status        CommissionStatus `json:"status" gorm:"column:status;size:16;index;not null;default:pending"`
	TransactionID *string          `json:"transaction_id,omitempty" gorm:"column:transaction_id;size:255"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (CommissionPayout) TableName() string { return "commission_payouts" }

// CommissionFilter narrows ListCommissions.
type CommissionFilter struct {
	ChainerID  string
	CampaignID string
	Status     CommissionStatus
	Limit      int
	Offset     int
}
