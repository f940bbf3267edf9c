package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusClosed    CampaignStatus = "closed"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// CloseReasonGoalReached is the only closure reason this service ever issues.
const CloseReasonGoalReached = "goal_reached"

// GoalThreshold is the fraction of the goal at which a campaign counts as funded.
var GoalThreshold = decimal.RequireFromString("0.99")

// Campaign is the financial view of a crowdfunding campaign.
type Campaign struct {
	ID         string `json:"id" gorm:"column:id;primaryKey;size:36"`
	OwnerID    string `json:"owner_id" gorm:"column:owner_id;size:36;index;not null"`
	OwnerEmail string `json:"owner_email,omitempty" gorm:"column:owner_email;size:255"`
	Title      string `json:"title" gorm:"column:title;size:255"`

	GoalAmount decimal.Decimal `json:"goal_amount" gorm:"column:goal_amount;type:decimal(20,2);not null"`
	// CurrentAmount is derived: the sum of completed donations. Only the aggregator writes it.
	CurrentAmount decimal.Decimal `json:"current_amount" gorm:"column:current_amount;type:decimal(20,2);not null;default:0"`
	Currency      string          `json:"currency" gorm:"column:currency;size:3;not null"`

	Status CampaignStatus `json:"status" gorm:"column:status;size:16;index;not null;default:active"`
	// ChainerCommissionRate is the fraction of each referred donation paid to the chainer.
	ChainerCommissionRate decimal.Decimal `json:"chainer_commission_rate" gorm:"column:chainer_commission_rate;type:decimal(6,4);not null;default:0"`

	ClosedAt    *time.Time `json:"closed_at,omitempty" gorm:"column:closed_at"`
	CloseReason string     `json:"close_reason,omitempty" gorm:"column:close_reason;size:64"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Campaign) TableName() string { return "campaigns" }

// GoalReached reports whether the campaign is active and has raised at least
// GoalThreshold of its goal.
func (c *Campaign) GoalReached() bool {
	if c.Status != CampaignStatusActive || !c.GoalAmount.IsPositive() {
		return false
	}
	return c.CurrentAmount.GreaterThanOrEqual(c.GoalAmount.Mul(GoalThreshold))
}

// CampaignLifecycle closes campaigns. It reports true only for the call that actually
// moved the campaign out of active.
type CampaignLifecycle interface {
	CloseCampaign(ctx context.Context, campaignID, reason, ownerID string) (bool, error)
}
