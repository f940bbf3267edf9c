package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type NotificationKind string

const (
	NotificationDonationCompleted NotificationKind = "donation_completed"
	NotificationCampaignClosed    NotificationKind = "campaign_closed"
	NotificationPayoutStatus      NotificationKind = "payout_status_changed"
	NotificationManualReview      NotificationKind = "manual_review_required"
)

// NotificationService is a fire-and-forget sink. SendNotification must not block
// on delivery and its failures are never reported back to the caller.
type NotificationService interface {
	SendNotification(notification *Notification)
}

type Notification struct {
	Kind        NotificationKind `json:"kind"`
	DonationID  string           `json:"donation_id,omitempty"`
	CampaignID  string           `json:"campaign_id,omitempty"`
	PayoutID    string           `json:"payout_id,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	Currency    string           `json:"currency,omitempty"`
	DonorName   string           `json:"donor_name,omitempty"`
	IsAnonymous bool             `json:"is_anonymous,omitempty"`
	Status      string           `json:"status,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	// Email is the recipient for donor/owner facing messages.
	Email string `json:"email,omitempty"`
}

func (n *Notification) String() string {
	switch n.Kind {
	case NotificationDonationCompleted:
		return fmt.Sprintf("Donation %s of %s %s from %s to campaign %s completed",
			n.DonationID, n.Amount.StringFixed(2), n.Currency, n.DonorName, n.CampaignID)
	case NotificationCampaignClosed:
		return fmt.Sprintf("Campaign %s closed (%s) at %s %s",
			n.CampaignID, n.Reason, n.Amount.StringFixed(2), n.Currency)
	case NotificationPayoutStatus:
		return fmt.Sprintf("Payout %s for campaign %s is now %s (%s %s)",
			n.PayoutID, n.CampaignID, n.Status, n.Amount.StringFixed(2), n.Currency)
	case NotificationManualReview:
		return fmt.Sprintf("Payout %s needs manual review: %s", n.PayoutID, n.Reason)
	}
	return fmt.Sprintf("%s: %s", n.Kind, n.Reason)
}
