package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PayoutStatus is the lifecycle state of a campaign payout.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusApproved   PayoutStatus = "approved"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusRejected   PayoutStatus = "rejected"
)

func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutStatusCompleted || s == PayoutStatusFailed || s == PayoutStatusRejected
}

// PayoutEvent is an input to the payout state machine.
type PayoutEvent string

const (
	PayoutEventApprove       PayoutEvent = "approve"
	PayoutEventReject        PayoutEvent = "reject"
	PayoutEventStartTransfer PayoutEvent = "start_transfer"
	PayoutEventComplete      PayoutEvent = "complete"
	PayoutEventFail          PayoutEvent = "fail"
)

var payoutTransitions = map[PayoutStatus]map[PayoutEvent]PayoutStatus{
	PayoutStatusPending: {
		PayoutEventApprove: PayoutStatusApproved,
		PayoutEventReject:  PayoutStatusRejected,
	},
	PayoutStatusApproved: {
		PayoutEventReject:        PayoutStatusRejected,
		PayoutEventStartTransfer: PayoutStatusProcessing,
	},
	PayoutStatusProcessing: {
		PayoutEventComplete: PayoutStatusCompleted,
		PayoutEventFail:     PayoutStatusFailed,
	},
}

// NextPayoutStatus returns the status a payout in state from moves to on ev.
func NextPayoutStatus(from PayoutStatus, ev PayoutEvent) (PayoutStatus, error) {
	if to, ok := payoutTransitions[from][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: payout %s on %s", ErrInvalidTransition, from, ev)
}

// TerminalEvent maps a terminal payout status to the event that produces it.
func TerminalEvent(status PayoutStatus) (PayoutEvent, error) {
	switch status {
	case PayoutStatusCompleted:
		return PayoutEventComplete, nil
	case PayoutStatusFailed:
		return PayoutEventFail, nil
	}
	return "", fmt.Errorf("%w: %q is not a transfer outcome", ErrInvalidInput, status)
}

// CampaignPayout is a campaign owner's request to withdraw raised funds to a bank.
type CampaignPayout struct {
	ID         string `json:"id" gorm:"column:id;primaryKey;size:36"`
	CampaignID string `json:"campaign_id" gorm:"column:campaign_id;size:36;index;not null"`
	OwnerID    string `json:"owner_id" gorm:"column:owner_id;size:36;index;not null"`
	OwnerEmail string `json:"owner_email,omitempty" gorm:"column:owner_email;size:255"`

	RequestedAmount decimal.Decimal `json:"requested_amount" gorm:"column:requested_amount;type:decimal(20,2);not null"`
	Fees            decimal.Decimal `json:"fees" gorm:"column:fees;type:decimal(20,2);not null"`
	NetAmount       decimal.Decimal `json:"net_amount" gorm:"column:net_amount;type:decimal(20,2);not null"`
	Currency        string          `json:"currency" gorm:"column:currency;size:3;not null"`

	Status         PayoutStatus  `json:"status" gorm:"column:status;size:16;index;not null;default:pending"`
	PayoutProvider PaymentMethod `json:"payout_provider" gorm:"column:payout_provider;size:16;not null"`
	// RecipientCode is the Paystack transfer recipient or the Stripe connected account.
	RecipientCode string `json:"recipient_code" gorm:"column:recipient_code;size:255;not null"`

	// Reference is our own identifier, sent to the provider as the transfer reference.
	Reference string `json:"reference" gorm:"column:reference;size:64;uniqueIndex;not null"`
	// TransactionID is the provider's transfer identifier. It stays nil until the provider
	// has acknowledged a transfer and must never equal Reference.
	TransactionID *string `json:"transaction_id,omitempty" gorm:"column:transaction_id;size:255;index"`
	FailureReason string  `json:"failure_reason,omitempty" gorm:"column:failure_reason;type:text"`
	// Notes is the append-only audit log, one AuditEntry line per change.
	Notes string `json:"notes" gorm:"column:notes;type:text"`

	ApprovedBy  *string    `json:"approved_by,omitempty" gorm:"column:approved_by;size:255"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty" gorm:"column:approved_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" gorm:"column:processed_at"`

	NeedsReview  bool   `json:"needs_review" gorm:"column:needs_review;index"`
	ReviewReason string `json:"review_reason,omitempty" gorm:"column:review_reason;type:text"`
	// ReconciledAt is the last time the reconciler compared this payout with the provider.
	ReconciledAt *time.Time `json:"reconciled_at,omitempty" gorm:"column:reconciled_at"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (CampaignPayout) TableName() string { return "campaign_payouts" }

// HasTransfer reports whether a provider transfer id distinct from our reference is stored.
func (p *CampaignPayout) HasTransfer() bool {
	return p.TransactionID != nil && *p.TransactionID != "" && *p.TransactionID != p.Reference
}

// IsStuck reports a processing payout whose transfer was never recorded as created.
func (p *CampaignPayout) IsStuck() bool {
	return p.Status == PayoutStatusProcessing && !p.HasTransfer()
}

// AuditLog parses Notes.
func (p *CampaignPayout) AuditLog() ([]AuditEntry, error) {
	return ParseAuditLog(p.Notes)
}

// PayoutUpdate carries optional columns written together with a payout transition.
type PayoutUpdate struct {
	FailureReason *string
	ProcessedAt   *time.Time
	ApprovedBy    *string
	ApprovedAt    *time.Time
}

// PayoutFilter narrows ListPayouts.
type PayoutFilter struct {
	CampaignID  string
	OwnerID     string
	Status      PayoutStatus
	NeedsReview *bool
	Limit       int
	Offset      int
}
