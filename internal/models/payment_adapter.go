package models

import (
	"context"

	"github.com/shopspring/decimal"
)

// VerificationOutcome is a definitive answer from a provider about a payment.
// Failures to obtain an answer are returned as errors, never as an outcome.
type VerificationOutcome string

const (
	OutcomeVerified    VerificationOutcome = "verified"
	OutcomeNotVerified VerificationOutcome = "not_verified"
	// OutcomeInFlight means the provider is still working on the payment.
	OutcomeInFlight VerificationOutcome = "in_flight"
)

type Verification struct {
	Outcome VerificationOutcome
	// ProviderStatus is the provider's own status string.
	ProviderStatus string
	// ProviderError is the decline or failure text, if any.
	ProviderError string
}

type InitializeRequest struct {
	DonationID string
	Amount     decimal.Decimal
	Currency   string
	Email      string
}

type Initialization struct {
	// Reference is stored as the donation's PaymentIntentID.
	Reference        string `json:"reference"`
	ClientSecret     string `json:"client_secret,omitempty"`
	AuthorizationURL string `json:"authorization_url,omitempty"`
}

// TransferStatus is the provider's view of a bank transfer.
type TransferStatus string

const (
	TransferPending     TransferStatus = "pending"
	TransferSuccess     TransferStatus = "success"
	TransferFailed      TransferStatus = "failed"
	TransferOTPRequired TransferStatus = "otp_required"
	TransferNotFound    TransferStatus = "not_found"
)

type TransferRequest struct {
	// Reference is the payout's internal reference, used as the provider idempotency key.
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Recipient string
	Reason    string
}

type Transfer struct {
	// TransactionID is the provider's transfer identifier. Empty when Status is TransferNotFound.
	TransactionID  string
	Status         TransferStatus
	ProviderStatus string
	FailureReason  string
}

// PaymentAdapter normalizes provider payment and transfer queries.
type PaymentAdapter interface {
	VerifyPayment(ctx context.Context, method PaymentMethod, reference string) (*Verification, error)
	InitializePayment(ctx context.Context, method PaymentMethod, req InitializeRequest) (*Initialization, error)
	CreateTransfer(ctx context.Context, method PaymentMethod, req TransferRequest) (*Transfer, error)
	TransferStatus(ctx context.Context, method PaymentMethod, transactionID string) (*Transfer, error)
	FindTransferByReference(ctx context.Context, method PaymentMethod, reference string) (*Transfer, error)
}
