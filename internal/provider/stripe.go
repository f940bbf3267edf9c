package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/chainfund/settlement/internal/models"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	// BaseURL overrides the API endpoint, used against stripe-mock and in tests.
	BaseURL string
}

// Stripe verifies payment intents and pays campaign owners through Connect transfers.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

func NewStripe(cfg StripeConfig) *Stripe {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	backendConfig := func() *stripe.BackendConfig {
		bc := &stripe.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		}
		if cfg.BaseURL != "" {
			bc.URL = stripe.String(cfg.BaseURL)
		}
		return bc
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig()),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig()),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig()),
	}
	return &Stripe{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (s *Stripe) Method() models.PaymentMethod { return models.PaymentMethodStripe }

func (s *Stripe) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(models.PaymentMethodStripe, KindNetwork, op, err)
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
			return newError(models.PaymentMethodStripe, KindAuth, op, err)
		case se.HTTPStatusCode == 0 || se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
			return newError(models.PaymentMethodStripe, KindNetwork, op, err)
		}
		return newError(models.PaymentMethodStripe, KindUnexpected, op, err)
	}
	return newError(models.PaymentMethodStripe, KindNetwork, op, err)
}

func isStripeNotFound(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound
}

func (s *Stripe) VerifyPayment(ctx context.Context, reference string) (*models.Verification, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(reference, params)
	if err != nil {
		if isStripeNotFound(err) {
			return &models.Verification{
				Outcome:        models.OutcomeNotVerified,
				ProviderStatus: "not_found",
				ProviderError:  err.Error(),
			}, nil
		}
		return nil, s.classify("verify_payment", err)
	}
	return stripeVerification(pi), nil
}

func stripeVerification(pi *stripe.PaymentIntent) *models.Verification {
	v := &models.Verification{ProviderStatus: string(pi.Status)}
	if pi.LastPaymentError != nil {
		v.ProviderError = pi.LastPaymentError.Msg
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		v.Outcome = models.OutcomeVerified
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		v.Outcome = models.OutcomeInFlight
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// a fresh intent waits for the donor; only a recorded decline fails it
		if pi.LastPaymentError != nil {
			v.Outcome = models.OutcomeNotVerified
		} else {
			v.Outcome = models.OutcomeInFlight
		}
	default:
		v.Outcome = models.OutcomeNotVerified
	}
	return v
}

func (s *Stripe) InitializePayment(ctx context.Context, req models.InitializeRequest) (*models.Initialization, error) {
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	params.AddMetadata("donation_id", req.DonationID)
	params.IdempotencyKey = stripe.String("donation-" + req.DonationID)
	params.Context = ctx

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, s.classify("initialize_payment", err)
	}
	return &models.Initialization{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *Stripe) CreateTransfer(ctx context.Context, req models.TransferRequest) (*models.Transfer, error) {
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Recipient),
		TransferGroup: stripe.String(req.Reference),
		Description:   stripe.String(req.Reason),
	}
	params.IdempotencyKey = stripe.String(req.Reference)
	params.Context = ctx

	t, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, s.classify("create_transfer", err)
	}
	return stripeTransfer(t), nil
}

// Connect transfers settle synchronously; a reversal is the only way one fails later.
func stripeTransfer(t *stripe.Transfer) *models.Transfer {
	if t.Reversed {
		return &models.Transfer{
			TransactionID:  t.ID,
			Status:         models.TransferFailed,
			ProviderStatus: "reversed",
			FailureReason:  "transfer reversed",
		}
	}
	return &models.Transfer{TransactionID: t.ID, Status: models.TransferSuccess, ProviderStatus: "paid"}
}

func (s *Stripe) TransferStatus(ctx context.Context, transactionID string) (*models.Transfer, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx

	t, err := s.api.Transfers.Get(transactionID, params)
	if err != nil {
		if isStripeNotFound(err) {
			return &models.Transfer{Status: models.TransferNotFound}, nil
		}
		return nil, s.classify("transfer_status", err)
	}
	return stripeTransfer(t), nil
}

func (s *Stripe) FindTransferByReference(ctx context.Context, reference string) (*models.Transfer, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(reference)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := s.api.Transfers.List(params)
	if iter.Next() {
		return stripeTransfer(iter.Transfer()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, s.classify("find_transfer", err)
	}
	return &models.Transfer{Status: models.TransferNotFound}, nil
}

// stripePaymentEvents are the intent events that can settle a donation.
var stripePaymentEvents = map[stripe.EventType]bool{
	stripe.EventTypePaymentIntentSucceeded:     true,
	stripe.EventTypePaymentIntentPaymentFailed: true,
	stripe.EventTypePaymentIntentCanceled:      true,
}

func (s *Stripe) ParseWebhook(payload []byte, header http.Header) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := &WebhookEvent{Method: models.PaymentMethodStripe, Kind: EventIgnored, Type: string(event.Type)}
	if event.Data == nil {
		return ev, nil
	}
	var obj struct {
		ID            string `json:"id"`
		TransferGroup string `json:"transfer_group"`
	}
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode stripe event object: %w", err)
	}

	switch {
	case stripePaymentEvents[event.Type]:
		ev.Kind = EventPayment
		ev.Reference = obj.ID
	case strings.HasPrefix(ev.Type, "transfer.") && obj.TransferGroup != "":
		ev.Kind = EventTransfer
		ev.Reference = obj.TransferGroup
	}
	return ev, nil
}
