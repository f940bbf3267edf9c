package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"

	"github.com/chainfund/settlement/internal/models"
)

// Omise verifies Omise charges and starts PromptPay donations. Omise has no transfer
// product we pay owners through.
type Omise struct {
	client *omise.Client
}

func NewOmise(publicKey, secretKey string) (*Omise, error) {
	client, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, err
	}
	return &Omise{client: client}, nil
}

func (o *Omise) Method() models.PaymentMethod { return models.PaymentMethodOmise }

// call runs fn but stops waiting when ctx ends. The omise client takes no context.
func (o *Omise) call(ctx context.Context, op string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case <-ctx.Done():
		return newError(models.PaymentMethodOmise, KindNetwork, op, ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		return o.classify(op, err)
	}
}

func (o *Omise) classify(op string, err error) error {
	var oe *omise.Error
	if errors.As(err, &oe) {
		switch {
		case oe.StatusCode == http.StatusUnauthorized || oe.StatusCode == http.StatusForbidden:
			return newError(models.PaymentMethodOmise, KindAuth, op, err)
		case oe.StatusCode >= 500 || oe.StatusCode == http.StatusTooManyRequests:
			return newError(models.PaymentMethodOmise, KindNetwork, op, err)
		}
		return newError(models.PaymentMethodOmise, KindUnexpected, op, err)
	}
	return newError(models.PaymentMethodOmise, KindNetwork, op, err)
}

func isOmiseNotFound(err error) bool {
	var oe *omise.Error
	return errors.As(err, &oe) && (oe.StatusCode == http.StatusNotFound || oe.Code == "not_found")
}

func (o *Omise) VerifyPayment(ctx context.Context, reference string) (*models.Verification, error) {
	ch := &omise.Charge{}
	err := o.call(ctx, "verify_payment", func() error {
		return o.client.Do(ch, &operations.RetrieveCharge{ChargeID: reference})
	})
	if err != nil {
		if isOmiseNotFound(err) {
			return &models.Verification{
				Outcome:        models.OutcomeNotVerified,
				ProviderStatus: "not_found",
				ProviderError:  err.Error(),
			}, nil
		}
		return nil, err
	}

	v := &models.Verification{ProviderStatus: string(ch.Status)}
	switch ch.Status {
	case omise.ChargeSuccessful:
		v.Outcome = models.OutcomeVerified
	case omise.ChargePending:
		v.Outcome = models.OutcomeInFlight
	default:
		v.Outcome = models.OutcomeNotVerified
		if ch.FailureMessage != nil {
			v.ProviderError = *ch.FailureMessage
		}
	}
	return v, nil
}

func (o *Omise) InitializePayment(ctx context.Context, req models.InitializeRequest) (*models.Initialization, error) {
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	currency := strings.ToLower(req.Currency)

	src := &omise.Source{}
	if err := o.call(ctx, "initialize_payment", func() error {
		return o.client.Do(src, &operations.CreateSource{
			Type:     "promptpay",
			Amount:   amount,
			Currency: currency,
		})
	}); err != nil {
		return nil, err
	}

	ch := &omise.Charge{}
	if err := o.call(ctx, "initialize_payment", func() error {
		return o.client.Do(ch, &operations.CreateCharge{
			Amount:      amount,
			Currency:    currency,
			Source:      src.ID,
			Description: "donation " + req.DonationID,
			Metadata:    map[string]interface{}{"donation_id": req.DonationID},
		})
	}); err != nil {
		return nil, err
	}
	return &models.Initialization{Reference: ch.ID, AuthorizationURL: ch.AuthorizeURI}, nil
}

func (o *Omise) unsupported(op string) error {
	return newError(models.PaymentMethodOmise, KindUnsupported, op, errors.New("omise transfers are not supported"))
}

func (o *Omise) CreateTransfer(context.Context, models.TransferRequest) (*models.Transfer, error) {
	return nil, o.unsupported("create_transfer")
}

func (o *Omise) TransferStatus(context.Context, string) (*models.Transfer, error) {
	return nil, o.unsupported("transfer_status")
}

func (o *Omise) FindTransferByReference(context.Context, string) (*models.Transfer, error) {
	return nil, o.unsupported("find_transfer")
}

// ParseWebhook decodes an Omise event. Omise does not sign events; the charge is
// always retrieved again before anything changes.
func (o *Omise) ParseWebhook(payload []byte, _ http.Header) (*WebhookEvent, error) {
	var body struct {
		Key  string `json:"key"`
		Data struct {
			Object string `json:"object"`
			ID     string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode omise event: %w", err)
	}

	ev := &WebhookEvent{Method: models.PaymentMethodOmise, Kind: EventIgnored, Type: body.Key}
	if strings.HasPrefix(body.Key, "charge.") && body.Data.Object == "charge" && body.Data.ID != "" {
		ev.Kind = EventPayment
		ev.Reference = body.Data.ID
	}
	return ev, nil
}
