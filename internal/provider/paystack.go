package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chainfund/settlement/internal/models"
)

const defaultPaystackURL = "https://api.paystack.co"

// Paystack verifies transactions and sends bank transfers through the Paystack REST API.
type Paystack struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewPaystack(secretKey, baseURL string, timeout time.Duration) *Paystack {
	if baseURL == "" {
		baseURL = defaultPaystackURL
	}
	return &Paystack{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *Paystack) Method() models.PaymentMethod { return models.PaymentMethodPaystack }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do performs a request and returns the decoded envelope with the HTTP status.
// Transport failures, rejected credentials and 5xx answers come back as errors;
// 4xx answers are left to the caller.
func (p *Paystack) do(ctx context.Context, op, method, path string, body interface{}) (*paystackEnvelope, int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, newError(models.PaymentMethodPaystack, KindUnexpected, op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, 0, newError(models.PaymentMethodPaystack, KindUnexpected, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, newError(models.PaymentMethodPaystack, KindNetwork, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, newError(models.PaymentMethodPaystack, KindAuth, op,
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, resp.StatusCode, newError(models.PaymentMethodPaystack, KindNetwork, op,
			fmt.Errorf("status %d", resp.StatusCode))
	}

	var env paystackEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return nil, resp.StatusCode, newError(models.PaymentMethodPaystack, KindUnexpected, op,
			fmt.Errorf("decode response: %w", err))
	}
	return &env, resp.StatusCode, nil
}

// notFound recognizes Paystack's answers for unknown references, which arrive as
// 404 or as 400 with a "not found" message depending on the endpoint.
func paystackNotFound(code int, env *paystackEnvelope) bool {
	if code == http.StatusNotFound {
		return true
	}
	return code == http.StatusBadRequest && strings.Contains(strings.ToLower(env.Message), "not found")
}

func (p *Paystack) unexpected(op string, code int, env *paystackEnvelope) error {
	return newError(models.PaymentMethodPaystack, KindUnexpected, op,
		fmt.Errorf("status %d: %s", code, env.Message))
}

func (p *Paystack) VerifyPayment(ctx context.Context, reference string) (*models.Verification, error) {
	const op = "verify_payment"
	env, code, err := p.do(ctx, op, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}
	if paystackNotFound(code, env) {
		return &models.Verification{
			Outcome:        models.OutcomeNotVerified,
			ProviderStatus: "not_found",
			ProviderError:  env.Message,
		}, nil
	}
	if code != http.StatusOK || !env.Status {
		return nil, p.unexpected(op, code, env)
	}

	var data struct {
		Status          string `json:"status"`
		Reference       string `json:"reference"`
		GatewayResponse string `json:"gateway_response"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Status == "" {
		return nil, newError(models.PaymentMethodPaystack, KindUnexpected, op,
			fmt.Errorf("malformed transaction data: %s", string(env.Data)))
	}

	v := &models.Verification{ProviderStatus: data.Status}
	switch data.Status {
	case "success":
		v.Outcome = models.OutcomeVerified
	case "ongoing", "pending", "processing", "queued":
		v.Outcome = models.OutcomeInFlight
	default:
		// failed, abandoned, reversed
		v.Outcome = models.OutcomeNotVerified
		v.ProviderError = data.GatewayResponse
	}
	return v, nil
}

func (p *Paystack) InitializePayment(ctx context.Context, req models.InitializeRequest) (*models.Initialization, error) {
	const op = "initialize_payment"
	if req.Email == "" {
		return nil, fmt.Errorf("%w: paystack requires a donor email", models.ErrInvalidInput)
	}
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	env, code, err := p.do(ctx, op, http.MethodPost, "/transaction/initialize", map[string]interface{}{
		"email":     req.Email,
		"amount":    amount,
		"currency":  strings.ToUpper(req.Currency),
		"reference": req.DonationID,
		"metadata":  map[string]string{"donation_id": req.DonationID},
	})
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK || !env.Status {
		return nil, p.unexpected(op, code, env)
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Reference == "" {
		return nil, newError(models.PaymentMethodPaystack, KindUnexpected, op,
			fmt.Errorf("malformed initialize data: %s", string(env.Data)))
	}
	return &models.Initialization{
		Reference:        data.Reference,
		ClientSecret:     data.AccessCode,
		AuthorizationURL: data.AuthorizationURL,
	}, nil
}

type paystackTransfer struct {
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
	Reference    string `json:"reference"`
	Reason       string `json:"reason"`
}

func (t *paystackTransfer) normalize() *models.Transfer {
	out := &models.Transfer{TransactionID: t.TransferCode, ProviderStatus: t.Status}
	switch t.Status {
	case "success":
		out.Status = models.TransferSuccess
	case "otp":
		out.Status = models.TransferOTPRequired
	case "failed", "reversed", "abandoned", "blocked", "rejected":
		out.Status = models.TransferFailed
		out.FailureReason = "paystack transfer " + t.Status
	default:
		// pending, received, processing, queued
		out.Status = models.TransferPending
	}
	return out
}

func (p *Paystack) decodeTransfer(op string, env *paystackEnvelope) (*models.Transfer, error) {
	var data paystackTransfer
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TransferCode == "" {
		return nil, newError(models.PaymentMethodPaystack, KindUnexpected, op,
			fmt.Errorf("malformed transfer data: %s", string(env.Data)))
	}
	return data.normalize(), nil
}

func (p *Paystack) CreateTransfer(ctx context.Context, req models.TransferRequest) (*models.Transfer, error) {
	const op = "create_transfer"
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	env, code, err := p.do(ctx, op, http.MethodPost, "/transfer", map[string]interface{}{
		"source":    "balance",
		"amount":    amount,
		"currency":  strings.ToUpper(req.Currency),
		"recipient": req.Recipient,
		"reference": req.Reference,
		"reason":    req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK || !env.Status {
		return nil, p.unexpected(op, code, env)
	}
	return p.decodeTransfer(op, env)
}

func (p *Paystack) TransferStatus(ctx context.Context, transactionID string) (*models.Transfer, error) {
	return p.fetchTransfer(ctx, "transfer_status", "/transfer/"+url.PathEscape(transactionID))
}

func (p *Paystack) FindTransferByReference(ctx context.Context, reference string) (*models.Transfer, error) {
	return p.fetchTransfer(ctx, "find_transfer", "/transfer/verify/"+url.PathEscape(reference))
}

func (p *Paystack) fetchTransfer(ctx context.Context, op, path string) (*models.Transfer, error) {
	env, code, err := p.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if paystackNotFound(code, env) {
		return &models.Transfer{Status: models.TransferNotFound}, nil
	}
	if code != http.StatusOK || !env.Status {
		return nil, p.unexpected(op, code, env)
	}
	return p.decodeTransfer(op, env)
}

// Sign returns the x-paystack-signature value for payload.
func (p *Paystack) Sign(payload []byte) string {
	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Paystack) ParseWebhook(payload []byte, header http.Header) (*WebhookEvent, error) {
	got, err := hex.DecodeString(header.Get("X-Paystack-Signature"))
	if err != nil || len(got) == 0 {
		return nil, ErrInvalidSignature
	}
	want, _ := hex.DecodeString(p.Sign(payload))
	if !hmac.Equal(got, want) {
		return nil, ErrInvalidSignature
	}

	var body struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode paystack event: %w", err)
	}
	if body.Event == "" {
		return nil, errors.New("paystack event without type")
	}

	ev := &WebhookEvent{Method: models.PaymentMethodPaystack, Kind: EventIgnored, Type: body.Event}
	switch body.Event {
	case "charge.success":
		ev.Kind = EventPayment
		ev.Reference = body.Data.Reference
	case "transfer.success", "transfer.failed", "transfer.reversed":
		ev.Kind = EventTransfer
		ev.Reference = body.Data.Reference
	}
	return ev, nil
}
