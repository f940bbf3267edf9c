// Package provider talks to the payment gateways and normalizes their answers into
// verification outcomes and transfer states.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/pkg/logger"
)

// ErrorKind classifies an adapter failure. Every kind is retryable from the caller's
// point of view; none of them says anything about the payment itself.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "auth"
	KindUnexpected  ErrorKind = "unexpected"
	KindUnsupported ErrorKind = "unsupported"
)

// AdapterError is returned when a provider could not be asked or did not answer.
type AdapterError struct {
	Provider models.PaymentMethod
	Kind     ErrorKind
	Op       string
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: %s error: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func IsAdapterError(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae)
}

// IsAuth reports an adapter error caused by rejected credentials.
func IsAuth(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == KindAuth
}

var ErrInvalidSignature = errors.New("invalid webhook signature")

func newError(p models.PaymentMethod, kind ErrorKind, op string, err error) *AdapterError {
	return &AdapterError{Provider: p, Kind: kind, Op: op, Err: err}
}

// EventKind says what a webhook is about.
type EventKind string

const (
	EventPayment  EventKind = "payment"
	EventTransfer EventKind = "transfer"
	EventIgnored  EventKind = "ignored"
)

// WebhookEvent is the part of a provider push we act on. The body itself is never
// trusted for status; the reference is re-verified against the provider.
type WebhookEvent struct {
	Method models.PaymentMethod
	Kind   EventKind
	Type   string
	// Reference is a payment reference for EventPayment and our payout reference for
	// EventTransfer.
	Reference string
}

// Provider is one gateway.
type Provider interface {
	Method() models.PaymentMethod
	VerifyPayment(ctx context.Context, reference string) (*models.Verification, error)
	InitializePayment(ctx context.Context, req models.InitializeRequest) (*models.Initialization, error)
	CreateTransfer(ctx context.Context, req models.TransferRequest) (*models.Transfer, error)
	TransferStatus(ctx context.Context, transactionID string) (*models.Transfer, error)
	FindTransferByReference(ctx context.Context, reference string) (*models.Transfer, error)
	ParseWebhook(payload []byte, header http.Header) (*WebhookEvent, error)
}

// Registry routes calls to the configured provider and bounds each call by a timeout.
type Registry struct {
	logger    *logger.Logger
	timeout   time.Duration
	providers map[models.PaymentMethod]Provider
}

var _ models.PaymentAdapter = (*Registry)(nil)

func NewRegistry(timeout time.Duration, logger *logger.Logger, providers ...Provider) *Registry {
	r := &Registry{
		logger:    logger,
		timeout:   timeout,
		providers: make(map[models.PaymentMethod]Provider),
	}
	for _, p := range providers {
		r.providers[p.Method()] = p
	}
	return r
}

// Config holds the credentials of every gateway; empty keys leave a gateway out.
type Config struct {
	Timeout             time.Duration
	StripeSecretKey     string
	StripeWebhookSecret string
	PaystackSecretKey   string
	PaystackBaseURL     string
	OmisePublicKey      string
	OmiseSecretKey      string
}

// NewRegistryFromConfig builds a registry with every gateway that has credentials.
func NewRegistryFromConfig(cfg Config, logger *logger.Logger) (*Registry, error) {
	var providers []Provider
	if cfg.StripeSecretKey != "" {
		providers = append(providers, NewStripe(StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Timeout:       cfg.Timeout,
		}))
	}
	if cfg.PaystackSecretKey != "" {
		providers = append(providers, NewPaystack(cfg.PaystackSecretKey, cfg.PaystackBaseURL, cfg.Timeout))
	}
	if cfg.OmiseSecretKey != "" {
		o, err := NewOmise(cfg.OmisePublicKey, cfg.OmiseSecretKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create omise client: %w", err)
		}
		providers = append(providers, o)
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment provider configured")
	}
	for _, p := range providers {
		logger.Infow("payment provider enabled", "provider", p.Method())
	}
	return NewRegistry(cfg.Timeout, logger, providers...), nil
}

func (r *Registry) provider(method models.PaymentMethod, op string) (Provider, error) {
	p, ok := r.providers[method]
	if !ok {
		return nil, newError(method, KindUnsupported, op, errors.New("provider not configured"))
	}
	return p, nil
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Registry) logFailure(method models.PaymentMethod, op, ref string, err error) {
	r.logger.Warnw("provider call failed", "provider", method, "op", op, "reference", ref, "error", err)
}

func (r *Registry) VerifyPayment(ctx context.Context, method models.PaymentMethod, reference string) (*models.Verification, error) {
	p, err := r.provider(method, "verify_payment")
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	v, err := p.VerifyPayment(ctx, reference)
	if err != nil {
		r.logFailure(method, "verify_payment", reference, err)
		return nil, err
	}
	r.logger.Debugw("payment verified", "provider", method, "reference", reference,
		"outcome", v.Outcome, "provider_status", v.ProviderStatus)
	return v, nil
}

func (r *Registry) InitializePayment(ctx context.Context, method models.PaymentMethod, req models.InitializeRequest) (*models.Initialization, error) {
	p, err := r.provider(method, "initialize_payment")
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	init, err := p.InitializePayment(ctx, req)
	if err != nil {
		r.logFailure(method, "initialize_payment", req.DonationID, err)
		return nil, err
	}
	return init, nil
}

func (r *Registry) CreateTransfer(ctx context.Context, method models.PaymentMethod, req models.TransferRequest) (*models.Transfer, error) {
	p, err := r.provider(method, "create_transfer")
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	t, err := p.CreateTransfer(ctx, req)
	if err != nil {
		r.logFailure(method, "create_transfer", req.Reference, err)
		return nil, err
	}
	return t, nil
}

func (r *Registry) TransferStatus(ctx context.Context, method models.PaymentMethod, transactionID string) (*models.Transfer, error) {
	p, err := r.provider(method, "transfer_status")
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	t, err := p.TransferStatus(ctx, transactionID)
	if err != nil {
		r.logFailure(method, "transfer_status", transactionID, err)
		return nil, err
	}
	return t, nil
}

func (r *Registry) FindTransferByReference(ctx context.Context, method models.PaymentMethod, reference string) (*models.Transfer, error) {
	p, err := r.provider(method, "find_transfer")
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	t, err := p.FindTransferByReference(ctx, reference)
	if err != nil {
		r.logFailure(method, "find_transfer", reference, err)
		return nil, err
	}
	return t, nil
}

// ParseWebhook authenticates and decodes a provider push.
func (r *Registry) ParseWebhook(method models.PaymentMethod, payload []byte, header http.Header) (*WebhookEvent, error) {
	p, err := r.provider(method, "parse_webhook")
	if err != nil {
		return nil, err
	}
	return p.ParseWebhook(payload, header)
}

// Methods lists the configured gateways.
func (r *Registry) Methods() []models.PaymentMethod {
	methods := make([]models.PaymentMethod, 0, len(r.providers))
	for m := range r.providers {
		methods = append(methods, m)
	}
	return methods
}
