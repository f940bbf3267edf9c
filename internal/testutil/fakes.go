package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainfund/settlement/internal/models"
)

// FakeAdapter is an in-memory models.PaymentAdapter. Unknown payment references
// verify as not_verified; unknown transfers are not_found.
type FakeAdapter struct {
	mu sync.Mutex

	verifications map[string]*models.Verification
	verifyErrs    map[string]error
	verifyCalls   map[string]int

	// transfers by provider transaction id, refs maps our reference to that id.
	transfers   map[string]*models.Transfer
	refs        map[string]string
	createErr   error
	createCalls int
	nextID      int

	InitErr error
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		verifications: make(map[string]*models.Verification),
		verifyErrs:    make(map[string]error),
		verifyCalls:   make(map[string]int),
		transfers:     make(map[string]*models.Transfer),
		refs:          make(map[string]string),
	}
}

// SetPayment fixes the verification outcome for a payment reference.
func (f *FakeAdapter) SetPayment(reference string, outcome models.VerificationOutcome, providerStatus string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.verifyErrs, reference)
	f.verifications[reference] = &models.Verification{Outcome: outcome, ProviderStatus: providerStatus}
}

// FailPayment makes verification of reference return err.
func (f *FakeAdapter) FailPayment(reference string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyErrs[reference] = err
}

func (f *FakeAdapter) VerifyCalls(reference string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls[reference]
}

func (f *FakeAdapter) VerifyPayment(_ context.Context, _ models.PaymentMethod, reference string) (*models.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls[reference]++
	if err, ok := f.verifyErrs[reference]; ok {
		return nil, err
	}
	if v, ok := f.verifications[reference]; ok {
		cp := *v
		return &cp, nil
	}
	return &models.Verification{Outcome: models.OutcomeNotVerified, ProviderStatus: "not_found"}, nil
}

func (f *FakeAdapter) InitializePayment(_ context.Context, method models.PaymentMethod, req models.InitializeRequest) (*models.Initialization, error) {
	if f.InitErr != nil {
		return nil, f.InitErr
	}
	return &models.Initialization{
		Reference:    fmt.Sprintf("%s_%s", method, req.DonationID),
		ClientSecret: "secret_" + req.DonationID,
	}, nil
}

// SetTransfer registers a provider transfer for our reference.
func (f *FakeAdapter) SetTransfer(reference string, transfer models.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := transfer
	f.transfers[transfer.TransactionID] = &cp
	f.refs[reference] = transfer.TransactionID
}

// FailCreateTransfer makes CreateTransfer return err. A nil err restores success.
func (f *FakeAdapter) FailCreateTransfer(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *FakeAdapter) CreateTransferCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *FakeAdapter) CreateTransfer(_ context.Context, _ models.PaymentMethod, req models.TransferRequest) (*models.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if id, ok := f.refs[req.Reference]; ok {
		cp := *f.transfers[id]
		return &cp, nil
	}
	f.nextID++
	t := &models.Transfer{
		TransactionID:  fmt.Sprintf("TRF_%d", f.nextID),
		Status:         models.TransferPending,
		ProviderStatus: "pending",
	}
	f.transfers[t.TransactionID] = t
	f.refs[req.Reference] = t.TransactionID
	cp := *t
	return &cp, nil
}

func (f *FakeAdapter) TransferStatus(_ context.Context, _ models.PaymentMethod, transactionID string) (*models.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transfers[transactionID]; ok {
		cp := *t
		return &cp, nil
	}
	return &models.Transfer{Status: models.TransferNotFound}, nil
}

func (f *FakeAdapter) FindTransferByReference(ctx context.Context, method models.PaymentMethod, reference string) (*models.Transfer, error) {
	f.mu.Lock()
	id, ok := f.refs[reference]
	f.mu.Unlock()
	if !ok {
		return &models.Transfer{Status: models.TransferNotFound}, nil
	}
	return f.TransferStatus(ctx, method, id)
}

// Notifier records notifications instead of delivering them.
type Notifier struct {
	mu   sync.Mutex
	sent []*models.Notification
}

func (n *Notifier) SendNotification(notification *models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
}

func (n *Notifier) Sent() []*models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*models.Notification(nil), n.sent...)
}

// Count returns how many notifications of kind were sent.
func (n *Notifier) Count(kind models.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Kind == kind {
			c++
		}
	}
	return c
}
