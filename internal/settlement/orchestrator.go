package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/internal/provider"
)

// HandleProviderEvent is the webhook path: the pushed reference is re-verified against
// the provider, never trusted as is.
func (s *Service) HandleProviderEvent(ctx context.Context, method models.PaymentMethod, reference string) (*VerifyResult, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: empty payment reference", models.ErrInvalidInput)
	}
	d, err := s.repo.GetDonationByReference(ctx, method, reference)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("provider event received", "provider", method, "reference", reference, "donation_id", d.ID)
	return s.Verify(ctx, d.ID)
}

// DonationError is one per-donation failure inside a batch.
type DonationError struct {
	DonationID string `json:"donation_id"`
	Error      string `json:"error"`
}

// SweepReport summarizes one cron pass over stale pending donations.
type SweepReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	// Skipped counts donations without a provider reference and donations another
	// trigger settled while the sweep was running.
	Skipped int `json:"skipped"`
	// InFlight counts donations the provider is still processing.
	InFlight     int             `json:"in_flight"`
	Errors       int             `json:"errors"`
	ErrorDetails []DonationError `json:"error_details,omitempty"`
	// Interrupted is set when the context ended before the batch was done; the rest
	// stays pending for the next sweep.
	Interrupted bool `json:"interrupted"`
}

// Sweep verifies pending donations older than the grace period, one at a time.
func (s *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.nowFn()}
	cutoff := report.StartedAt.Add(-s.config.GracePeriod)

	donations, err := s.repo.ListPendingDonations(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending donations: %w", err)
	}

	for i, d := range donations {
		if i > 0 {
			if err := s.sleepFn(ctx, s.config.Delay); err != nil {
				report.Interrupted = true
				break
			}
		}
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		report.Scanned++

		res, err := s.Verify(ctx, d.ID)
		if res == nil || res.Status == models.PaymentStatusPending {
			providerStatus := ""
			if res != nil {
				providerStatus = res.ProviderStatus
			}
			if terr := s.repo.TouchPendingDonation(ctx, d.ID, providerStatus, s.nowFn()); terr != nil {
				s.logger.Warnw("failed to stamp sweep visit", "donation_id", d.ID, "error", terr)
			}
		}
		switch {
		case errors.Is(err, ErrNoReference):
			report.Skipped++
		case err != nil:
			report.Errors++
			report.ErrorDetails = append(report.ErrorDetails, DonationError{DonationID: d.ID, Error: err.Error()})
			s.logger.Warnw("sweep verification failed", "donation_id", d.ID, "error", err)
		case res.Transitioned && res.Status == models.PaymentStatusCompleted:
			report.Completed++
		case res.Transitioned && res.Status == models.PaymentStatusFailed:
			report.Failed++
		case res.Status == models.PaymentStatusPending:
			report.InFlight++
		default:
			report.Skipped++
		}
	}

	report.FinishedAt = s.nowFn()
	s.logger.Infow("sweep finished", "scanned", report.Scanned, "completed", report.Completed,
		"failed", report.Failed, "skipped", report.Skipped, "in_flight", report.InFlight,
		"errors", report.Errors, "interrupted", report.Interrupted)
	return report, nil
}

// ReverifyOutcome is the per-donation result of a manual re-verify.
type ReverifyOutcome string

const (
	ReverifyFixed            ReverifyOutcome = "fixed"
	ReverifyStillFailed      ReverifyOutcome = "still_failed"
	ReverifyError            ReverifyOutcome = "error"
	ReverifyAuthError        ReverifyOutcome = "auth_error"
	ReverifyAlreadyCompleted ReverifyOutcome = "already_completed"
	ReverifyNotFound         ReverifyOutcome = "not_found"
	// ReverifySkipped covers pending donations, which belong to the sweep.
	ReverifySkipped ReverifyOutcome = "skipped"
)

const (
	defaultReverifyLimit = 50
	maxReverifyLimit     = 500
)

// ReverifyRequest selects failed donations either by id or by creation window.
type ReverifyRequest struct {
	IDs   []string  `json:"donation_ids"`
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Limit int       `json:"limit"`
	Actor string    `json:"-"`
}

type ReverifyResult struct {
	DonationID     string          `json:"donation_id"`
	Outcome        ReverifyOutcome `json:"outcome"`
	ProviderStatus string          `json:"provider_status,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type ReverifyReport struct {
	Results     []ReverifyResult `json:"results"`
	Fixed       int              `json:"fixed"`
	StillFailed int              `json:"still_failed"`
	Errors      int              `json:"errors"`
}

// Reverify re-checks an explicit, bounded set of failed donations. It is the only path
// that moves a donation from failed to completed.
func (s *Service) Reverify(ctx context.Context, req ReverifyRequest) (*ReverifyReport, error) {
	ids, err := s.reverifyTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("manual re-verify started", "actor", req.Actor, "donations", len(ids))

	report := &ReverifyReport{Results: make([]ReverifyResult, 0, len(ids))}
	for i, id := range ids {
		if i > 0 {
			if err := s.sleepFn(ctx, s.config.Delay); err != nil {
				break
			}
		}
		res := s.reverifyOne(ctx, id)
		switch res.Outcome {
		case ReverifyFixed:
			report.Fixed++
		case ReverifyStillFailed:
			report.StillFailed++
		case ReverifyError, ReverifyAuthError:
			report.Errors++
		}
		report.Results = append(report.Results, res)
	}

	s.logger.Infow("manual re-verify finished", "actor", req.Actor, "fixed", report.Fixed,
		"still_failed", report.StillFailed, "errors", report.Errors)
	return report, nil
}

func (s *Service) reverifyTargets(ctx context.Context, req ReverifyRequest) ([]string, error) {
	if len(req.IDs) > 0 {
		if len(req.IDs) > maxReverifyLimit {
			return nil, fmt.Errorf("%w: at most %d donation ids per request", models.ErrInvalidInput, maxReverifyLimit)
		}
		return req.IDs, nil
	}
	if req.Since.IsZero() {
		return nil, fmt.Errorf("%w: donation ids or a since time are required", models.ErrInvalidInput)
	}
	if !req.Until.IsZero() && !req.Until.After(req.Since) {
		return nil, fmt.Errorf("%w: until must be after since", models.ErrInvalidInput)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReverifyLimit
	}
	if limit > maxReverifyLimit {
		limit = maxReverifyLimit
	}

	donations, err := s.repo.ListFailedDonations(ctx, req.Since, req.Until, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(donations))
	for _, d := range donations {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *Service) reverifyOne(ctx context.Context, id string) ReverifyResult {
	res := ReverifyResult{DonationID: id}

	d, err := s.repo.GetDonation(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			res.Outcome = ReverifyNotFound
		} else {
			res.Outcome = ReverifyError
			res.Error = err.Error()
		}
		return res
	}

	switch d.PaymentStatus {
	case models.PaymentStatusCompleted:
		res.Outcome = ReverifyAlreadyCompleted
		return res
	case models.PaymentStatusPending:
		res.Outcome = ReverifySkipped
		return res
	}
	if d.Reference() == "" {
		res.Outcome = ReverifyStillFailed
		res.Error = ErrNoReference.Error()
		return res
	}

	v, err := s.adapter.VerifyPayment(ctx, d.PaymentMethod, d.Reference())
	if err != nil {
		res.Outcome = ReverifyError
		if provider.IsAuth(err) {
			res.Outcome = ReverifyAuthError
		}
		res.Error = err.Error()
		return res
	}
	res.ProviderStatus = v.ProviderStatus
	if v.Outcome != models.OutcomeVerified {
		res.Outcome = ReverifyStillFailed
		return res
	}

	vr, err := s.transition(ctx, d, models.DonationEventAdminFix, v, &VerifyResult{DonationID: d.ID})
	switch {
	case err != nil:
		res.Outcome = ReverifyError
		res.Error = err.Error()
	case vr.Transitioned:
		res.Outcome = ReverifyFixed
	case vr.Status == models.PaymentStatusCompleted:
		res.Outcome = ReverifyAlreadyCompleted
	default:
		res.Outcome = ReverifyStillFailed
	}
	return res
}
