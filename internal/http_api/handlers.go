package http_api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/internal/payout"
	"github.com/chainfund/settlement/internal/provider"
	"github.com/chainfund/settlement/internal/settlement"
)

// maxWebhookBody bounds provider payloads.
const maxWebhookBody = 1 << 20

// DonationResponse is returned when a donation is opened with its provider.
type DonationResponse struct {
	Success          bool   `json:"success"`
	DonationID       string `json:"donation_id"`
	Status           string `json:"status"`
	Reference        string `json:"reference"`
	ClientSecret     string `json:"client_secret,omitempty"`
	AuthorizationURL string `json:"authorization_url,omitempty"`
}

// RejectRequest is the body of a payout rejection.
type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// MarkRequest records a transfer outcome an operator confirmed with the provider.
type MarkRequest struct {
	Status models.PayoutStatus `json:"status" binding:"required,oneof=completed failed"`
	Reason string              `json:"reason"`
}

// ReverifyRequest selects failed donations to re-check.
type ReverifyRequest struct {
	DonationIDs []string  `json:"donation_ids" binding:"max=500"`
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
	Limit       int       `json:"limit" binding:"min=0,max=500"`
}

// PayoutQuery filters the payout listing.
type PayoutQuery struct {
	CampaignID  string `form:"campaign_id"`
	OwnerID     string `form:"owner_id"`
	Status      string `form:"status"`
	NeedsReview *bool  `form:"needs_review"`
	Limit       int    `form:"limit"`
	Offset      int    `form:"offset" binding:"min=0"`
}

// CommissionQuery filters the commission listing.
type CommissionQuery struct {
	ChainerID  string `form:"chainer_id"`
	CampaignID string `form:"campaign_id"`
	Status     string `form:"status"`
	Limit      int    `form:"limit"`
	Offset     int    `form:"offset" binding:"min=0"`
}

func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createDonation opens a donation with the chosen provider.
func (s *HTTPServer) createDonation(c *gin.Context) {
	var req settlement.DonationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	d, init, err := s.settlement.InitiateDonation(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, DonationResponse{
		Success:          true,
		DonationID:       d.ID,
		Status:           "processing",
		Reference:        init.Reference,
		ClientSecret:     init.ClientSecret,
		AuthorizationURL: init.AuthorizationURL,
	})
}

func (s *HTTPServer) donationStatus(c *gin.Context) {
	view, err := s.settlement.DonationStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// webhook acknowledges a provider push only after acting on it, so that the provider
// retries when we could not reach it to confirm.
func (s *HTTPServer) webhook(method models.PaymentMethod) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			s.badRequest(c, err)
			return
		}

		ev, err := s.webhooks.ParseWebhook(method, payload, c.Request.Header)
		if err != nil {
			s.logger.Warnw("Rejected webhook", "provider", method, "error", err)
			status := http.StatusBadRequest
			if provider.IsAdapterError(err) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{
				"success": false,
				"error":   err.Error(),
			})
			return
		}

		ctx := c.Request.Context()
		switch ev.Kind {
		case provider.EventPayment:
			res, err := s.settlement.HandleProviderEvent(ctx, method, ev.Reference)
			if errors.Is(err, models.ErrNotFound) {
				s.logger.Infow("webhook for unknown payment", "provider", method, "type", ev.Type, "reference", ev.Reference)
				c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true})
				return
			}
			if err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"success":      true,
				"donation_id":  res.DonationID,
				"status":       res.Status,
				"transitioned": res.Transitioned,
			})
		case provider.EventTransfer:
			res, err := s.reconciler.ReconcileReference(ctx, ev.Reference)
			switch {
			case errors.Is(err, models.ErrNotFound):
				s.logger.Infow("webhook for unknown transfer", "provider", method, "type", ev.Type, "reference", ev.Reference)
				c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true})
			case errors.Is(err, models.ErrStatusConflict):
				// already flagged for review; a retry would not change anything
				c.JSON(http.StatusOK, gin.H{"success": true, "flagged": true})
			case err != nil:
				s.fail(c, err)
			default:
				c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
			}
		default:
			s.logger.Debugw("ignoring webhook", "provider", method, "type", ev.Type)
			c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true})
		}
	}
}

// requestPayout is called by a campaign owner to withdraw raised funds.
func (s *HTTPServer) requestPayout(c *gin.Context) {
	var req payout.RequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	p, err := s.payouts.Request(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *HTTPServer) reverifyDonations(c *gin.Context) {
	var req ReverifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	report, err := s.settlement.Reverify(c.Request.Context(), settlement.ReverifyRequest{
		IDs:   req.DonationIDs,
		Since: req.Since,
		Until: req.Until,
		Limit: req.Limit,
		Actor: actor(c),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *HTTPServer) sweep(c *gin.Context) {
	s.logger.Infow("manual sweep requested", "actor", actor(c))
	report, err := s.settlement.Sweep(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *HTTPServer) listCommissions(c *gin.Context) {
	var q CommissionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, err)
		return
	}
	commissions, total, err := s.settlement.Commissions(c.Request.Context(), models.CommissionFilter{
		ChainerID:  q.ChainerID,
		CampaignID: q.CampaignID,
		Status:     models.CommissionStatus(q.Status),
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": commissions, "total": total})
}

func (s *HTTPServer) listPayouts(c *gin.Context) {
	var q PayoutQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, err)
		return
	}
	payouts, total, err := s.payouts.List(c.Request.Context(), models.PayoutFilter{
		CampaignID:  q.CampaignID,
		OwnerID:     q.OwnerID,
		Status:      models.PayoutStatus(q.Status),
		NeedsReview: q.NeedsReview,
		Limit:       q.Limit,
		Offset:      q.Offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "total": total})
}

func (s *HTTPServer) stuckPayouts(c *gin.Context) {
	var q struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, err)
		return
	}
	payouts, err := s.payouts.Stuck(c.Request.Context(), q.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "total": len(payouts)})
}

func (s *HTTPServer) getPayout(c *gin.Context) {
	p, err := s.payouts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *HTTPServer) approvePayout(c *gin.Context) {
	p, err := s.payouts.Approve(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *HTTPServer) rejectPayout(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	p, err := s.payouts.Reject(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *HTTPServer) transferPayout(c *gin.Context) {
	if actor(c) == "" {
		s.fail(c, models.ErrUnauthorized)
		return
	}
	p, err := s.payouts.InitiateTransfer(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *HTTPServer) markPayout(c *gin.Context) {
	var req MarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if actor(c) == "" {
		s.fail(c, models.ErrUnauthorized)
		return
	}
	p, err := s.payouts.MarkTerminal(c.Request.Context(), c.Param("id"), req.Status, actor(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *HTTPServer) reconcilePayout(c *gin.Context) {
	res, err := s.reconciler.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		if res == nil {
			s.fail(c, err)
			return
		}
		c.JSON(statusFor(err), gin.H{"success": false, "error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) reconcileAll(c *gin.Context) {
	report, err := s.reconciler.ReconcileAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
