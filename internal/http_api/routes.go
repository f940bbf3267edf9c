package http_api

import "github.com/chainfund/settlement/internal/models"

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.health)

	v1 := s.router.Group("/api/v1")
	v1.POST("/donations", s.createDonation)
	v1.GET("/donations/:id/status", s.donationStatus)
	v1.POST("/payouts", s.requestPayout)

	v1.POST("/webhooks/stripe", s.webhook(models.PaymentMethodStripe))
	v1.POST("/webhooks/paystack", s.webhook(models.PaymentMethodPaystack))
	v1.POST("/webhooks/omise", s.webhook(models.PaymentMethodOmise))

	admin := v1.Group("/admin", s.adminAuth())
	admin.POST("/donations/reverify", s.reverifyDonations)
	admin.POST("/sweep", s.sweep)
	admin.GET("/commissions", s.listCommissions)

	admin.GET("/payouts", s.listPayouts)
	admin.GET("/payouts/stuck", s.stuckPayouts)
	admin.POST("/payouts/reconcile", s.reconcileAll)
	admin.GET("/payouts/:id", s.getPayout)
	admin.POST("/payouts/:id/approve", s.approvePayout)
	admin.POST("/payouts/:id/reject", s.rejectPayout)
	admin.POST("/payouts/:id/transfer", s.transferPayout)
	admin.POST("/payouts/:id/status", s.markPayout)
	admin.POST("/payouts/:id/reconcile", s.reconcilePayout)
}
