package http_api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/internal/payout"
	"github.com/chainfund/settlement/internal/provider"
	"github.com/chainfund/settlement/internal/settlement"
	"github.com/chainfund/settlement/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// WebhookParser authenticates and decodes provider pushes.
type WebhookParser interface {
	ParseWebhook(method models.PaymentMethod, payload []byte, header http.Header) (*provider.WebhookEvent, error)
}

// Deps are the services the API exposes.
type Deps struct {
	Settlement *settlement.Service
	Payouts    *payout.Service
	Reconciler *payout.Reconciler
	Webhooks   WebhookParser
	// AdminToken guards the /api/v1/admin routes. Empty disables them.
	AdminToken string
}

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int

	// server is the underlying HTTP server
	server *http.Server

	settlement *settlement.Service
	payouts    *payout.Service
	reconciler *payout.Reconciler
	webhooks   WebhookParser
	adminToken string
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Admin-Actor")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(deps Deps, port int, logger *logger.Logger) *HTTPServer {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	// Add CORS middleware
	router.Use(corsMiddleware())

	server := &HTTPServer{
		router:     router,
		port:       port,
		logger:     logger,
		settlement: deps.Settlement,
		payouts:    deps.Payouts,
		reconciler: deps.Reconciler,
		webhooks:   deps.Webhooks,
		adminToken: deps.AdminToken,
	}

	// Define routes
	server.routes()

	return server
}

// Handler exposes the router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("0.0.0.0:%v", s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Fatal("Failed to start the HTTP server: ", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}

func requestLogger(logger *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
