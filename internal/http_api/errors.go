package http_api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/internal/provider"
	"github.com/chainfund/settlement/internal/settlement"
)

const actorKey = "admin_actor"

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrStatusConflict),
		errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, settlement.ErrNoReference):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case provider.IsAdapterError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Errorw("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	} else {
		s.logger.Debugw("request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   msg,
	})
}

func (s *HTTPServer) badRequest(c *gin.Context, err error) {
	s.logger.Debugw("Invalid request body", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "Invalid request body: " + err.Error(),
	})
}

// adminAuth checks the bearer token and records the acting operator from X-Admin-Actor.
func (s *HTTPServer) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.logger.Warnw("Rejected admin request", "path", c.FullPath(), "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid admin token",
			})
			return
		}
		c.Set(actorKey, strings.TrimSpace(c.GetHeader("X-Admin-Actor")))
		c.Next()
	}
}

func actor(c *gin.Context) string {
	return c.GetString(actorKey)
}
