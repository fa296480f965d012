package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"space-manager/pkg/apierr"
	"space-manager/pkg/middleware"
	"space-manager/pkg/observability"
)

// loginRequest is the JSON body for POST /api/v1/login.
type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	AccountID string    `json:"account_id"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.deps.Authenticator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "operator login is not configured",
		})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "username and password are required",
		})
		return
	}

	if err := s.deps.Authenticator.Check(req.Username, req.Password); err != nil {
		s.deps.Metrics.RecordSession("login", observability.OutcomeError)
		s.logger.Info("login rejected", "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": apierr.MessageOf(err),
		})
		return
	}

	sess, err := s.deps.Sessions.Create(c.Request.Context(), req.Username)
	if err != nil {
		s.deps.Metrics.RecordSession("login", observability.OutcomeError)
		s.respondError(c, err)
		return
	}

	s.deps.Metrics.RecordSession("login", observability.OutcomeSuccess)
	s.logger.Info("operator logged in", "account", sess.AccountID)
	c.JSON(http.StatusOK, loginResponse{
		Success:   true,
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		AccountID: sess.AccountID,
	})
}

// handleVerify always answers 200; validity is reported in the body. A
// valid session's expiry is slid forward.
func (s *Server) handleVerify(c *gin.Context) {
	token := middleware.BearerToken(c)
	if token == "" {
		c.JSON(http.StatusOK, gin.H{"valid": false, "message": "no session token provided"})
		return
	}

	sess, err := s.deps.Sessions.Verify(c.Request.Context(), token)
	switch {
	case err == nil:
		s.deps.Metrics.RecordSession("verify", observability.OutcomeSuccess)
		c.JSON(http.StatusOK, gin.H{
			"valid":      true,
			"account_id": sess.AccountID,
			"expires_at": sess.ExpiresAt,
		})
	case errors.Is(err, apierr.ErrSessionNotFound), errors.Is(err, apierr.ErrSessionExpired):
		s.deps.Metrics.RecordSession("verify", observability.OutcomeNotFound)
		c.JSON(http.StatusOK, gin.H{"valid": false, "message": apierr.MessageOf(err)})
	default:
		s.deps.Metrics.RecordSession("verify", observability.OutcomeError)
		s.respondError(c, err)
	}
}

// handleLogout is idempotent: unknown and missing tokens succeed too.
func (s *Server) handleLogout(c *gin.Context) {
	if token := middleware.BearerToken(c); token != "" {
		if err := s.deps.Sessions.Destroy(c.Request.Context(), token); err != nil {
			s.respondError(c, err)
			return
		}
		s.deps.Metrics.RecordSession("logout", observability.OutcomeSuccess)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
