// Package middleware holds the gin middleware for the console API: the
// session auth gate, the static API key check for the external API, CORS and
// request logging.
package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"space-manager/pkg/apierr"
	"space-manager/pkg/observability"
	"space-manager/pkg/session"
)

const sessionKey = "space_manager_session"

// Authorizer validates a session token without extending it.
// *session.Store implements it.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*session.Session, error)
}

// SetSession stores the authorized session in the gin context.
func SetSession(c *gin.Context, sess *session.Session) {
	c.Set(sessionKey, sess)
}

// SessionFrom returns the session stored by Gate, or nil.
func SessionFrom(c *gin.Context) *session.Session {
	if v, exists := c.Get(sessionKey); exists {
		if sess, ok := v.(*session.Session); ok {
			return sess
		}
	}
	return nil
}

// Gate rejects requests without a valid session with 401 before any handler
// runs. Preflight requests and routes listed in exempt (gin full paths)
// pass through untouched.
func Gate(authz Authorizer, logger *slog.Logger, metrics *observability.Metrics, exempt ...string) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || slices.Contains(exempt, c.FullPath()) {
			c.Next()
			return
		}

		token := BearerToken(c)
		if token == "" {
			metrics.RecordSession("authorize", observability.OutcomeError)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid authorization header",
			})
			return
		}

		sess, err := authz.Authorize(c.Request.Context(), token)
		if err != nil {
			metrics.RecordSession("authorize", observability.OutcomeError)
			status := apierr.HTTPStatus(err)
			if status == http.StatusInternalServerError {
				logger.Error("session lookup failed", "path", c.FullPath(), "error", err)
			}
			c.AbortWithStatusJSON(status, gin.H{"error": apierr.MessageOf(err)})
			return
		}

		metrics.RecordSession("authorize", observability.OutcomeSuccess)
		SetSession(c, sess)
		c.Next()
	}
}

// QueryToken moves a session token passed in the query parameter param onto
// the Authorization header for the listed routes (gin full paths), and strips
// it from the URL so nothing downstream records it. EventSource cannot set
// request headers. An explicit Authorization header takes precedence.
func QueryToken(param string, routes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(routes, c.FullPath()) {
			c.Next()
			return
		}

		query := c.Request.URL.Query()
		if query.Has(param) {
			token := strings.TrimSpace(query.Get(param))
			query.Del(param)
			c.Request.URL.RawQuery = query.Encode()
			c.Request.RequestURI = c.Request.URL.RequestURI()
			if token != "" && c.GetHeader("Authorization") == "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}
		c.Next()
	}
}

// APIKey protects the external API with a static bearer key. keyFn is read
// on every request; an empty key disables the API with 503.
func APIKey(keyFn func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		want := keyFn()
		if want == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "external API is not configured",
			})
			return
		}

		got := BearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid API key",
			})
			return
		}
		c.Next()
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>". The
// scheme is matched case-insensitively.
func BearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
