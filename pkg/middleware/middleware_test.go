package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"space-manager/pkg/apierr"
	"space-manager/pkg/kv"
	"space-manager/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGatedRouter(authz Authorizer) (*gin.Engine, *int) {
	hits := 0
	r := gin.New()
	r.Use(CORS())
	api := r.Group("/api/v1", Gate(authz, quietLogger(), nil, "/api/v1/login"))
	api.GET("/protected", func(c *gin.Context) {
		hits++
		sess := SessionFrom(c)
		c.JSON(http.StatusOK, gin.H{"account_id": sess.AccountID})
	})
	api.POST("/login", func(c *gin.Context) {
		hits++
		c.Status(http.StatusOK)
	})
	return r, &hits
}

func TestGate_MissingToken(t *testing.T) {
	store := session.NewStore(kv.NewMemoryStore())
	r, hits := newGatedRouter(store)

	for _, header := range []string{"", "Basic abc", "Bearer", "Token xyz"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
	assert.Zero(t, *hits)
}

func TestGate_ValidSession(t *testing.T) {
	store := session.NewStore(kv.NewMemoryStore())
	sess, err := store.Create(context.Background(), "admin")
	require.NoError(t, err)
	r, hits := newGatedRouter(store)

	for _, scheme := range []string{"Bearer", "bearer", "BEARER"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
		req.Header.Set("Authorization", scheme+" "+sess.Token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code, "scheme %q", scheme)
		assert.JSONEq(t, `{"account_id": "admin"}`, w.Body.String())
	}
	assert.Equal(t, 3, *hits)
}

func TestGate_DoesNotExtendSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := session.NewStore(kv.NewMemoryStoreWithClock(clock), session.WithTTL(time.Hour), session.WithClock(clock))
	sess, err := store.Create(context.Background(), "admin")
	require.NoError(t, err)
	r, _ := newGatedRouter(store)

	now = now.Add(59 * time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	now = now.Add(time.Minute)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "expired")
}

func TestGate_ExemptAndPreflight(t *testing.T) {
	store := session.NewStore(kv.NewMemoryStore())
	r, hits := newGatedRouter(store)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/login", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, *hits)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/protected", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, 1, *hits)
}

type brokenAuthz struct{}

func (brokenAuthz) Authorize(context.Context, string) (*session.Session, error) {
	return nil, apierr.Wrap(apierr.KindStorage, "could not read session", errors.New("disk"))
}

func TestGate_StorageFailure(t *testing.T) {
	r, hits := newGatedRouter(brokenAuthz{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk")
	assert.NotContains(t, w.Body.String(), "whatever")
	assert.Zero(t, *hits)
}

func TestGate_StorageFailureNeverLogsToken(t *testing.T) {
	backing, err := kv.OpenBadger(kv.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	store := session.NewStore(backing)
	sess, err := store.Create(context.Background(), "admin")
	require.NoError(t, err)
	require.NoError(t, backing.Close())

	var logs bytes.Buffer
	r := gin.New()
	api := r.Group("/api/v1", Gate(store, slog.New(slog.NewJSONHandler(&logs, nil)), nil))
	api.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, logs.String(), "session lookup failed")
	assert.NotContains(t, logs.String(), sess.Token)
	assert.NotContains(t, logs.String(), sess.Token[:16])
	assert.NotContains(t, w.Body.String(), sess.Token)
}

func TestQueryToken(t *testing.T) {
	store := session.NewStore(kv.NewMemoryStore())
	sess, err := store.Create(context.Background(), "admin")
	require.NoError(t, err)

	var seenQuery string
	r := gin.New()
	r.Use(QueryToken("access_token", "/api/v1/stream"))
	api := r.Group("/api/v1", Gate(store, quietLogger(), nil))
	api.GET("/stream", func(c *gin.Context) {
		seenQuery = c.Request.URL.RawQuery
		c.Status(http.StatusOK)
	})
	api.GET("/other", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(target string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("/api/v1/stream?client_id=c1&access_token="+sess.Token))
	assert.Equal(t, "client_id=c1", seenQuery)
	assert.NotContains(t, seenQuery, sess.Token)

	assert.Equal(t, http.StatusUnauthorized, do("/api/v1/stream?access_token=bogus"))
	assert.Equal(t, http.StatusUnauthorized, do("/api/v1/stream"))

	// Only the listed routes accept a query token.
	assert.Equal(t, http.StatusUnauthorized, do("/api/v1/other?access_token="+sess.Token))
}

func TestAPIKey(t *testing.T) {
	key := ""
	r := gin.New()
	r.GET("/ext", APIKey(func() string { return key }), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/ext", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, do("Bearer anything"))

	key = "k-123"
	assert.Equal(t, http.StatusUnauthorized, do(""))
	assert.Equal(t, http.StatusUnauthorized, do("Bearer wrong"))
	assert.Equal(t, http.StatusOK, do("Bearer k-123"))
}

func TestRequestLogger_AssignsID(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(quietLogger()))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "3f2504e0-4f89-41d3-9a0c-0305e82c3301")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "3f2504e0-4f89-41d3-9a0c-0305e82c3301", w.Header().Get("X-Request-ID"))
}
