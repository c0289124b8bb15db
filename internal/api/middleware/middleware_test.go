package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	userID string
	err    error
}

func (s stubVerifier) Verify(token string) (string, error) {
	return s.userID, s.err
}

func serve(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func protectedRouter(verifier TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", RequireAuth(verifier), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c)})
	})
	return router
}

func TestRequireAuthAcceptsBearerToken(t *testing.T) {
	router := protectedRouter(stubVerifier{userID: "u1"})

	w := serve(router, "Bearer good-token")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "u1")
}

func TestRequireAuthRejectsMissingOrMalformedHeader(t *testing.T) {
	router := protectedRouter(stubVerifier{userID: "u1"})

	for _, header := range []string{"", "Bearer ", "Basic dXNlcg==", "good-token"} {
		w := serve(router, header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestRequireAuthRejectsInvalidToken(t *testing.T) {
	router := protectedRouter(stubVerifier{err: errors.New("expired")})

	w := serve(router, "Bearer stale")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitEnforcesWindow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", RateLimit(RateLimitConfig{Requests: 3, Window: time.Hour}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestDefaultLimits(t *testing.T) {
	assert.Equal(t, RateLimitConfig{Requests: 10, Window: 15 * time.Minute}, AuthRateLimit())
	assert.Equal(t, RateLimitConfig{Requests: 100, Window: 15 * time.Minute}, DataRateLimit())
}
