package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRouterForTest(t *testing.T, cfg *Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	r.Use(m.Middleware())
	r.GET("/t", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func doReq(r *gin.Engine, path, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if ip != "" {
		req.Header.Set("X-Real-IP", ip)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestManager_Middleware(t *testing.T) {
	t.Run("Should block the second request in a period", func(t *testing.T) {
		r := buildRouterForTest(t, &Config{Limit: 1, Period: time.Second})
		require.Equal(t, http.StatusOK, doReq(r, "/t", "1.2.3.4").Code)
		res := doReq(r, "/t", "1.2.3.4")
		require.Equal(t, http.StatusTooManyRequests, res.Code)
		assert.NotEmpty(t, res.Header().Get("Retry-After"))
	})
	t.Run("Should refill after the period", func(t *testing.T) {
		r := buildRouterForTest(t, &Config{Limit: 1, Period: 100 * time.Millisecond})
		require.Equal(t, http.StatusOK, doReq(r, "/t", "5.6.7.8").Code)
		require.Equal(t, http.StatusTooManyRequests, doReq(r, "/t", "5.6.7.8").Code)
		time.Sleep(150 * time.Millisecond)
		require.Equal(t, http.StatusOK, doReq(r, "/t", "5.6.7.8").Code)
	})
	t.Run("Should count clients separately", func(t *testing.T) {
		r := buildRouterForTest(t, &Config{Limit: 1, Period: time.Minute})
		require.Equal(t, http.StatusOK, doReq(r, "/t", "10.0.0.1").Code)
		require.Equal(t, http.StatusOK, doReq(r, "/t", "10.0.0.2").Code)
	})
	t.Run("Should set budget headers", func(t *testing.T) {
		r := buildRouterForTest(t, &Config{Limit: 2, Period: time.Minute})
		res := doReq(r, "/t", "9.9.9.9")
		assert.Equal(t, "2", res.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", res.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, res.Header().Get("X-RateLimit-Reset"))
	})
	t.Run("Should skip excluded paths", func(t *testing.T) {
		r := buildRouterForTest(t, &Config{Limit: 1, Period: time.Minute, ExcludedPaths: []string{"/healthz"}})
		for range 3 {
			res := doReq(r, "/healthz", "7.7.7.7")
			require.Equal(t, http.StatusOK, res.Code)
			assert.Empty(t, res.Header().Get("X-RateLimit-Limit"))
		}
	})
}

func TestConfig(t *testing.T) {
	t.Run("Should read the server limits", func(t *testing.T) {
		cfg := config.Default()
		rl := ConfigFrom(&cfg.Server, "/healthz")
		assert.Equal(t, cfg.Server.RateLimit.Limit, rl.Limit)
		assert.Equal(t, []string{"/healthz"}, rl.ExcludedPaths)
		assert.True(t, rl.Enabled())
		require.NoError(t, rl.Validate())
	})
	t.Run("Should treat a zero limit as disabled", func(t *testing.T) {
		rl := &Config{Limit: 0, Period: time.Minute}
		assert.False(t, rl.Enabled())
		assert.Error(t, rl.Validate())
		_, err := NewManager(rl, nil)
		assert.Error(t, err)
	})
	t.Run("Should reject a zero period", func(t *testing.T) {
		assert.Error(t, (&Config{Limit: 5}).Validate())
	})
}
