package mcpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spicemcp/spice/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestHTTPServer(t *testing.T) {
	t.Run("Should report health", func(t *testing.T) {
		f := newServerFixture(t, nil)
		h := NewHTTPServer(context.Background(), f.server, &f.cfg.Server)
		w := httptest.NewRecorder()
		h.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
		require.Equal(t, http.StatusOK, w.Code)
		body := gjson.Parse(w.Body.String())
		assert.Equal(t, StatusOK, body.Get("status").String())
		assert.True(t, body.Get("checks.api_key_present").Bool())
	})
	t.Run("Should return 503 when degraded", func(t *testing.T) {
		f := newServerFixture(t, func(cfg *config.Config) { cfg.Dune.APIKey = "" })
		h := NewHTTPServer(context.Background(), f.server, &f.cfg.Server)
		w := httptest.NewRecorder()
		h.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
	t.Run("Should answer MCP initialize over streamable HTTP", func(t *testing.T) {
		f := newServerFixture(t, nil)
		h := NewHTTPServer(context.Background(), f.server, &f.cfg.Server)
		body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
			`"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		w := httptest.NewRecorder()
		h.Router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"name":"spice"`)
	})
	t.Run("Should expose the metrics route", func(t *testing.T) {
		f := newServerFixture(t, nil)
		h := NewHTTPServer(context.Background(), f.server, &f.cfg.Server)
		w := httptest.NewRecorder()
		h.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
	t.Run("Should rate limit clients but not health probes", func(t *testing.T) {
		f := newServerFixture(t, func(cfg *config.Config) { cfg.Server.RateLimit.Limit = 1 })
		h := NewHTTPServer(context.Background(), f.server, &f.cfg.Server)
		do := func(method, path string) int {
			w := httptest.NewRecorder()
			h.Router.ServeHTTP(w, httptest.NewRequest(method, path, http.NoBody))
			return w.Code
		}
		assert.NotEqual(t, http.StatusTooManyRequests, do(http.MethodPost, "/message"))
		assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost, "/message"))
		assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz"))
		assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz"))
		assert.NotEqual(t, http.StatusTooManyRequests, do(http.MethodGet, "/metrics"))
	})
	t.Run("Should stop when the context is canceled", func(t *testing.T) {
		f := newServerFixture(t, func(cfg *config.Config) {
			cfg.Server.Host = "127.0.0.1"
			cfg.Server.Port = 0
		})
		h := NewHTTPServer(context.Background(), f.server, &f.cfg.Server)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.Start(ctx) }()
		cancel()
		assert.NoError(t, <-done)
	})
}
