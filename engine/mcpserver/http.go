package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spicemcp/spice/engine/infra/monitoring"
	"github.com/spicemcp/spice/engine/infra/ratelimit"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
	"github.com/spicemcp/spice/pkg/version"
	"go.opentelemetry.io/otel/metric"
)

const (
	streamablePath = "/mcp"
	ssePath        = "/sse"
	messagePath    = "/message"
	startupGrace   = 100 * time.Millisecond
)

// HTTPServer serves MCP over streamable HTTP and SSE next to health and metrics routes.
type HTTPServer struct {
	Router     *gin.Engine
	httpServer *http.Server
	config     *config.ServerConfig
	mcp        *Server
	streamable *server.StreamableHTTPServer
	sse        *server.SSEServer
	monitoring *monitoring.Service
}

// NewHTTPServer builds the router for s.
func NewHTTPServer(ctx context.Context, s *Server, cfg *config.ServerConfig) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(logger.FromContext(ctx)))
	router.Use(gin.Recovery())
	mon := s.deps.Monitoring
	var meter metric.Meter
	excluded := []string{"/healthz"}
	if mon != nil {
		router.Use(mon.GinMiddleware(ctx))
		meter = mon.Meter()
		excluded = append(excluded, mon.Path())
	}
	if rl := ratelimit.ConfigFrom(cfg, excluded...); rl.Enabled() {
		limiter, err := ratelimit.NewManager(rl, meter)
		if err != nil {
			logger.FromContext(ctx).Warn("Rate limiting disabled", "error", err)
		} else {
			router.Use(limiter.Middleware())
		}
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://" + addr
	}
	h := &HTTPServer{
		Router:     router,
		config:     cfg,
		mcp:        s,
		monitoring: mon,
		streamable: server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(streamablePath)),
		sse:        server.NewSSEServer(s.mcp, server.WithBaseURL(baseURL)),
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
	h.setupRoutes()
	return h
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.EscapedPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func (h *HTTPServer) setupRoutes() {
	h.Router.GET("/healthz", h.healthzHandler)
	streamable := gin.WrapH(h.streamable)
	h.Router.POST(streamablePath, streamable)
	h.Router.GET(streamablePath, streamable)
	h.Router.DELETE(streamablePath, streamable)
	h.Router.GET(ssePath, gin.WrapH(h.sse.SSEHandler()))
	h.Router.POST(messagePath, gin.WrapH(h.sse.MessageHandler()))
	if h.monitoring != nil {
		h.Router.GET(h.monitoring.Path(), gin.WrapH(h.monitoring.ExporterHandler()))
	}
}

func (h *HTTPServer) healthzHandler(c *gin.Context) {
	report := h.mcp.tools.Health(c.Request.Context())
	code := http.StatusOK
	if report.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    report.Status,
		"timestamp": time.Now().UTC(),
		"version":   version.Get().Version,
		"checks":    report,
	})
}

// Start serves until ctx is canceled or the listener fails, then shuts down gracefully.
func (h *HTTPServer) Start(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info("Starting MCP HTTP server", "addr", h.httpServer.Addr)
	errChan := make(chan error, 1)
	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server failed: %w", err)
		} else {
			errChan <- nil
		}
	}()
	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	case <-time.After(startupGrace):
	case <-ctx.Done():
		return h.Stop(context.WithoutCancel(ctx))
	}
	log.Info("MCP HTTP server started",
		"streamable", streamablePath,
		"sse", ssePath,
		"message", messagePath,
	)
	return h.waitForShutdown(ctx, errChan)
}

// Stop gracefully stops the server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info("Shutting down MCP HTTP server")
	timeout := h.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := h.sse.Shutdown(shutdownCtx); err != nil {
		log.Error("SSE transport shutdown failed", "error", err)
	}
	if err := h.streamable.Shutdown(shutdownCtx); err != nil {
		log.Error("Streamable transport shutdown failed", "error", err)
	}
	if err := h.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
		return err
	}
	log.Info("MCP HTTP server stopped gracefully")
	return nil
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, errChan <-chan error) error {
	log := logger.FromContext(ctx)
	select {
	case <-ctx.Done():
		log.Debug("Context canceled, shutting down server")
		return h.Stop(context.WithoutCancel(ctx))
	case err := <-errChan:
		if err != nil {
			log.Error("HTTP server failed", "error", err)
			if stopErr := h.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				log.Error("Failed to stop server after HTTP failure", "error", stopErr)
			}
			return err
		}
		return h.Stop(context.WithoutCancel(ctx))
	}
}
