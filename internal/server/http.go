package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/classlink-audio/internal/bus"
	"github.com/skypro1111/classlink-audio/internal/health"
	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/node"
	"github.com/skypro1111/classlink-audio/internal/protocol"
	"github.com/skypro1111/classlink-audio/internal/registry"
	"github.com/skypro1111/classlink-audio/internal/stream"
)

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
	Debug   bool
}

// BusStatus reports the control bus connection state
type BusStatus interface {
	State() bus.State
}

// ModeSubmitter queues a mode change for the node loop
type ModeSubmitter interface {
	Submit(cmd protocol.HostCommand) bool
}

// HTTPDeps are the components exposed by the API. Machine is required; the
// hub-only endpoints are registered only when their component is set.
type HTTPDeps struct {
	Role     string
	Machine  *node.Machine
	Bus      BusStatus
	Commands ModeSubmitter

	Sessions *stream.Manager
	Registry *registry.Registry
	Receiver *Receiver
	Router   *Router

	Health   *health.Handler
	Gatherer prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server  *http.Server
	router  *gin.Engine
	deps    HTTPDeps
	logger  *slog.Logger
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, deps HTTPDeps, logger *slog.Logger, m *metrics.Metrics) (*HTTPServer, error) {
	if deps.Machine == nil {
		return nil, fmt.Errorf("http server requires a state machine")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.New()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	h := &HTTPServer{
		router:    gin.New(),
		deps:      deps,
		logger:    logger,
		metrics:   m,
		startTime: time.Now(),
	}

	h.setupMiddleware()
	h.setupRoutes()

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h, nil
}

func (h *HTTPServer) setupMiddleware() {
	h.router.Use(gin.Recovery())
	h.router.Use(h.requestMetrics())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}
	h.router.Use(cors.New(corsConfig))
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() {
	h.deps.Health.Register(h.router)
	h.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := h.router.Group("/api/v1")
	{
		v1.GET("/state", h.handleState)
		v1.GET("/stats", h.handleStats)

		if h.deps.Commands != nil {
			v1.POST("/mode", h.handleSetMode)
		}
		if h.deps.Sessions != nil {
			v1.GET("/sources", h.handleSources)
		}
		if h.deps.Registry != nil {
			v1.GET("/devices", h.handleDevices)
		}
	}
}

// requestMetrics records every request with its route template
func (h *HTTPServer) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		h.metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), time.Since(start).Seconds())

		h.logger.Debug("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

// Handler returns the HTTP handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.logger.Info("Starting HTTP API server", slog.String("address", h.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}

// handleState implements GET /api/v1/state
func (h *HTTPServer) handleState(c *gin.Context) {
	st := h.deps.Machine.State()

	resp := gin.H{
		"node":      h.deps.Machine.NodeID(),
		"role":      h.deps.Role,
		"state":     st,
		"mode":      st.Mode().String(),
		"capturing": st.Capturing(),
		"flags":     st.PacketFlags().String(),
		"timestamp": time.Now().UTC(),
	}
	if h.deps.Bus != nil {
		resp["bus"] = h.deps.Bus.State().String()
	}
	c.JSON(http.StatusOK, resp)
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// handleSetMode implements POST /api/v1/mode. The change is queued for the
// node loop, which applies it on its next iteration.
func (h *HTTPServer) handleSetMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"mode\": \"class\"|\"private\"}"})
		return
	}

	mode, err := protocol.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.deps.Machine.Binding(node.FlagClassMode).Source != node.SourceHost {
		c.JSON(http.StatusConflict, gin.H{"error": "class mode is not controlled by the host on this node"})
		return
	}

	if !h.deps.Commands.Submit(protocol.HostCommand{Mode: mode}) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command queue full"})
		return
	}

	h.logger.Info("Mode change queued", slog.String("mode", mode.String()))
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "mode": mode.String()})
}

// handleSources implements GET /api/v1/sources
func (h *HTTPServer) handleSources(c *gin.Context) {
	sources := h.deps.Sessions.GetAllSessions()
	c.JSON(http.StatusOK, gin.H{
		"total_sources": len(sources),
		"timestamp":     time.Now().UTC(),
		"sources":       sources,
	})
}

// handleDevices implements GET /api/v1/devices
func (h *HTTPServer) handleDevices(c *gin.Context) {
	devices := h.deps.Registry.List()
	c.JSON(http.StatusOK, gin.H{
		"total_devices": len(devices),
		"timestamp":     time.Now().UTC(),
		"devices":       devices,
	})
}

// handleStats implements GET /api/v1/stats
func (h *HTTPServer) handleStats(c *gin.Context) {
	resp := gin.H{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.deps.Receiver != nil {
		resp["receiver"] = h.deps.Receiver.GetStatistics()
	}
	if h.deps.Router != nil {
		resp["routes"] = h.deps.Router.Stats()
	}
	if h.deps.Registry != nil {
		resp["devices"] = h.deps.Registry.Count()
	}
	c.JSON(http.StatusOK, resp)
}
