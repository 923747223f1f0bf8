// Package api provides the HTTP server of the bridge. It wires the gin
// engine with the OpenAI-compatible routes, the agent WebSocket endpoint,
// the monitoring endpoints, and the dynamic-config endpoints, and supports
// hot-reloading of the configuration.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/router-for-me/LMArenaBridge/internal/agent"
	"github.com/router-for-me/LMArenaBridge/internal/api/handlers"
	"github.com/router-for-me/LMArenaBridge/internal/api/handlers/openai"
	"github.com/router-for-me/LMArenaBridge/internal/bridge"
	"github.com/router-for-me/LMArenaBridge/internal/config"
	"github.com/router-for-me/LMArenaBridge/internal/logging"
	"github.com/router-for-me/LMArenaBridge/internal/registry"
	"github.com/router-for-me/LMArenaBridge/internal/stats"
	"github.com/router-for-me/LMArenaBridge/internal/util"
	log "github.com/sirupsen/logrus"
)

// Server represents the main API server.
// It encapsulates the Gin engine, HTTP server, handlers, and configuration.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// handlers contains the shared handler bundle.
	handlers *handlers.APIHandlers

	// cfg holds the current server configuration.
	cfg *config.Config

	// link is the agent WebSocket link.
	link *agent.Link

	// requests is the in-flight request registry, reconfigured on reload.
	requests *bridge.Registry

	// requestLogger writes per-request JSONL records.
	requestLogger *logging.RequestLogger

	// configFilePath is the path of the YAML config file for persistence.
	configFilePath string

	startedAt time.Time
}

// NewServer creates and initializes a new API server instance.
// It sets up the Gin engine, middleware, routes, and handlers.
func NewServer(cfg *config.Config, requests *bridge.Registry, models *registry.ModelRegistry, link *agent.Link, collector *stats.Collector, requestLogger *logging.RequestLogger, configFilePath string) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:         engine,
		handlers:       handlers.NewAPIHandlers(cfg, requests, models, link, collector, requestLogger),
		cfg:            cfg,
		link:           link,
		requests:       requests,
		requestLogger:  requestLogger,
		configFilePath: configFilePath,
		startedAt:      time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	return s
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewOpenAIAPIHandlers(s.handlers)

	// OpenAI compatible API routes
	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", openaiHandlers.ListModels)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/refresh-models", openaiHandlers.RefreshModels)
		v1.GET("/refresh-models", openaiHandlers.RefreshModels)
	}

	// The browser agent connects here.
	s.engine.GET("/ws", func(c *gin.Context) {
		s.link.HandleUpgrade(c.Writer, c.Request)
	})

	// Monitoring
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/api/stats/summary", s.statsSummaryHandler)
	s.engine.GET("/api/requests/recent", s.recentRequestsHandler)
	s.engine.GET("/api/request/:id", s.requestDetailHandler)

	// Dynamic configuration
	s.engine.GET("/api/config", s.getConfigHandler)
	s.engine.POST("/api/config", s.updateConfigHandler)

	// Root endpoint
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "LMArena Bridge",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
				"POST /v1/refresh-models",
				"GET /ws",
				"GET /health",
			},
		})
	})
}

// healthHandler reports liveness plus the agent link state, so load
// balancers and dashboards see browser disconnects immediately.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"browser_connected": s.link.Connected(),
		"active_requests":   s.requests.Live(),
		"uptime_seconds":    time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) statsSummaryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.handlers.Stats.Summarize())
}

func (s *Server) recentRequestsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"requests": s.handlers.Stats.Recent(50),
	})
}

func (s *Server) requestDetailHandler(c *gin.Context) {
	detail := s.handlers.Stats.Get(c.Param("id"))
	if detail == nil {
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{Error: handlers.ErrorDetail{
			Message: "Request not found",
			Type:    "invalid_request_error",
		}})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// getConfigHandler returns the runtime-tunable part of the configuration.
func (s *Server) getConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"timeout_seconds":         s.cfg.Request.TimeoutSeconds,
		"max_concurrent_requests": s.cfg.Request.MaxConcurrent,
		"backpressure_queue_size": s.cfg.Request.QueueSize,
		"ping_interval_seconds":   s.cfg.Request.PingIntervalSeconds,
		"request_log":             s.cfg.RequestLog,
		"debug":                   s.cfg.Debug,
	})
}

// updateConfigHandler applies and persists tunable changes. Unknown or
// zero-valued fields keep their current values.
func (s *Server) updateConfigHandler(c *gin.Context) {
	var body struct {
		TimeoutSeconds      *int  `json:"timeout_seconds"`
		MaxConcurrent       *int  `json:"max_concurrent_requests"`
		QueueSize           *int  `json:"backpressure_queue_size"`
		PingIntervalSeconds *int  `json:"ping_interval_seconds"`
		RequestLog          *bool `json:"request_log"`
		Debug               *bool `json:"debug"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{Error: handlers.ErrorDetail{
			Message: "Invalid config payload: " + err.Error(),
			Type:    "invalid_request_error",
		}})
		return
	}

	cfg := *s.cfg
	if body.TimeoutSeconds != nil {
		cfg.Request.TimeoutSeconds = *body.TimeoutSeconds
	}
	if body.MaxConcurrent != nil {
		cfg.Request.MaxConcurrent = *body.MaxConcurrent
	}
	if body.QueueSize != nil {
		cfg.Request.QueueSize = *body.QueueSize
	}
	if body.PingIntervalSeconds != nil {
		cfg.Request.PingIntervalSeconds = *body.PingIntervalSeconds
	}
	if body.RequestLog != nil {
		cfg.RequestLog = *body.RequestLog
	}
	if body.Debug != nil {
		cfg.Debug = *body.Debug
	}
	cfg.SetDefaults()

	if s.configFilePath != "" {
		if err := config.SaveConfig(s.configFilePath, &cfg); err != nil {
			log.Errorf("api: failed to persist config: %v", err)
		}
	}

	s.UpdateConfig(&cfg)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UpdateConfig applies a new configuration to the running server. Called by
// the dynamic-config endpoint and the file watcher.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if s.requestLogger != nil && s.cfg.RequestLog != cfg.RequestLog {
		s.requestLogger.SetEnabled(cfg.RequestLog)
		log.Debugf("request logging updated from %t to %t", s.cfg.RequestLog, cfg.RequestLog)
	}

	if s.cfg.Debug != cfg.Debug {
		util.SetLogLevel(cfg)
		log.Debugf("debug mode updated from %t to %t", s.cfg.Debug, cfg.Debug)
	}

	s.requests.SetLimits(cfg.Request.MaxConcurrent, cfg.Request.QueueSize, cfg.Request.Timeout())
	s.link.SetPingInterval(cfg.Request.PingInterval())

	s.cfg = cfg
	s.handlers.UpdateConfig(cfg)
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	log.Debugf("Starting API server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", err)
	}

	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}

	log.Debug("API server stopped")
	return nil
}

// corsMiddleware returns a Gin middleware handler that adds CORS headers
// to every response, allowing cross-origin requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
