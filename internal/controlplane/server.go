// Package controlplane exposes the hub's state over HTTP: /api/v1
// download and client endpoints that translate into Transfer manager
// and Endpoint registry calls.
package controlplane

import (
	"net/http"
	"time"

	"github.com/artemis/pullhub/internal/endpoint"
	"github.com/artemis/pullhub/internal/observability"
	"github.com/artemis/pullhub/internal/transfer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Notifier is the outbound half of the message hub the control plane
// needs: sending a DOWNLOAD_REQUEST after creating a transfer, and a
// best-effort CANCEL_DOWNLOAD after cancelling one. Declared here
// rather than depending on the concrete hub type so tests don't need a
// live WebSocket server.
type Notifier interface {
	SendDownloadRequest(requestID, clientID, filePath string) error
	SendCancel(requestID, endpointID, reason string)
}

// Version is the build's reported version string for GET /health.
var Version = "dev"

// Server holds the dependencies the HTTP handlers call into and owns
// the gin route table.
type Server struct {
	registry    *endpoint.Registry
	transfers   *transfer.Manager
	notifier    Notifier
	logger      *observability.Logger
	startedAt   time.Time
	broadcaster *Broadcaster
	health      *observability.HealthChecker

	router *gin.Engine
}

// NewServer builds a Server and registers its routes on a fresh gin
// engine reachable via Router(). health backs the process-level
// /healthz and /ready probes; cmd/pullhub registers its component
// checks on it before passing it in.
func NewServer(registry *endpoint.Registry, transfers *transfer.Manager, notifier Notifier, logger *observability.Logger, health *observability.HealthChecker) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		registry:    registry,
		transfers:   transfers,
		notifier:    notifier,
		logger:      logger,
		startedAt:   time.Now(),
		broadcaster: NewBroadcaster(logger),
		health:      health,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.health.HealthHandler())
	r.GET("/ready", s.health.ReadyHandler())

	api := r.Group("/api/v1")
	{
		api.GET("/health", s.getHealth)
		api.GET("/clients", s.listClients)
		api.GET("/clients/:id", s.getClient)
		api.POST("/downloads", s.createDownload)
		api.GET("/downloads", s.listDownloads)
		api.GET("/downloads/:id", s.getDownload)
		api.DELETE("/downloads/:id", s.cancelDownload)
		api.GET("/stream", s.broadcaster.handleStream)
	}

	s.router = r
	return s
}

// Broadcaster returns the operator live-update feed so cmd/pullhub can
// wire it as the transfer manager's Observer after both are
// constructed (the same late-binding pattern as SetDispatcher).
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Router returns the underlying gin engine, e.g. for http.Server.Handler
// or for mounting the WebSocket upgrade route alongside it.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
