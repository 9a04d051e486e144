package controlplane

import (
	"net/http"
	"time"

	"github.com/artemis/pullhub/internal/transfer"
	"github.com/gin-gonic/gin"
)

func (s *Server) getHealth(c *gin.Context) {
	_, activeDownloads := s.transfers.List(transfer.ListFilter{Status: transfer.StatusInProgress})

	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"uptime":           time.Since(s.startedAt).Seconds(),
		"connectedClients": s.registry.Count(),
		"activeDownloads":  activeDownloads,
		"version":          Version,
	})
}
