package controlplane

import (
	"net/http"

	"github.com/artemis/pullhub/internal/endpoint"
	"github.com/artemis/pullhub/internal/transfer"
	"github.com/gin-gonic/gin"
)

type clientView struct {
	ClientID      string            `json:"clientId"`
	ConnectedAt   any               `json:"connectedAt"`
	LastHeartbeat any               `json:"lastHeartbeat"`
	Status        string            `json:"status"`
	Metadata      map[string]any    `json:"metadata"`
}

func toClientView(snap endpoint.Snapshot) clientView {
	return clientView{
		ClientID:      snap.ClientID,
		ConnectedAt:   snap.ConnectedAt,
		LastHeartbeat: snap.LastHeartbeat,
		Status:        string(snap.Status),
		Metadata:      snap.Metadata,
	}
}

func (s *Server) listClients(c *gin.Context) {
	statusFilter := c.Query("status")

	all := s.registry.List()
	clients := make([]clientView, 0, len(all))
	for _, snap := range all {
		if statusFilter != "" && string(snap.Status) != statusFilter {
			continue
		}
		clients = append(clients, toClientView(snap))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"clients": clients,
		"total":   len(clients),
	})
}

func (s *Server) getClient(c *gin.Context) {
	id := c.Param("id")

	snap, ok := s.registry.Snapshot(id)
	if !ok {
		writeError(c, http.StatusNotFound, transfer.CodeClientNotFound, "client not found: "+id)
		return
	}

	downloads, _ := s.transfers.List(transfer.ListFilter{EndpointID: id})

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"client": gin.H{
			"clientId":        snap.ClientID,
			"connectedAt":     snap.ConnectedAt,
			"lastHeartbeat":   snap.LastHeartbeat,
			"status":          snap.Status,
			"metadata":        snap.Metadata,
			"downloadHistory": downloads,
		},
	})
}
