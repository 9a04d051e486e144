package controlplane

import (
	"net/http"
	"strconv"

	"github.com/artemis/pullhub/internal/observability"
	"github.com/artemis/pullhub/internal/protocol"
	"github.com/artemis/pullhub/internal/transfer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createDownloadRequest struct {
	ClientID string `json:"clientId" binding:"required"`
	FilePath string `json:"filePath" binding:"required"`
}

func toDownloadView(snap transfer.Snapshot) gin.H {
	entries := make([]map[string]any, 0, len(snap.Progress.RetriedChunks))
	for _, e := range snap.Progress.RetriedChunks {
		entries = append(entries, map[string]any{
			"chunkIndex":    e.ChunkIndex,
			"attempts":      e.Attempts,
			"lastAttemptAt": e.LastAttemptAt,
			"status":        e.Status,
			"reason":        e.Reason,
		})
	}

	view := gin.H{
		"requestId":   snap.ID,
		"clientId":    snap.EndpointID,
		"filePath":    snap.RemotePath,
		"status":      snap.Status,
		"fileSize":    snap.FileSize,
		"totalChunks": snap.TotalChunks,
		"startedAt":   snap.CreatedAt,
		"progress": gin.H{
			"chunksReceived": snap.Progress.ChunksReceived,
			"totalChunks":    snap.Progress.TotalChunks,
			"percentage":     snap.Progress.Percentage,
			"bytesReceived":  snap.Progress.BytesReceived,
			"retriedChunks":  entries,
		},
	}

	if !snap.CompletedAt.IsZero() {
		view["completedAt"] = snap.CompletedAt
		view["duration"] = snap.Duration.Seconds()
	}
	if snap.ErrorMessage != "" || snap.ErrorCode != "" {
		view["error"] = gin.H{"code": snap.ErrorCode, "message": snap.ErrorMessage}
	}

	return view
}

func (s *Server) createDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, transfer.CodeInvalidRequest, err.Error())
		return
	}

	if !s.registry.IsOnline(req.ClientID) {
		writeError(c, http.StatusNotFound, transfer.CodeClientNotConnected, "client not connected: "+req.ClientID)
		return
	}

	if s.transfers.HasActiveTransfer(req.ClientID) {
		writeError(c, http.StatusConflict, transfer.CodeDownloadInProgress, "a download is already active for this client")
		return
	}

	_, span := observability.StartTransferSpan(c.Request.Context(), "create", "", req.ClientID)
	snap, err := s.transfers.Create(req.ClientID, req.FilePath, "")
	span.End()
	if err != nil {
		status, code, message := statusForTransferError(err)
		writeError(c, status, code, message)
		return
	}

	if err := s.notifier.SendDownloadRequest(snap.ID, req.ClientID, req.FilePath); err != nil {
		s.logger.Warn("failed to send download request",
			zap.String("request_id", snap.ID), zap.String("client_id", req.ClientID), zap.Error(err))
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":   true,
		"requestId": snap.ID,
		"clientId":  req.ClientID,
		"filePath":  req.FilePath,
		"status":    string(transfer.StatusPending),
	})
}

func (s *Server) listDownloads(c *gin.Context) {
	filter := transfer.ListFilter{
		EndpointID: c.Query("clientId"),
	}
	if status := c.Query("status"); status != "" {
		filter.Status = transfer.Status(status)
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil {
		filter.Offset = offset
	}

	snaps, total := s.transfers.List(filter)
	downloads := make([]gin.H, 0, len(snaps))
	for _, snap := range snaps {
		downloads = append(downloads, toDownloadView(snap))
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"downloads": downloads,
		"total":     total,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

func (s *Server) getDownload(c *gin.Context) {
	id := c.Param("id")
	if !protocol.ValidRequestID(id) {
		writeError(c, http.StatusBadRequest, transfer.CodeInvalidRequest, "invalid request id: "+id)
		return
	}

	snap, ok := s.transfers.Get(id)
	if !ok {
		writeError(c, http.StatusNotFound, transfer.CodeNotFound, "download not found: "+id)
		return
	}

	c.JSON(http.StatusOK, toDownloadView(snap))
}

func (s *Server) cancelDownload(c *gin.Context) {
	id := c.Param("id")
	if !protocol.ValidRequestID(id) {
		writeError(c, http.StatusBadRequest, transfer.CodeInvalidRequest, "invalid request id: "+id)
		return
	}

	snap, ok := s.transfers.Get(id)
	if !ok {
		writeError(c, http.StatusNotFound, transfer.CodeNotFound, "download not found: "+id)
		return
	}

	if err := s.transfers.Cancel(id, "operator request"); err != nil {
		status, code, message := statusForTransferError(err)
		writeError(c, status, code, message)
		return
	}

	s.notifier.SendCancel(id, snap.EndpointID, "operator request")

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"requestId": id,
		"status":    string(transfer.StatusCancelled),
	})
}
