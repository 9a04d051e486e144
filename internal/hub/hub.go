// Package hub accepts endpoint connections, runs the REGISTER/heartbeat
// protocol, routes inbound frames to the transfer manager, and sends
// outbound frames (DOWNLOAD_REQUEST, RETRY_CHUNK, CANCEL_DOWNLOAD,
// PING/PONG) back to the bound endpoint.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/artemis/pullhub/internal/chunktracker"
	"github.com/artemis/pullhub/internal/endpoint"
	"github.com/artemis/pullhub/internal/observability"
	"github.com/artemis/pullhub/internal/protocol"
	"github.com/artemis/pullhub/internal/transfer"
	"go.uber.org/zap"
)

// Hub wires the endpoint registry to the transfer manager over a
// WebSocket transport.
type Hub struct {
	registry  *endpoint.Registry
	transfers *transfer.Manager
	clock     chunktracker.Clock
	logger    *observability.Logger

	heartbeatInterval time.Duration
	staleTimeout      time.Duration
}

// NewHub builds a Hub. Call transfers.SetDispatcher(hub) after
// construction so retry frames have somewhere to go.
func NewHub(registry *endpoint.Registry, transfers *transfer.Manager, clock chunktracker.Clock, logger *observability.Logger, heartbeatInterval, staleTimeout time.Duration) *Hub {
	return &Hub{
		registry:          registry,
		transfers:         transfers,
		clock:             clock,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		staleTimeout:      staleTimeout,
	}
}

// HandleConnection upgrades an HTTP request to a WebSocket connection
// and starts its read/write pumps. The connection remains unregistered
// (no clientId) until REGISTER arrives.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	cs := &connState{remoteAddr: conn.RemoteAddr().String()}

	go client.writePump()
	go client.readPump(cs)
}

// handleFrame decodes and validates raw, enforces the pre-REGISTER gate,
// and dispatches to the matching handler.
func (h *Hub) handleFrame(client *Client, cs *connState, raw []byte) {
	tag, payload, err := protocol.Decode(raw)
	if err != nil {
		h.sendError(client, transfer.CodeInvalidRequest, err.Error())
		return
	}

	if cs.clientID == "" && tag != protocol.TagRegister && tag != protocol.TagPing {
		h.sendError(client, transfer.CodeInvalidRequest, "must REGISTER before sending "+string(tag))
		return
	}

	_, span := observability.StartDispatchSpan(context.Background(), string(tag), cs.clientID)
	reply, err := h.dispatch(client, cs, tag, payload)
	span.End()
	if err != nil {
		h.logger.Warn("frame handling failed",
			zap.String("tag", string(tag)), zap.String("client_id", cs.clientID), zap.Error(err))
		observability.DispatchErrors.WithLabelValues(string(tag), "handler_error").Inc()
	}
	if reply != nil {
		if sendErr := client.Send(reply); sendErr != nil {
			h.logger.Warn("failed to send reply", zap.Error(sendErr))
		}
	}
}

// dispatch routes one already-validated payload to its handler. The
// returned frame, if non-nil, is sent back on the same connection.
func (h *Hub) dispatch(client *Client, cs *connState, tag protocol.Tag, payload any) ([]byte, error) {
	switch tag {
	case protocol.TagRegister:
		return h.handleRegister(client, cs, payload.(*protocol.Register))
	case protocol.TagDownloadAck:
		ack := payload.(*protocol.DownloadAck)
		return nil, h.transfers.OnAck(ack.RequestID, ackInfoFrom(ack))
	case protocol.TagFileChunk:
		fc := payload.(*protocol.FileChunk)
		_, err := h.transfers.OnChunk(fc.RequestID, fc.ChunkIndex, fc.Data, fc.Checksum)
		return nil, err
	case protocol.TagDownloadComplete:
		dc := payload.(*protocol.DownloadComplete)
		return nil, h.transfers.OnComplete(dc.RequestID, dc.FileChecksum)
	case protocol.TagPing:
		h.registry.UpdateHeartbeat(cs.clientID)
		frame, err := json.Marshal(protocol.NewPong(h.clock.Now()))
		return frame, err
	case protocol.TagPong:
		h.registry.UpdateHeartbeat(cs.clientID)
		return nil, nil
	case protocol.TagError:
		ef := payload.(*protocol.ErrorFrame)
		h.logger.Warn("endpoint reported error",
			zap.String("client_id", cs.clientID), zap.String("code", ef.Code), zap.String("message", ef.Message))
		return nil, nil
	default:
		return nil, nil
	}
}

// handleRegister claims cs.clientID if it's free. A duplicate registers
// the rejection but leaves the connection open for the endpoint to
// retry with a different identity or give up.
func (h *Hub) handleRegister(client *Client, cs *connState, reg *protocol.Register) ([]byte, error) {
	if cs.clientID != "" {
		ack := protocol.NewRegisterAck(false, "connection already registered")
		frame, err := json.Marshal(ack)
		return frame, err
	}

	_, err := h.registry.Register(reg.ClientID, cs.remoteAddr, reg.Metadata, client)
	if err != nil {
		ack := protocol.NewRegisterAck(false, "clientId already in use")
		frame, marshalErr := json.Marshal(ack)
		if marshalErr != nil {
			return nil, marshalErr
		}
		return frame, nil
	}

	cs.clientID = reg.ClientID
	ack := protocol.NewRegisterAck(true, "registered")
	frame, err := json.Marshal(ack)
	return frame, err
}

func (h *Hub) sendError(client *Client, code, message string) {
	frame, err := json.Marshal(protocol.NewErrorFrame(code, message, nil))
	if err != nil {
		return
	}
	_ = client.Send(frame)
}

func ackInfoFrom(ack *protocol.DownloadAck) transfer.AckInfo {
	info := transfer.AckInfo{
		Success:      ack.Success,
		FileSize:     ack.FileSize,
		TotalChunks:  ack.TotalChunks,
		FileChecksum: ack.FileChecksum,
	}
	if ack.Error != nil {
		info.ErrorCode = ack.Error.Code
		info.ErrorMessage = ack.Error.Message
	}
	return info
}

// Run drives the heartbeat loop until ctx is cancelled: every tick, it
// pings every connected endpoint or terminates it if it has exceeded
// the stale timeout.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeatTick()
		}
	}
}

func (h *Hub) heartbeatTick() {
	now := h.clock.Now()
	snapshots := h.registry.List()
	observability.ConnectedEndpoints.Set(float64(len(snapshots)))
	for _, snap := range snapshots {
		if now.Sub(snap.LastHeartbeat) > h.staleTimeout {
			h.terminateStale(snap.ClientID)
			continue
		}

		ep, ok := h.registry.Get(snap.ClientID)
		if !ok {
			continue
		}
		frame, err := json.Marshal(protocol.NewPing(now))
		if err != nil {
			continue
		}
		if err := ep.Send(frame); err != nil {
			h.logger.Warn("ping send failed", zap.String("client_id", snap.ClientID), zap.Error(err))
		}
	}
}

func (h *Hub) terminateStale(id string) {
	ep, ok := h.registry.Get(id)
	if !ok {
		return
	}
	h.registry.Unregister(id)
	if err := ep.Close(); err != nil {
		h.logger.Warn("error closing stale endpoint", zap.String("client_id", id), zap.Error(err))
	}
	h.logger.Warn("endpoint terminated for liveness timeout", zap.String("client_id", id))
	observability.HeartbeatTimeouts.Inc()
}

// SendDownloadRequest sends DOWNLOAD_REQUEST to clientID. Called by the
// control plane right after Transfer manager.Create succeeds.
func (h *Hub) SendDownloadRequest(requestID, clientID, filePath string) error {
	ep, ok := h.registry.Get(clientID)
	if !ok {
		return &endpoint.ErrNotFound{ID: clientID}
	}
	frame, err := json.Marshal(protocol.NewDownloadRequest(requestID, clientID, filePath))
	if err != nil {
		return err
	}
	return ep.Send(frame)
}

// SendCancel best-effort notifies endpointID that requestID was
// cancelled. A disconnected endpoint is not an error: the transfer is
// already cancelled on the hub side regardless.
func (h *Hub) SendCancel(requestID, endpointID, reason string) {
	ep, ok := h.registry.Get(endpointID)
	if !ok {
		return
	}
	frame, err := json.Marshal(protocol.NewCancelDownload(requestID, reason))
	if err != nil {
		return
	}
	if err := ep.Send(frame); err != nil {
		h.logger.Warn("cancel notification failed", zap.String("client_id", endpointID), zap.Error(err))
	}
}

// DispatchRetry implements transfer.RetryDispatcher: it sends
// RETRY_CHUNK to the endpoint bound to transferID. A no-op if the
// endpoint is no longer connected — the arrival timer still governs
// the wait regardless of delivery.
func (h *Hub) DispatchRetry(transferID, endpointID string, chunkIndex, attempt int, reason string) {
	ep, ok := h.registry.Get(endpointID)
	if !ok {
		return
	}
	frame, err := json.Marshal(protocol.NewRetryChunk(transferID, chunkIndex, attempt, reason, h.clock.Now()))
	if err != nil {
		h.logger.Warn("failed to encode retry chunk", zap.String("transfer_id", transferID), zap.Error(err))
		return
	}
	if err := ep.Send(frame); err != nil {
		h.logger.Warn("failed to dispatch retry", zap.String("transfer_id", transferID), zap.Error(err))
		observability.ChunkRetryAttempts.WithLabelValues(reason, "send_failed").Inc()
		return
	}
	observability.ChunkRetryAttempts.WithLabelValues(reason, "dispatched").Inc()
}
