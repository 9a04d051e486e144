// Package endpoint tracks connected on-prem agents: identity, transport
// handle, liveness, and the registry that enforces one live connection
// per identity.
package endpoint

import (
	"sync"
	"time"
)

// Sender is the outbound half of a connection, implemented by whatever
// transport registered the endpoint (a WebSocket connection in
// practice). Send must be safe for concurrent use and non-blocking from
// the caller's point of view — a slow or dead peer must not stall the
// transfer manager.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// Status is an endpoint's connection state as reported to the control
// plane.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Endpoint is a registered on-prem agent.
type Endpoint struct {
	mu sync.RWMutex

	id            string
	sender        Sender
	remoteAddr    string
	connectedAt   time.Time
	lastHeartbeat time.Time
	metadata      map[string]any
	status        Status
}

// Snapshot is a read-only view of an Endpoint for the control plane.
type Snapshot struct {
	ClientID      string
	RemoteAddr    string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Status        Status
	Metadata      map[string]any
}

func (e *Endpoint) touchHeartbeat(at time.Time) {
	e.mu.Lock()
	e.lastHeartbeat = at
	e.mu.Unlock()
}

func (e *Endpoint) markDisconnected() {
	e.mu.Lock()
	e.status = StatusDisconnected
	e.mu.Unlock()
}

func (e *Endpoint) snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	meta := make(map[string]any, len(e.metadata))
	for k, v := range e.metadata {
		meta[k] = v
	}
	return Snapshot{
		ClientID:      e.id,
		RemoteAddr:    e.remoteAddr,
		ConnectedAt:   e.connectedAt,
		LastHeartbeat: e.lastHeartbeat,
		Status:        e.status,
		Metadata:      meta,
	}
}

func (e *Endpoint) lastHeartbeatAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHeartbeat
}

// Send forwards frame to the endpoint's transport. It is safe to call
// with no registry lock held.
func (e *Endpoint) Send(frame []byte) error {
	e.mu.RLock()
	sender := e.sender
	e.mu.RUnlock()
	return sender.Send(frame)
}

// Close tears down the endpoint's transport, e.g. after a stale-sweep
// eviction.
func (e *Endpoint) Close() error {
	e.mu.RLock()
	sender := e.sender
	e.mu.RUnlock()
	return sender.Close()
}

// ID returns the endpoint's registered identity.
func (e *Endpoint) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}
