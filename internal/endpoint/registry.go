package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artemis/pullhub/internal/chunktracker"
	"github.com/artemis/pullhub/internal/observability"
	"go.uber.org/zap"
)

// ErrAlreadyRegistered is returned by Register when id is already held
// by a live connection.
type ErrAlreadyRegistered struct{ ID string }

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("endpoint: clientId %q already in use", e.ID)
}

// ErrNotFound reports an unknown endpoint id. Registry lookups report
// absence with a bool instead; the hub returns this from
// SendDownloadRequest.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("endpoint: %q not found", e.ID) }

// Registry holds connected endpoints, keyed by caller-chosen identity.
// It enforces Invariant: at most one connected endpoint per identity.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	clock        chunktracker.Clock
	staleTimeout time.Duration
	logger       *observability.Logger
}

// NewRegistry builds a Registry. staleTimeout is the liveness window
// (default 90s, i.e. 3x the heartbeat interval) after which an endpoint
// with no heartbeat is considered gone.
func NewRegistry(clock chunktracker.Clock, staleTimeout time.Duration, logger *observability.Logger) *Registry {
	return &Registry{
		endpoints:    make(map[string]*Endpoint),
		clock:        clock,
		staleTimeout: staleTimeout,
		logger:       logger,
	}
}

// Register attaches id to sender. It refuses a duplicate id already
// held by a live connection.
func (r *Registry) Register(id, remoteAddr string, metadata map[string]any, sender Sender) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[id]; ok {
		return nil, &ErrAlreadyRegistered{ID: id}
	}

	now := r.clock.Now()
	ep := &Endpoint{
		id:            id,
		sender:        sender,
		remoteAddr:    remoteAddr,
		connectedAt:   now,
		lastHeartbeat: now,
		metadata:      metadata,
		status:        StatusConnected,
	}
	r.endpoints[id] = ep

	r.logger.Info("endpoint registered",
		zap.String("client_id", id),
		zap.String("remote_addr", remoteAddr),
	)
	return ep, nil
}

// Unregister removes id from the registry, e.g. on socket close.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[id]; ok {
		ep.markDisconnected()
		delete(r.endpoints, id)
		r.logger.Info("endpoint unregistered", zap.String("client_id", id))
	}
}

// Get returns the endpoint registered under id.
func (r *Registry) Get(id string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// Snapshot returns a read-only view of the endpoint registered under
// id, for the control plane's GET /clients/{id}.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.RLock()
	ep, ok := r.endpoints[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return ep.snapshot(), true
}

// List returns a snapshot of every currently registered endpoint,
// ordered by client id for stable pagination.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// IsOnline reports whether id is registered and has not exceeded the
// stale timeout.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	ep, ok := r.endpoints[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.clock.Now().Sub(ep.lastHeartbeatAt()) <= r.staleTimeout
}

// UpdateHeartbeat records a liveness signal (PONG or PING) for id. It
// is a no-op for an unknown id, tolerating a race with disconnect.
func (r *Registry) UpdateHeartbeat(id string) {
	r.mu.RLock()
	ep, ok := r.endpoints[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ep.touchHeartbeat(r.clock.Now())
}

// StartCleanup runs a periodic stale-connection sweep until ctx is
// cancelled. onStale is invoked (outside the registry lock) for each
// evicted endpoint so the caller can close its transport.
func (r *Registry) StartCleanup(ctx context.Context, interval time.Duration, onStale func(id string, ep *Endpoint)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale(onStale)
		}
	}
}

func (r *Registry) sweepStale(onStale func(id string, ep *Endpoint)) {
	now := r.clock.Now()

	var stale []*Endpoint
	r.mu.Lock()
	for id, ep := range r.endpoints {
		if now.Sub(ep.lastHeartbeatAt()) > r.staleTimeout {
			ep.markDisconnected()
			delete(r.endpoints, id)
			stale = append(stale, ep)
		}
	}
	r.mu.Unlock()

	for _, ep := range stale {
		r.logger.Warn("removing stale endpoint",
			zap.String("client_id", ep.id),
			zap.Duration("since_heartbeat", now.Sub(ep.lastHeartbeatAt())),
		)
		if onStale != nil {
			onStale(ep.id, ep)
		}
	}
}

// Count returns the number of currently registered (connected)
// endpoints, for the health endpoint.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
