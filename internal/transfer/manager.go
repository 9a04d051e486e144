package transfer

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/artemis/pullhub/internal/checksum"
	"github.com/artemis/pullhub/internal/chunktracker"
	"github.com/artemis/pullhub/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChunkSize is the fixed positional-write unit; the final chunk of a
// file may be shorter.
const ChunkSize = 1048576

// ChunkOutcome is the result on_chunk reports back to the hub so it
// knows whether to keep reading or expect a RETRY_CHUNK to go out.
type ChunkOutcome int

const (
	ChunkOK ChunkOutcome = iota
	ChunkRetry
)

// RetryDispatcher sends a RETRY_CHUNK frame to the endpoint bound to a
// transfer. The Manager never holds a reference to the message hub
// directly — it calls this interface instead — so transfer and hub
// don't form an import cycle; cmd/pullhub wires the concrete hub in at
// startup via SetDispatcher.
type RetryDispatcher interface {
	DispatchRetry(transferID, endpointID string, chunkIndex, attempt int, reason string)
}

// Observer is notified whenever a transfer's status changes, for an
// operator-facing live-update feed decoupled from the endpoint
// message hub. cmd/pullhub wires the control plane's broadcaster in
// via SetObserver.
type Observer interface {
	OnTransferUpdate(transferID, endpointID string, status Status)
}

type nopObserver struct{}

func (nopObserver) OnTransferUpdate(string, string, Status) {}

// AckInfo is what the hub hands the manager after parsing a
// DOWNLOAD_ACK frame.
type AckInfo struct {
	Success      bool
	FileSize     int64
	TotalChunks  int
	FileChecksum string
	ErrorCode    string
	ErrorMessage string
}

// ListFilter narrows Manager.List. Zero values mean "no filter".
type ListFilter struct {
	Status     Status
	EndpointID string
	Limit      int
	Offset     int
}

// Manager owns every Transfer's lifecycle: state machine, scratch
// file, and (by delegation to a chunktracker.Tracker) the per-chunk
// ledger. It implements chunktracker.EventSink so the tracker's timers
// drive retries and terminal failures without either package holding a
// back-pointer to the other.
type Manager struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer

	tracker *chunktracker.Tracker
	clock   chunktracker.Clock
	logger  *observability.Logger

	scratchDir      string
	outputDir       string
	retentionWindow time.Duration
	deleteOnFailure bool

	dispatcherMu sync.RWMutex
	dispatcher   RetryDispatcher

	observerMu sync.RWMutex
	observer   Observer
}

// NewManager creates a Manager. tracker must not yet be shared with
// any other manager; clock is the same abstraction chunktracker uses,
// so tests can drive both deterministically.
func NewManager(scratchDir, outputDir string, tracker *chunktracker.Tracker, clock chunktracker.Clock, logger *observability.Logger, retentionWindow time.Duration) *Manager {
	return &Manager{
		transfers:       make(map[string]*Transfer),
		tracker:         tracker,
		clock:           clock,
		logger:          logger,
		scratchDir:      scratchDir,
		outputDir:       outputDir,
		retentionWindow: retentionWindow,
		observer:        nopObserver{},
	}
}

// SetDeleteOnFailure controls whether a terminally failed transfer's
// scratch file is removed (true) or retained for inspection (false,
// the default), per spec's "removed or retained per configuration".
func (m *Manager) SetDeleteOnFailure(v bool) {
	m.deleteOnFailure = v
}

// SetObserver wires the operator-facing live-update feed. Safe to call
// after construction; nil restores the no-op observer.
func (m *Manager) SetObserver(o Observer) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	m.observer = o
}

func (m *Manager) notifyObserver(transferID, endpointID string, status Status) {
	m.observerMu.RLock()
	o := m.observer
	m.observerMu.RUnlock()
	o.OnTransferUpdate(transferID, endpointID, status)
}

// SetDispatcher wires the component that actually sends RETRY_CHUNK
// frames (the message hub). Safe to call after construction.
func (m *Manager) SetDispatcher(d RetryDispatcher) {
	m.dispatcherMu.Lock()
	defer m.dispatcherMu.Unlock()
	m.dispatcher = d
}

func (m *Manager) dispatcherFor() RetryDispatcher {
	m.dispatcherMu.RLock()
	defer m.dispatcherMu.RUnlock()
	return m.dispatcher
}

// Create allocates a pending transfer and its scratch file path. A
// caller-supplied requestID must be a valid UUIDv4 not already in use;
// an empty one is generated.
func (m *Manager) Create(endpointID, remotePath, requestID string) (Snapshot, error) {
	if endpointID == "" || remotePath == "" {
		return Snapshot{}, errValidation("endpointID and remotePath are required")
	}

	id := requestID
	if id == "" {
		id = uuid.NewString()
	} else if parsed, err := uuid.Parse(id); err != nil || parsed.Version() != 4 {
		return Snapshot{}, errValidation("requestId %q is not a valid UUIDv4", requestID)
	}

	now := m.clock.Now()

	m.mu.Lock()
	if _, exists := m.transfers[id]; exists {
		m.mu.Unlock()
		return Snapshot{}, errValidation("transfer %q already exists", id)
	}
	t := &Transfer{
		ID:          id,
		EndpointID:  endpointID,
		RemotePath:  remotePath,
		Status:      StatusPending,
		ScratchPath: filepath.Join(m.scratchDir, id),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.transfers[id] = t
	m.mu.Unlock()
	m.refreshActiveGauge()
	m.notifyObserver(id, endpointID, StatusPending)

	return t.snapshot(Progress{}), nil
}

// refreshActiveGauge recomputes pullhub_active_transfers from the
// current transfer map, rather than incrementing/decrementing at each
// of the several places a transfer can become terminal.
func (m *Manager) refreshActiveGauge() {
	m.mu.RLock()
	active := 0
	for _, t := range m.transfers {
		t.mu.RLock()
		if !t.Status.terminal() {
			active++
		}
		t.mu.RUnlock()
	}
	m.mu.RUnlock()
	observability.ActiveTransfers.Set(float64(active))
}

func (m *Manager) lookup(transferID string) (*Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[transferID]
	return t, ok
}

// OnAck applies a DOWNLOAD_ACK. An unknown transfer id is logged and
// dropped rather than treated as an error (the endpoint may be
// answering a request the hub has already forgotten).
func (m *Manager) OnAck(transferID string, ack AckInfo) error {
	t, ok := m.lookup(transferID)
	if !ok {
		m.logger.Warn("ack for unknown transfer", zap.String("transfer_id", transferID))
		return nil
	}

	t.mu.Lock()

	if t.Status != StatusPending {
		t.mu.Unlock()
		return errConflict(CodeInvalidRequest, "transfer %q is not pending", transferID)
	}

	now := m.clock.Now()
	t.UpdatedAt = now

	if !ack.Success {
		t.Status = StatusFailed
		t.ErrorCode = ack.ErrorCode
		t.ErrorMessage = ack.ErrorMessage
		if t.ErrorCode == "" {
			t.ErrorCode = CodeFileNotFound
		}
		endpointID := t.EndpointID
		err := t.closeScratch()
		t.mu.Unlock()
		observability.TransferOutcomes.WithLabelValues(string(StatusFailed)).Inc()
		m.refreshActiveGauge()
		m.notifyObserver(transferID, endpointID, StatusFailed)
		return err
	}

	t.FileSize = ack.FileSize
	t.TotalChunks = ack.TotalChunks
	t.FileChecksum = ack.FileChecksum
	t.Status = StatusInProgress
	endpointID := t.EndpointID
	t.mu.Unlock()
	m.notifyObserver(transferID, endpointID, StatusInProgress)

	return m.tracker.Init(transferID, ack.TotalChunks)
}

// OnChunk verifies and writes one FILE_CHUNK. Invalid base64 is
// treated as a checksum-mismatch class failure, per the boundary
// policy of retry-eligible corruption.
func (m *Manager) OnChunk(transferID string, chunkIndex int, dataB64, declaredChecksum string) (ChunkOutcome, error) {
	t, ok := m.lookup(transferID)
	if !ok {
		return ChunkRetry, errNotFound(transferID)
	}

	t.mu.Lock()
	if t.Status.terminal() {
		t.mu.Unlock()
		m.logger.Warn("chunk for terminal transfer discarded",
			zap.String("transfer_id", transferID), zap.Int("chunk_index", chunkIndex))
		return ChunkOK, nil
	}
	t.mu.Unlock()

	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		observability.ChunkChecksumVerifications.WithLabelValues("invalid_encoding").Inc()
		m.failChunk(transferID, chunkIndex, chunktracker.ReasonChecksumMismatch)
		return ChunkRetry, nil
	}

	if !checksum.Verify(data, declaredChecksum) {
		observability.ChunkChecksumVerifications.WithLabelValues("mismatch").Inc()
		m.failChunk(transferID, chunkIndex, chunktracker.ReasonChecksumMismatch)
		return ChunkRetry, nil
	}
	observability.ChunkChecksumVerifications.WithLabelValues("verified").Inc()

	t.mu.Lock()
	if t.scratch == nil {
		f, openErr := os.OpenFile(t.ScratchPath, os.O_CREATE|os.O_RDWR, 0o600)
		if openErr != nil {
			t.mu.Unlock()
			m.failChunk(transferID, chunkIndex, chunktracker.ReasonWriteError)
			return ChunkRetry, nil
		}
		t.scratch = f
	}
	_, writeErr := t.scratch.WriteAt(data, int64(chunkIndex)*ChunkSize)
	t.mu.Unlock()

	if writeErr != nil {
		m.failChunk(transferID, chunkIndex, chunktracker.ReasonWriteError)
		return ChunkRetry, nil
	}

	if _, err := m.tracker.MarkReceived(transferID, chunkIndex); err != nil {
		return ChunkRetry, err
	}

	info, _ := m.tracker.RetryInfo(transferID)
	t.mu.Lock()
	t.ChunksReceived = info.ReceivedCount
	t.UpdatedAt = m.clock.Now()
	endpointID := t.EndpointID
	t.mu.Unlock()

	observability.TransferBytes.WithLabelValues(endpointID).Add(float64(len(data)))

	return ChunkOK, nil
}

// failChunk reports a failed attempt to the tracker; if the tracker
// decides the chunk has exhausted its attempts it calls back into
// MaxRetriesExceeded (below) synchronously, from within this call.
func (m *Manager) failChunk(transferID string, chunkIndex int, reason chunktracker.Reason) {
	if _, err := m.tracker.MarkFailed(transferID, chunkIndex, reason); err != nil {
		m.logger.Warn("mark_failed on unknown transfer",
			zap.String("transfer_id", transferID), zap.Error(err))
	}
}

// OnComplete applies a DOWNLOAD_COMPLETE. If chunks are still missing,
// each is re-requested (bounded by its own attempts cap) and the
// transfer stays in_progress; otherwise the whole-file checksum is
// verified and the scratch file renamed into place.
func (m *Manager) OnComplete(transferID string, declaredChecksum string) error {
	t, ok := m.lookup(transferID)
	if !ok {
		return errNotFound(transferID)
	}

	if missing := m.tracker.Missing(transferID); len(missing) > 0 {
		for _, idx := range missing {
			m.failChunk(transferID, idx, chunktracker.ReasonMissingAtComplete)
		}
		return nil
	}

	t.mu.Lock()

	if t.Status.terminal() {
		t.mu.Unlock()
		return nil
	}

	if err := t.closeScratch(); err != nil {
		t.Status = StatusFailed
		t.ErrorCode = CodeInternalError
		t.ErrorMessage = err.Error()
		endpointID := t.EndpointID
		t.mu.Unlock()
		observability.TransferOutcomes.WithLabelValues(string(StatusFailed)).Inc()
		m.refreshActiveGauge()
		m.notifyObserver(transferID, endpointID, StatusFailed)
		return nil
	}

	actual, err := checksum.HashFile(t.ScratchPath)
	if err != nil {
		t.Status = StatusFailed
		t.ErrorCode = CodeInternalError
		t.ErrorMessage = err.Error()
		endpointID := t.EndpointID
		t.mu.Unlock()
		observability.TransferOutcomes.WithLabelValues(string(StatusFailed)).Inc()
		m.refreshActiveGauge()
		m.notifyObserver(transferID, endpointID, StatusFailed)
		return nil
	}

	now := m.clock.Now()
	if actual != declaredChecksum {
		t.Status = StatusFailed
		t.ErrorCode = CodeChunkChecksumFailed
		t.ErrorMessage = "file-checksum-mismatch"
		t.UpdatedAt = now
		m.tracker.Cleanup(transferID)
		if m.deleteOnFailure {
			os.Remove(t.ScratchPath)
		}
		endpointID := t.EndpointID
		t.mu.Unlock()
		observability.TransferOutcomes.WithLabelValues(string(StatusFailed)).Inc()
		m.refreshActiveGauge()
		m.notifyObserver(transferID, endpointID, StatusFailed)
		return nil
	}

	ext := filepath.Ext(t.RemotePath)
	if ext == "" {
		ext = ".bin"
	}
	outputPath := filepath.Join(m.outputDir, fmt.Sprintf("%s-%d%s", t.EndpointID, now.UnixMilli(), ext))
	if err := os.Rename(t.ScratchPath, outputPath); err != nil {
		t.Status = StatusFailed
		t.ErrorCode = CodeInternalError
		t.ErrorMessage = err.Error()
		endpointID := t.EndpointID
		t.mu.Unlock()
		observability.TransferOutcomes.WithLabelValues(string(StatusFailed)).Inc()
		m.refreshActiveGauge()
		m.notifyObserver(transferID, endpointID, StatusFailed)
		return nil
	}

	t.OutputPath = outputPath
	t.Status = StatusCompleted
	t.CompletedAt = now
	t.Duration = now.Sub(t.CreatedAt)
	t.UpdatedAt = now
	m.tracker.Cleanup(transferID)
	fileSize, duration, endpointID := t.FileSize, t.Duration, t.EndpointID
	t.mu.Unlock()

	observability.FileSize.Observe(float64(fileSize))
	observability.TransferDuration.WithLabelValues(string(StatusCompleted)).Observe(duration.Seconds())
	observability.TransferOutcomes.WithLabelValues(string(StatusCompleted)).Inc()
	m.refreshActiveGauge()
	m.notifyObserver(transferID, endpointID, StatusCompleted)

	return nil
}

// Cancel transitions a pending or in_progress transfer to cancelled,
// closing and removing its scratch file. Terminal transfers return a
// conflict error.
func (m *Manager) Cancel(transferID, reason string) error {
	t, ok := m.lookup(transferID)
	if !ok {
		return errNotFound(transferID)
	}

	t.mu.Lock()

	if t.Status.terminal() {
		status := t.Status
		t.mu.Unlock()
		return errConflict(CodeInvalidRequest, "transfer %q is already %s", transferID, status)
	}

	if err := t.closeScratch(); err != nil {
		m.logger.Warn("error closing scratch on cancel", zap.String("transfer_id", transferID), zap.Error(err))
	}
	os.Remove(t.ScratchPath)

	t.Status = StatusCancelled
	t.ErrorMessage = reason
	t.UpdatedAt = m.clock.Now()
	endpointID := t.EndpointID

	m.tracker.Cleanup(transferID)
	t.mu.Unlock()

	observability.TransferOutcomes.WithLabelValues(string(StatusCancelled)).Inc()
	m.refreshActiveGauge()
	m.notifyObserver(transferID, endpointID, StatusCancelled)
	return nil
}

// Get returns a read-only snapshot of a transfer, including its
// current chunk-tracker-derived progress.
func (m *Manager) Get(transferID string) (Snapshot, bool) {
	t, ok := m.lookup(transferID)
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(m.progressFor(t)), true
}

func (m *Manager) progressFor(t *Transfer) Progress {
	t.mu.RLock()
	total := t.TotalChunks
	received := t.ChunksReceived
	t.mu.RUnlock()

	progress := Progress{ChunksReceived: received, TotalChunks: total}
	if total > 0 {
		progress.Percentage = (100 * received) / total
		progress.BytesReceived = int64(received) * ChunkSize
	}
	if info, ok := m.tracker.RetryInfo(t.ID); ok {
		entries := make([]chunktracker.LedgerEntry, 0, len(info.Ledger))
		for _, e := range info.Ledger {
			if e.Attempts == 0 {
				continue
			}
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ChunkIndex < entries[j].ChunkIndex })
		progress.RetriedChunks = entries
	}
	return progress
}

// List returns snapshots matching filter, newest-first by CreatedAt,
// and the total count before pagination.
func (m *Manager) List(filter ListFilter) ([]Snapshot, int) {
	m.mu.RLock()
	all := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		all = append(all, t)
	}
	m.mu.RUnlock()

	matched := make([]*Transfer, 0, len(all))
	for _, t := range all {
		t.mu.RLock()
		status, endpointID := t.Status, t.EndpointID
		t.mu.RUnlock()
		if filter.Status != "" && status != filter.Status {
			continue
		}
		if filter.EndpointID != "" && endpointID != filter.EndpointID {
			continue
		}
		matched = append(matched, t)
	}

	sort.Slice(matched, func(i, j int) bool {
		matched[i].mu.RLock()
		ci := matched[i].CreatedAt
		matched[i].mu.RUnlock()
		matched[j].mu.RLock()
		cj := matched[j].CreatedAt
		matched[j].mu.RUnlock()
		return ci.After(cj)
	})

	total := len(matched)

	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	page := matched[start:end]

	snapshots := make([]Snapshot, 0, len(page))
	for _, t := range page {
		snapshots = append(snapshots, t.snapshot(m.progressFor(t)))
	}
	return snapshots, total
}

// HasActiveTransfer reports whether endpointID has a pending or
// in_progress transfer, used by the control plane to refuse a second
// concurrent download (409 DOWNLOAD_IN_PROGRESS).
func (m *Manager) HasActiveTransfer(endpointID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transfers {
		t.mu.RLock()
		active := t.EndpointID == endpointID && !t.Status.terminal()
		t.mu.RUnlock()
		if active {
			return true
		}
	}
	return false
}

// Sweep evicts terminal transfers whose last update is older than the
// configured retention window, returning the count removed.
func (m *Manager) Sweep() int {
	cutoff := m.clock.Now().Add(-m.retentionWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.transfers {
		t.mu.RLock()
		evict := t.Status.terminal() && t.UpdatedAt.Before(cutoff)
		t.mu.RUnlock()
		if evict {
			delete(m.transfers, id)
			removed++
		}
	}
	return removed
}

// Shutdown marks every pending/in_progress transfer failed with reason
// "shutdown" and closes its scratch handle, without deleting scratch
// files (there is no persistence across restart to resume from, but a
// human may want to inspect them).
func (m *Manager) Shutdown() {
	m.mu.RLock()
	transfers := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		transfers = append(transfers, t)
	}
	m.mu.RUnlock()

	now := m.clock.Now()
	for _, t := range transfers {
		t.mu.Lock()
		if !t.Status.terminal() {
			t.Status = StatusFailed
			t.ErrorCode = CodeInternalError
			t.ErrorMessage = "shutdown"
			t.UpdatedAt = now
			if err := t.closeScratch(); err != nil {
				m.logger.Warn("error closing scratch on shutdown", zap.String("transfer_id", t.ID), zap.Error(err))
			}
		}
		t.mu.Unlock()
	}
	m.refreshActiveGauge()
}

// ArrivalTimeout implements chunktracker.EventSink: the expected chunk
// never showed up, so it's recorded as a failed attempt like any other.
func (m *Manager) ArrivalTimeout(transferID string, chunkIndex int) {
	m.failChunk(transferID, chunkIndex, chunktracker.ReasonArrivalTimeout)
}

// RetryDue implements chunktracker.EventSink: ask the dispatcher (the
// message hub) to send RETRY_CHUNK to the bound endpoint.
func (m *Manager) RetryDue(transferID string, chunkIndex, attempt int, reason chunktracker.Reason) {
	t, ok := m.lookup(transferID)
	if !ok {
		return
	}
	d := m.dispatcherFor()
	if d == nil {
		return
	}
	t.mu.RLock()
	endpointID := t.EndpointID
	t.mu.RUnlock()
	d.DispatchRetry(transferID, endpointID, chunkIndex, attempt, string(reason))
}

// MaxRetriesExceeded implements chunktracker.EventSink: a chunk has
// exhausted its attempts, which terminally fails the whole transfer.
func (m *Manager) MaxRetriesExceeded(transferID string, chunkIndex, attempts int, reason chunktracker.Reason) {
	t, ok := m.lookup(transferID)
	if !ok {
		return
	}

	t.mu.Lock()

	if t.Status.terminal() {
		t.mu.Unlock()
		return
	}

	if err := t.closeScratch(); err != nil {
		m.logger.Warn("error closing scratch on chunk failure", zap.String("transfer_id", transferID), zap.Error(err))
	}

	t.Status = StatusFailed
	t.ErrorCode = CodeChunkTransferFailed
	t.ErrorMessage = fmt.Sprintf("chunk %d exhausted %d attempts (%s)", chunkIndex, attempts, reason)
	t.UpdatedAt = m.clock.Now()
	endpointID := t.EndpointID
	t.mu.Unlock()

	if m.deleteOnFailure {
		os.Remove(t.ScratchPath)
	}
	observability.TransferOutcomes.WithLabelValues(string(StatusFailed)).Inc()
	m.refreshActiveGauge()
	m.notifyObserver(transferID, endpointID, StatusFailed)
}
