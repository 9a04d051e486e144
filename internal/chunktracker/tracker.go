// Package chunktracker implements per-transfer chunk bookkeeping — the
// received set, the per-chunk failure ledger, the "expected next chunk"
// pointer, and the arrival/retry timer pair that drives retransmission.
//
// Every code path that changes a chunk's status cancels both of its
// timers before scheduling new ones; every Cleanup cancels everything
// left for that transfer. That discipline is centralized here in
// cancelArrivalTimer/scheduleArrival/scheduleRetry so no caller has to
// get it right independently.
package chunktracker

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Config holds the tunables for chunk retry/timeout behavior.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ArrivalTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		ArrivalTimeout: 30 * time.Second,
	}
}

// ComputeBackoff returns the retry delay for the given 1-based attempt
// number: BASE·2^(attempt-1), capped at MaxDelay, plus up to 10% jitter.
func ComputeBackoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
	if base > cfg.MaxDelay {
		base = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base)/10 + 1))
	return base + jitter
}

// LedgerEntry is the read-only failure-ledger record exposed to the
// control plane as a transfer's "retried chunks".
type LedgerEntry struct {
	ChunkIndex    int
	Attempts      int
	LastAttemptAt time.Time
	Status        Status
	Reason        Reason
}

// RetryInfo is a snapshot of a transfer's chunk bookkeeping.
type RetryInfo struct {
	TotalChunks    int
	ReceivedCount  int
	ExpectedNext   int
	Ledger         map[int]LedgerEntry
	CreatedAt      time.Time
	LastActivity   time.Time
}

type record struct {
	mu sync.Mutex

	transferID  string
	totalChunks int

	received map[int]bool
	ledger   map[int]*LedgerEntry

	expectedNext int

	createdAt    time.Time
	lastActivity time.Time

	arrivalTimer      Timer
	arrivalTimerChunk int
	retryTimers       map[int]Timer
}

// Tracker is the process-wide owner of every transfer's chunk records.
// It is safe for concurrent use by multiple connections/transfers; a
// single record's own mutex guards its internal state so unrelated
// transfers never contend.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record

	clock Clock
	cfg   Config

	eventsMu sync.RWMutex
	events   EventSink
}

// New creates a Tracker. clock and events may be swapped for fakes in
// tests; production callers pass NewRealClock() and a real EventSink.
// events may be nil if the owning Manager isn't constructed yet —
// wire it in afterward with SetEvents.
func New(clock Clock, events EventSink, cfg Config) *Tracker {
	if events == nil {
		events = NopEventSink{}
	}
	return &Tracker{
		records: make(map[string]*record),
		clock:   clock,
		events:  events,
		cfg:     cfg,
	}
}

// SetEvents swaps the event sink. Exists so a Tracker and its owning
// Manager (which implements EventSink) can be constructed in either
// order without a cyclic constructor dependency.
func (t *Tracker) SetEvents(events EventSink) {
	if events == nil {
		events = NopEventSink{}
	}
	t.eventsMu.Lock()
	t.events = events
	t.eventsMu.Unlock()
}

func (t *Tracker) eventSink() EventSink {
	t.eventsMu.RLock()
	defer t.eventsMu.RUnlock()
	return t.events
}

// ErrUnknownTransfer is returned by read/write operations (other than
// the timer-cancelling ones, which tolerate it) against a transfer id
// the tracker has never Init'd or has already Cleanup'd.
type ErrUnknownTransfer struct{ TransferID string }

func (e *ErrUnknownTransfer) Error() string {
	return fmt.Sprintf("chunktracker: unknown transfer %q", e.TransferID)
}

// ErrInvalidChunkIndex is returned for any chunk index outside
// [0, totalChunks).
type ErrInvalidChunkIndex struct {
	TransferID string
	Index      int
	Total      int
}

func (e *ErrInvalidChunkIndex) Error() string {
	return fmt.Sprintf("chunktracker: invalid chunk index %d for transfer %q (total=%d)", e.Index, e.TransferID, e.Total)
}

// ErrReinitMismatch is returned when Init is called twice for the same
// transfer id with a different total chunk count.
type ErrReinitMismatch struct {
	TransferID string
	Existing   int
	Requested  int
}

func (e *ErrReinitMismatch) Error() string {
	return fmt.Sprintf("chunktracker: transfer %q already initialized with total=%d, cannot reinit with total=%d", e.TransferID, e.Existing, e.Requested)
}

// Init registers a transfer with the tracker. totalChunks must be >= 1.
// Calling Init again for the same transfer id with the same total is a
// no-op; calling it with a different total is an error.
func (t *Tracker) Init(transferID string, totalChunks int) error {
	if totalChunks < 1 {
		return fmt.Errorf("chunktracker: totalChunks must be >= 1, got %d", totalChunks)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.records[transferID]; ok {
		if existing.totalChunks != totalChunks {
			return &ErrReinitMismatch{TransferID: transferID, Existing: existing.totalChunks, Requested: totalChunks}
		}
		return nil
	}

	now := t.clock.Now()
	rec := &record{
		transferID:        transferID,
		totalChunks:       totalChunks,
		received:          make(map[int]bool, totalChunks),
		ledger:            make(map[int]*LedgerEntry),
		expectedNext:      0,
		createdAt:         now,
		lastActivity:      now,
		arrivalTimerChunk: -1,
		retryTimers:       make(map[int]Timer),
	}
	t.records[transferID] = rec
	t.scheduleArrival(rec, 0)
	return nil
}

func (t *Tracker) get(transferID string) (*record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[transferID]
	return rec, ok
}

// MarkReceived records chunk_index as received. It returns firstTime
// false if the index had already been received (a replayed FILE_CHUNK
// is a no-op). Marks the chunk's ledger entry succeeded (keeping its
// attempts count for reporting), cancels its timers,
// and — if this was the awaited chunk — advances the expected pointer
// and arms an arrival timer for the new expectation, unless the
// transfer is now complete.
func (t *Tracker) MarkReceived(transferID string, chunkIndex int) (bool, error) {
	rec, ok := t.get(transferID)
	if !ok {
		return false, &ErrUnknownTransfer{TransferID: transferID}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if chunkIndex < 0 || chunkIndex >= rec.totalChunks {
		return false, &ErrInvalidChunkIndex{TransferID: transferID, Index: chunkIndex, Total: rec.totalChunks}
	}

	rec.lastActivity = t.clock.Now()

	if rec.received[chunkIndex] {
		return false, nil
	}
	rec.received[chunkIndex] = true

	if entry, ok := rec.ledger[chunkIndex]; ok {
		entry.Status = StatusSucceeded
		entry.LastAttemptAt = rec.lastActivity
	} else {
		rec.ledger[chunkIndex] = &LedgerEntry{
			ChunkIndex:    chunkIndex,
			Attempts:      0,
			LastAttemptAt: rec.lastActivity,
			Status:        StatusSucceeded,
		}
	}

	t.cancelRetryTimer(rec, chunkIndex)
	if rec.arrivalTimerChunk == chunkIndex {
		t.cancelArrivalTimer(rec)
	}

	if chunkIndex == rec.expectedNext {
		rec.expectedNext = chunkIndex + 1
		if len(rec.received) < rec.totalChunks {
			t.scheduleArrival(rec, rec.expectedNext)
		}
	}

	return true, nil
}

// MarkFailed records a failed attempt at chunkIndex for the given
// reason. It returns the new attempts count. If attempts exceeds
// MaxAttempts, a MaxRetriesExceeded event fires and no further retry is
// scheduled; otherwise a RetryDue event is scheduled after the computed
// backoff delay.
func (t *Tracker) MarkFailed(transferID string, chunkIndex int, reason Reason) (int, error) {
	rec, ok := t.get(transferID)
	if !ok {
		return 0, &ErrUnknownTransfer{TransferID: transferID}
	}

	rec.mu.Lock()
	if chunkIndex < 0 || chunkIndex >= rec.totalChunks {
		rec.mu.Unlock()
		return 0, &ErrInvalidChunkIndex{TransferID: transferID, Index: chunkIndex, Total: rec.totalChunks}
	}

	now := t.clock.Now()
	rec.lastActivity = now

	entry, ok := rec.ledger[chunkIndex]
	if !ok {
		entry = &LedgerEntry{ChunkIndex: chunkIndex}
		rec.ledger[chunkIndex] = entry
	}
	entry.Attempts++
	entry.LastAttemptAt = now
	entry.Status = StatusFailed
	entry.Reason = reason
	attempts := entry.Attempts

	if rec.arrivalTimerChunk == chunkIndex {
		t.cancelArrivalTimer(rec)
	}

	exceeded := attempts > t.cfg.MaxAttempts
	var nextAttempt int
	if !exceeded {
		nextAttempt = attempts + 1
		delay := ComputeBackoff(t.cfg, attempts)
		t.scheduleRetry(rec, chunkIndex, nextAttempt, reason, delay)
	}
	rec.mu.Unlock()

	if exceeded {
		t.eventSink().MaxRetriesExceeded(transferID, chunkIndex, attempts, reason)
	}

	return attempts, nil
}

// IsComplete reports whether every chunk has been received.
func (t *Tracker) IsComplete(transferID string) bool {
	rec, ok := t.get(transferID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.received) == rec.totalChunks
}

// Missing returns the sorted list of chunk indices not yet received.
func (t *Tracker) Missing(transferID string) []int {
	rec, ok := t.get(transferID)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	missing := make([]int, 0, rec.totalChunks-len(rec.received))
	for i := 0; i < rec.totalChunks; i++ {
		if !rec.received[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// RetryInfo returns a snapshot of the transfer's bookkeeping, or false
// if the transfer is unknown.
func (t *Tracker) RetryInfo(transferID string) (RetryInfo, bool) {
	rec, ok := t.get(transferID)
	if !ok {
		return RetryInfo{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	ledger := make(map[int]LedgerEntry, len(rec.ledger))
	for idx, entry := range rec.ledger {
		ledger[idx] = *entry
	}

	return RetryInfo{
		TotalChunks:   rec.totalChunks,
		ReceivedCount: len(rec.received),
		ExpectedNext:  rec.expectedNext,
		Ledger:        ledger,
		CreatedAt:     rec.createdAt,
		LastActivity:  rec.lastActivity,
	}, true
}

// Cleanup cancels every timer for transferID and drops its record. It
// is a no-op for unknown transfer ids, tolerating a race with a chunk
// that arrives just after cleanup.
func (t *Tracker) Cleanup(transferID string) {
	t.mu.Lock()
	rec, ok := t.records[transferID]
	if ok {
		delete(t.records, transferID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	rec.mu.Lock()
	t.cancelArrivalTimer(rec)
	for idx := range rec.retryTimers {
		t.cancelRetryTimer(rec, idx)
	}
	rec.mu.Unlock()
}

// scheduleArrival arms the arrival timer for chunkIndex. Callers must
// hold rec.mu.
func (t *Tracker) scheduleArrival(rec *record, chunkIndex int) {
	t.cancelArrivalTimer(rec)
	rec.arrivalTimerChunk = chunkIndex
	transferID := rec.transferID
	rec.arrivalTimer = t.clock.AfterFunc(t.cfg.ArrivalTimeout, func() {
		t.onArrivalTimeout(transferID, chunkIndex)
	})
}

// cancelArrivalTimer stops the arrival timer, if any. Callers must hold
// rec.mu.
func (t *Tracker) cancelArrivalTimer(rec *record) {
	if rec.arrivalTimer != nil {
		rec.arrivalTimer.Stop()
		rec.arrivalTimer = nil
	}
	rec.arrivalTimerChunk = -1
}

// scheduleRetry arms a retry timer for chunkIndex after delay. Callers
// must hold rec.mu.
func (t *Tracker) scheduleRetry(rec *record, chunkIndex, nextAttempt int, reason Reason, delay time.Duration) {
	t.cancelRetryTimer(rec, chunkIndex)
	transferID := rec.transferID
	rec.retryTimers[chunkIndex] = t.clock.AfterFunc(delay, func() {
		t.eventSink().RetryDue(transferID, chunkIndex, nextAttempt, reason)
		t.restartArrivalAfterRetry(transferID, chunkIndex)
	})
}

// cancelRetryTimer stops chunkIndex's retry timer, if any. Callers must
// hold rec.mu.
func (t *Tracker) cancelRetryTimer(rec *record, chunkIndex int) {
	if timer, ok := rec.retryTimers[chunkIndex]; ok {
		timer.Stop()
		delete(rec.retryTimers, chunkIndex)
	}
}

// restartArrivalAfterRetry re-arms the arrival timer for chunkIndex once
// a RETRY_CHUNK has been dispatched, so a silent endpoint still times
// out rather than hanging forever.
func (t *Tracker) restartArrivalAfterRetry(transferID string, chunkIndex int) {
	rec, ok := t.get(transferID)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.received[chunkIndex] {
		return
	}
	t.scheduleArrival(rec, chunkIndex)
}

// onArrivalTimeout fires when the expected chunk fails to arrive in
// time. If the chunk was received in the race between timer fire and
// this callback running, the event is suppressed.
func (t *Tracker) onArrivalTimeout(transferID string, chunkIndex int) {
	rec, ok := t.get(transferID)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.received[chunkIndex] || rec.arrivalTimerChunk != chunkIndex {
		rec.mu.Unlock()
		return
	}
	rec.arrivalTimer = nil
	rec.arrivalTimerChunk = -1
	rec.mu.Unlock()

	t.eventSink().ArrivalTimeout(transferID, chunkIndex)
}
