package transfer

import (
	"os"
	"sync"
	"time"

	"github.com/artemis/pullhub/internal/chunktracker"
)

// Status is one of the five states a Transfer passes through.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress is the derived, read-only progress snapshot the control
// plane reports for a transfer.
type Progress struct {
	ChunksReceived int
	TotalChunks    int
	Percentage     int
	BytesReceived  int64
	RetriedChunks  []chunktracker.LedgerEntry
}

// Transfer is one file-pull operation bound to a single endpoint for
// its entire life (Invariant A).
type Transfer struct {
	ID         string
	EndpointID string
	RemotePath string
	Requester  string

	Status Status

	FileSize       int64
	TotalChunks    int
	FileChecksum   string
	ChunksReceived int

	ScratchPath string
	OutputPath  string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration

	ErrorCode    string
	ErrorMessage string

	mu            sync.RWMutex
	scratch       *os.File
	scratchClosed bool
}

// Snapshot is an immutable copy of a Transfer's externally visible
// fields, safe to hand to the control plane without holding any lock.
type Snapshot struct {
	ID           string
	EndpointID   string
	RemotePath   string
	Status       Status
	FileSize     int64
	TotalChunks  int
	FileChecksum string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration
	ErrorCode    string
	ErrorMessage string
	Progress     Progress
}

func (t *Transfer) snapshot(progress Progress) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:           t.ID,
		EndpointID:   t.EndpointID,
		RemotePath:   t.RemotePath,
		Status:       t.Status,
		FileSize:     t.FileSize,
		TotalChunks:  t.TotalChunks,
		FileChecksum: t.FileChecksum,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
		Duration:     t.Duration,
		ErrorCode:    t.ErrorCode,
		ErrorMessage: t.ErrorMessage,
		Progress:     progress,
	}
}

// closeScratch closes the scratch handle exactly once (Invariant C /
// testable property 6). Safe to call multiple times and on a
// never-opened handle.
func (t *Transfer) closeScratch() error {
	if t.scratchClosed {
		return nil
	}
	t.scratchClosed = true
	if t.scratch == nil {
		return nil
	}
	return t.scratch.Close()
}
