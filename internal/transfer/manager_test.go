package transfer

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artemis/pullhub/internal/checksum"
	"github.com/artemis/pullhub/internal/chunktracker"
	"github.com/artemis/pullhub/internal/observability"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sinkProxy lets the tracker and the Manager that implements its
// EventSink be constructed in either order.
type sinkProxy struct{ m *Manager }

func (s *sinkProxy) ArrivalTimeout(id string, idx int) { s.m.ArrivalTimeout(id, idx) }
func (s *sinkProxy) RetryDue(id string, idx, attempt int, reason chunktracker.Reason) {
	s.m.RetryDue(id, idx, attempt, reason)
}
func (s *sinkProxy) MaxRetriesExceeded(id string, idx, attempts int, reason chunktracker.Reason) {
	s.m.MaxRetriesExceeded(id, idx, attempts, reason)
}

type recordedRetry struct {
	transferID, endpointID, reason string
	chunkIndex, attempt            int
}

type recordingDispatcher struct {
	calls []recordedRetry
}

func (d *recordingDispatcher) DispatchRetry(transferID, endpointID string, chunkIndex, attempt int, reason string) {
	d.calls = append(d.calls, recordedRetry{transferID, endpointID, reason, chunkIndex, attempt})
}

func newTestManager(t *testing.T) (*Manager, *fakeClock, *chunktracker.Tracker) {
	t.Helper()
	scratchDir := t.TempDir()
	outputDir := t.TempDir()

	clock := newFakeClock()
	proxy := &sinkProxy{}
	tracker := chunktracker.New(clock, proxy, chunktracker.DefaultConfig())
	logger := &observability.Logger{Logger: zap.NewNop()}
	mgr := NewManager(scratchDir, outputDir, tracker, clock, logger, 24*time.Hour)
	proxy.m = mgr
	return mgr, clock, tracker
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

type recordedUpdate struct {
	transferID, endpointID string
	status                 Status
}

type recordingObserver struct {
	updates []recordedUpdate
}

func (o *recordingObserver) OnTransferUpdate(transferID, endpointID string, status Status) {
	o.updates = append(o.updates, recordedUpdate{transferID, endpointID, status})
}

func TestObserverSeesFullLifecycle(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	obs := &recordingObserver{}
	mgr.SetObserver(obs)

	const content = "Hello, World!"
	fileChecksum := checksum.Hash([]byte(content))

	snap, err := mgr.Create("edge-001", "/data/x.txt", "")
	require.NoError(t, err)

	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{
		Success: true, FileSize: int64(len(content)), TotalChunks: 1, FileChecksum: fileChecksum,
	}))
	_, err = mgr.OnChunk(snap.ID, 0, b64(content), checksum.Hash([]byte(content)))
	require.NoError(t, err)
	require.NoError(t, mgr.OnComplete(snap.ID, fileChecksum))

	require.Equal(t, []recordedUpdate{
		{snap.ID, "edge-001", StatusPending},
		{snap.ID, "edge-001", StatusInProgress},
		{snap.ID, "edge-001", StatusCompleted},
	}, obs.updates)
}

func TestHappyPathSingleChunk(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	const content = "Hello, World!"
	fileChecksum := checksum.Hash([]byte(content))

	snap, err := mgr.Create("edge-001", "/data/x.txt", "")
	require.NoError(t, err)

	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{
		Success: true, FileSize: int64(len(content)), TotalChunks: 1, FileChecksum: fileChecksum,
	}))

	outcome, err := mgr.OnChunk(snap.ID, 0, b64(content), checksum.Hash([]byte(content)))
	require.NoError(t, err)
	require.Equal(t, ChunkOK, outcome)

	require.NoError(t, mgr.OnComplete(snap.ID, fileChecksum))

	final, ok := mgr.Get(snap.ID)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, final.Status)
	require.Equal(t, 100, final.Progress.Percentage)
}

func TestHappyPathFileContentsMatch(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	const content = "Hello, World!"
	fileChecksum := checksum.Hash([]byte(content))

	snap, err := mgr.Create("edge-001", "/data/x.txt", "")
	require.NoError(t, err)

	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{
		Success: true, FileSize: int64(len(content)), TotalChunks: 1, FileChecksum: fileChecksum,
	}))
	_, err = mgr.OnChunk(snap.ID, 0, b64(content), checksum.Hash([]byte(content)))
	require.NoError(t, err)
	require.NoError(t, mgr.OnComplete(snap.ID, fileChecksum))

	final, ok := mgr.Get(snap.ID)
	require.True(t, ok)

	out, err := os.ReadFile(finalOutputPath(t, mgr, final.ID))
	require.NoError(t, err)
	require.Equal(t, content, string(out))
}

func finalOutputPath(t *testing.T, mgr *Manager, id string) string {
	t.Helper()
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	tr, ok := mgr.transfers[id]
	require.True(t, ok)
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.OutputPath
}

func TestCorruptedChunkIsRetriedThenSucceeds(t *testing.T) {
	mgr, clock, _ := newTestManager(t)

	chunk0 := make([]byte, ChunkSize)
	chunk1 := make([]byte, ChunkSize/2)
	for i := range chunk1 {
		chunk1[i] = byte(i)
	}
	whole := append(append([]byte{}, chunk0...), chunk1...)
	wholeChecksum := checksum.Hash(whole)

	snap, err := mgr.Create("edge-001", "/data/big.bin", "")
	require.NoError(t, err)

	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{
		Success: true, FileSize: int64(len(whole)), TotalChunks: 2, FileChecksum: wholeChecksum,
	}))

	outcome, err := mgr.OnChunk(snap.ID, 0, b64(string(chunk0)), checksum.Hash(chunk0))
	require.NoError(t, err)
	require.Equal(t, ChunkOK, outcome)

	outcome, err = mgr.OnChunk(snap.ID, 1, b64(string(chunk1)), "0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.Equal(t, ChunkRetry, outcome)

	clock.Advance(2 * time.Second)

	outcome, err = mgr.OnChunk(snap.ID, 1, b64(string(chunk1)), checksum.Hash(chunk1))
	require.NoError(t, err)
	require.Equal(t, ChunkOK, outcome)

	require.NoError(t, mgr.OnComplete(snap.ID, wholeChecksum))

	final, ok := mgr.Get(snap.ID)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Progress.RetriedChunks, 1)
	require.Equal(t, 1, final.Progress.RetriedChunks[0].ChunkIndex)
	require.Equal(t, chunktracker.StatusSucceeded, final.Progress.RetriedChunks[0].Status)
}

func TestCancelMidTransferRemovesScratchFile(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	snap, err := mgr.Create("edge-001", "/data/big.bin", "")
	require.NoError(t, err)
	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: true, FileSize: 100 * ChunkSize, TotalChunks: 100, FileChecksum: "x"}))

	chunk := make([]byte, ChunkSize)
	_, err = mgr.OnChunk(snap.ID, 0, b64(string(chunk)), checksum.Hash(chunk))
	require.NoError(t, err)

	scratchPath := finalScratchPath(t, mgr, snap.ID)
	_, statErr := os.Stat(scratchPath)
	require.NoError(t, statErr)

	require.NoError(t, mgr.Cancel(snap.ID, "operator request"))

	_, statErr = os.Stat(scratchPath)
	require.True(t, os.IsNotExist(statErr))

	final, ok := mgr.Get(snap.ID)
	require.True(t, ok)
	require.Equal(t, StatusCancelled, final.Status)

	outcome, err := mgr.OnChunk(snap.ID, 1, b64(string(chunk)), checksum.Hash(chunk))
	require.NoError(t, err)
	require.Equal(t, ChunkOK, outcome)
}

func finalScratchPath(t *testing.T, mgr *Manager, id string) string {
	t.Helper()
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	tr, ok := mgr.transfers[id]
	require.True(t, ok)
	return tr.ScratchPath
}

func TestCancelOnTerminalTransferIsConflict(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	snap, err := mgr.Create("edge-001", "/data/x.txt", "")
	require.NoError(t, err)
	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: false, ErrorCode: CodeFileNotFound, ErrorMessage: "no such file"}))

	err = mgr.Cancel(snap.ID, "too late")
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, KindConflict, terr.Kind)
}

func TestMaxRetriesExhaustedFailsTransfer(t *testing.T) {
	mgr, clock, _ := newTestManager(t)

	snap, err := mgr.Create("edge-001", "/data/x.bin", "")
	require.NoError(t, err)
	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: true, FileSize: ChunkSize, TotalChunks: 1, FileChecksum: "irrelevant"}))

	badChecksum := "0000000000000000000000000000000000000000000000000000000000000000"
	chunk := make([]byte, ChunkSize)

	for i := 0; i < 4; i++ {
		_, err := mgr.OnChunk(snap.ID, 0, b64(string(chunk)), badChecksum)
		require.NoError(t, err)
		clock.Advance(35 * time.Second)
	}

	final, ok := mgr.Get(snap.ID)
	require.True(t, ok)
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, CodeChunkTransferFailed, final.ErrorCode)
}

func TestAckFailureIsTerminalImmediately(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	snap, err := mgr.Create("edge-001", "/data/missing.txt", "")
	require.NoError(t, err)

	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: false, ErrorCode: CodeFileNotFound, ErrorMessage: "no such file"}))

	final, ok := mgr.Get(snap.ID)
	require.True(t, ok)
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, CodeFileNotFound, final.ErrorCode)
}

func TestUnknownTransferAckIsDroppedNotErrored(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	require.NoError(t, mgr.OnAck("00000000-0000-4000-8000-000000000000", AckInfo{Success: true}))
}

func TestInvalidBase64IsRetryEligible(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	snap, err := mgr.Create("edge-001", "/data/x.bin", "")
	require.NoError(t, err)
	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: true, FileSize: ChunkSize, TotalChunks: 1, FileChecksum: "irrelevant"}))

	outcome, err := mgr.OnChunk(snap.ID, 0, "not-valid-base64!!!", checksum.Hash([]byte("anything")))
	require.NoError(t, err)
	require.Equal(t, ChunkRetry, outcome)
}

func TestMissingChunksAtCompleteTriggerRetryDispatch(t *testing.T) {
	mgr, clock, _ := newTestManager(t)
	dispatcher := &recordingDispatcher{}
	mgr.SetDispatcher(dispatcher)

	snap, err := mgr.Create("edge-001", "/data/x.bin", "")
	require.NoError(t, err)
	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: true, FileSize: 2 * ChunkSize, TotalChunks: 2, FileChecksum: "irrelevant"}))

	chunk := make([]byte, ChunkSize)
	_, err = mgr.OnChunk(snap.ID, 0, b64(string(chunk)), checksum.Hash(chunk))
	require.NoError(t, err)

	require.NoError(t, mgr.OnComplete(snap.ID, "irrelevant"))

	final, ok := mgr.Get(snap.ID)
	require.True(t, ok)
	require.Equal(t, StatusInProgress, final.Status)

	clock.Advance(2 * time.Second)
	require.Len(t, dispatcher.calls, 1)
	require.Equal(t, 1, dispatcher.calls[0].chunkIndex)
	require.Equal(t, "edge-001", dispatcher.calls[0].endpointID)
}

func TestSweepEvictsOldTerminalTransfers(t *testing.T) {
	mgr, clock, _ := newTestManager(t)

	snap, err := mgr.Create("edge-001", "/data/x.txt", "")
	require.NoError(t, err)
	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: false, ErrorCode: CodeFileNotFound}))

	require.Equal(t, 0, mgr.Sweep())

	clock.Advance(25 * time.Hour)
	require.Equal(t, 1, mgr.Sweep())

	_, ok := mgr.Get(snap.ID)
	require.False(t, ok)
}

func TestHasActiveTransferReflectsNonTerminalStatus(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	require.False(t, mgr.HasActiveTransfer("edge-001"))

	snap, err := mgr.Create("edge-001", "/data/x.txt", "")
	require.NoError(t, err)
	require.True(t, mgr.HasActiveTransfer("edge-001"))

	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: false, ErrorCode: CodeFileNotFound}))
	require.False(t, mgr.HasActiveTransfer("edge-001"))
}

func TestShutdownFailsOutstandingTransfers(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	snap, err := mgr.Create("edge-001", "/data/x.txt", "")
	require.NoError(t, err)
	require.NoError(t, mgr.OnAck(snap.ID, AckInfo{Success: true, FileSize: ChunkSize, TotalChunks: 1, FileChecksum: "x"}))

	mgr.Shutdown()

	final, ok := mgr.Get(snap.ID)
	require.True(t, ok)
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, "shutdown", final.ErrorMessage)
}

func TestCreateRejectsMalformedRequestID(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Create("edge-001", "/data/x.txt", "not-a-uuid")
	require.Error(t, err)
}

func TestCreateRejectsDuplicateExplicitID(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	id := "11111111-1111-4111-8111-111111111111"
	_, err := mgr.Create("edge-001", "/data/x.txt", id)
	require.NoError(t, err)
	_, err = mgr.Create("edge-002", "/data/y.txt", id)
	require.Error(t, err)
}

func TestListFiltersAndPaginates(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		_, err := mgr.Create("edge-001", filepath.Join("/data", string(rune('a'+i))), "")
		require.NoError(t, err)
	}
	_, err := mgr.Create("edge-002", "/data/other.txt", "")
	require.NoError(t, err)

	results, total := mgr.List(ListFilter{EndpointID: "edge-001"})
	require.Equal(t, 3, total)
	require.Len(t, results, 3)

	page, total := mgr.List(ListFilter{EndpointID: "edge-001", Limit: 2, Offset: 1})
	require.Equal(t, 3, total)
	require.Len(t, page, 2)
}
