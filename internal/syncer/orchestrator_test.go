package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/queue"
	"fieldsync/internal/reconcile"
)

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return queue.NewStore(db)
}

type submission struct {
	kind  queue.Kind
	items []reconcile.Item
}

// fakeTransport answers batches from a scripted respond func and
// records every submission.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []submission
	respond func(kind queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error)
}

func (f *fakeTransport) SubmitBatch(_ context.Context, kind queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, submission{kind: kind, items: items})
	f.mu.Unlock()
	return f.respond(kind, items)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func allSuccess(_ queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
	resp := reconcile.BatchResponse{Success: true, Total: len(items)}
	for _, item := range items {
		resp.Results = append(resp.Results, reconcile.Result{LocalID: item.LocalID, Success: true, ServerID: "srv-" + item.LocalID})
		resp.Synced++
	}
	return resp, nil
}

func enqueue(t *testing.T, store *queue.Store, op queue.PendingOperation) string {
	t.Helper()
	localID, err := store.Enqueue(op)
	require.NoError(t, err)
	return localID
}

func TestTriggerSync_DrainsAllKinds(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{respond: allSuccess}
	orch := New(store, transport, 100, 24*time.Hour)

	enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S1"})
	enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S2"})
	enqueue(t, store, queue.PendingOperation{Kind: queue.KindAttendance, StudentID: "stu-1", SessionID: "sess-1"})

	summary := orch.TriggerSync(context.Background())
	require.True(t, summary.Ran)
	assert.Equal(t, 3, summary.Synced)
	assert.Zero(t, summary.Failed)

	// One batch per kind with queued work, sent sequentially.
	require.Equal(t, 2, transport.callCount())
	assert.Equal(t, queue.KindCheckIn, transport.calls[0].kind)
	assert.Len(t, transport.calls[0].items, 2)
	assert.Equal(t, queue.KindAttendance, transport.calls[1].kind)

	pending, err := store.ListByStatus(queue.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	synced, err := store.ListByStatus(queue.StatusSynced)
	require.NoError(t, err)
	assert.Len(t, synced, 3)
	for _, op := range synced {
		assert.Equal(t, "srv-"+op.LocalID, op.ServerID)
	}
}

func TestTriggerSync_SplitsIntoBoundedBatches(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{respond: allSuccess}
	orch := New(store, transport, 2, 24*time.Hour)

	for i := 0; i < 5; i++ {
		enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S1"})
	}

	summary := orch.TriggerSync(context.Background())
	assert.Equal(t, 5, summary.Synced)
	require.Equal(t, 3, transport.callCount())
	for _, call := range transport.calls {
		assert.LessOrEqual(t, len(call.items), 2)
	}
}

func TestTriggerSync_RejectedBecomesFailedAndStays(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{respond: func(_ queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
		resp := reconcile.BatchResponse{Success: true}
		for _, item := range items {
			resp.Results = append(resp.Results, reconcile.Result{LocalID: item.LocalID, Error: "subject_excluded"})
			resp.Failed++
		}
		return resp, nil
	}}
	orch := New(store, transport, 100, 24*time.Hour)

	localID := enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S200"})

	summary := orch.TriggerSync(context.Background())
	assert.Equal(t, 1, summary.Failed)

	op, err := store.Get(localID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, op.SyncStatus)
	assert.Equal(t, "subject_excluded", op.ErrorMsg)

	// Failed operations are never auto-retried.
	transportCalls := transport.callCount()
	orch.TriggerSync(context.Background())
	assert.Equal(t, transportCalls, transport.callCount())
}

func TestTriggerSync_DuplicateResolvesToSynced(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{respond: func(_ queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
		resp := reconcile.BatchResponse{Success: true}
		for _, item := range items {
			resp.Results = append(resp.Results, reconcile.Result{
				LocalID: item.LocalID, Success: true, Outcome: reconcile.OutcomeDuplicate, ServerID: "srv-earlier",
			})
			resp.Synced++
		}
		return resp, nil
	}}
	orch := New(store, transport, 100, 24*time.Hour)

	localID := enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S1"})
	summary := orch.TriggerSync(context.Background())
	assert.Equal(t, 1, summary.Synced)

	op, err := store.Get(localID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSynced, op.SyncStatus)
	assert.Equal(t, "srv-earlier", op.ServerID)
}

func TestTriggerSync_TransientErrorRevertsAndRetries(t *testing.T) {
	store := newTestStore(t)
	fail := true
	transport := &fakeTransport{respond: func(kind queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
		if fail {
			return reconcile.BatchResponse{}, errors.New("connection refused")
		}
		return allSuccess(kind, items)
	}}
	orch := New(store, transport, 100, 24*time.Hour)

	localID := enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S1"})

	summary := orch.TriggerSync(context.Background())
	assert.Equal(t, 1, summary.Reverted)
	op, err := store.Get(localID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, op.SyncStatus, "transient failure goes back to pending")

	// Cycle 2 converges without operator action.
	fail = false
	summary = orch.TriggerSync(context.Background())
	assert.Equal(t, 1, summary.Synced)
	op, err = store.Get(localID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSynced, op.SyncStatus)
}

func TestTriggerSync_CommitFailureReturnsToPendingAndRetries(t *testing.T) {
	// A failed commit phase comes back as an HTTP 200 whose items are
	// all unsuccessful but marked transient. Those operations must go
	// back to pending, not failed, and sync on a later cycle.
	store := newTestStore(t)
	commitDown := true
	transport := &fakeTransport{respond: func(kind queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
		if !commitDown {
			return allSuccess(kind, items)
		}
		resp := reconcile.BatchResponse{Success: true, Total: len(items)}
		for _, item := range items {
			resp.Results = append(resp.Results, reconcile.Result{
				LocalID: item.LocalID, Error: "commit failed, retry later", Transient: true,
			})
			resp.Failed++
		}
		return resp, nil
	}}
	orch := New(store, transport, 100, 24*time.Hour)

	localID := enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S1"})

	summary := orch.TriggerSync(context.Background())
	assert.Equal(t, 1, summary.Reverted)
	assert.Zero(t, summary.Failed)
	op, err := store.Get(localID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, op.SyncStatus)
	assert.Empty(t, op.ErrorMsg)

	commitDown = false
	summary = orch.TriggerSync(context.Background())
	assert.Equal(t, 1, summary.Synced)
	op, err = store.Get(localID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSynced, op.SyncStatus)
}

func TestTriggerSync_MidCycleFailureRevertsRemainder(t *testing.T) {
	store := newTestStore(t)
	calls := 0
	transport := &fakeTransport{respond: func(kind queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
		calls++
		if calls > 1 {
			return reconcile.BatchResponse{}, errors.New("timeout")
		}
		return allSuccess(kind, items)
	}}
	orch := New(store, transport, 1, 24*time.Hour)

	enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S1"})
	enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S2"})
	enqueue(t, store, queue.PendingOperation{Kind: queue.KindAttendance, StudentID: "stu-1", SessionID: "sess-1"})

	summary := orch.TriggerSync(context.Background())
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 2, summary.Reverted, "failed batch and unsent work revert")

	syncing, err := store.ListByStatus(queue.StatusSyncing)
	require.NoError(t, err)
	assert.Empty(t, syncing, "no item may be left in syncing after a cycle")
}

func TestTriggerSync_SingleFlight(t *testing.T) {
	store := newTestStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{respond: func(kind queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
		close(started)
		<-release
		return allSuccess(kind, items)
	}}
	orch := New(store, transport, 100, 24*time.Hour)

	enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S1"})

	done := make(chan SyncSummary, 1)
	go func() { done <- orch.TriggerSync(context.Background()) }()
	<-started

	// A second trigger while the first cycle runs is a no-op.
	second := orch.TriggerSync(context.Background())
	assert.False(t, second.Ran)

	close(release)
	first := <-done
	assert.True(t, first.Ran)
	assert.Equal(t, 1, first.Synced)
}

func TestTriggerSync_PurgesOldSynced(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{respond: allSuccess}
	orch := New(store, transport, 100, 1*time.Nanosecond)

	localID := enqueue(t, store, queue.PendingOperation{Kind: queue.KindCheckIn, StudentNo: "S1"})
	first := orch.TriggerSync(context.Background())

	time.Sleep(5 * time.Millisecond)
	second := orch.TriggerSync(context.Background())
	assert.Equal(t, 1, first.Purged+second.Purged)
	_, err := store.Get(localID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}
