package syncjob

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "docucore/internal/errors"
	"docucore/internal/scheduler"
	"docucore/internal/storage"
	"docucore/internal/types"
)

func fastStrategy() scheduler.Strategy {
	return scheduler.Strategy{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: 10 * time.Millisecond, Jitter: 0}
}

type stubExecutor struct {
	mu    sync.Mutex
	calls int32
	fn    func(ctx context.Context, docID types.DocumentID) error
}

func (s *stubExecutor) ExecuteSync(ctx context.Context, docID types.DocumentID) error {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, docID)
}

func newTestMachine(t *testing.T) (*Machine, *storage.MemoryRelationalStore, *stubExecutor) {
	t.Helper()
	store := storage.NewMemoryRelationalStore()
	m := NewMachine(store, scheduler.New(nil), fastStrategy())
	exec := &stubExecutor{}
	m.SetExecutor(exec)
	return m, store, exec
}

func seedDocument(t *testing.T, store *storage.MemoryRelationalStore, docID types.DocumentID) {
	t.Helper()
	require.NoError(t, store.CreateDocument(context.Background(), &types.Document{
		ID: docID, CollectionID: "col_1", Key: "k", Name: "n", Status: types.DocumentStatusNew,
	}))
}

func TestEnsure_CreatesJobInNew(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()

	job, err := m.Ensure(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusNew, job.Status)
	assert.Zero(t, job.Attempts)

	again, err := m.Ensure(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, job.CreatedAt, again.CreatedAt)

	stored, err := store.GetSyncJob(ctx, "doc_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestAdvance_WalksThePipeline(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	_, err := m.Ensure(ctx, "doc_1")
	require.NoError(t, err)

	require.NoError(t, m.MarkSplitOK(ctx, "doc_1"))
	require.NoError(t, m.MarkEmbedOK(ctx, "doc_1"))
	require.NoError(t, m.MarkSynced(ctx, "doc_1"))

	job, err := store.GetSyncJob(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusSynced, job.Status)
}

func TestAdvance_ReMarkingPassedStageIsNoOp(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	_, err := m.Ensure(ctx, "doc_1")
	require.NoError(t, err)

	require.NoError(t, m.MarkSplitOK(ctx, "doc_1"))
	require.NoError(t, m.MarkEmbedOK(ctx, "doc_1"))
	// A resumed execution re-marks the earlier stage; status must not move
	// backwards.
	require.NoError(t, m.MarkSplitOK(ctx, "doc_1"))

	job, err := store.GetSyncJob(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusEmbedOK, job.Status)
}

func TestAdvance_SkippingAStageIsIllegal(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	_, err := m.Ensure(ctx, "doc_1")
	require.NoError(t, err)

	err = m.MarkEmbedOK(ctx, "doc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal sync transition")
}

func TestFail_SchedulableArmsRetry(t *testing.T) {
	m, store, exec := newTestMachine(t)
	ctx := context.Background()
	seedDocument(t, store, "doc_1")
	_, err := m.Ensure(ctx, "doc_1")
	require.NoError(t, err)

	done := make(chan struct{})
	var once sync.Once
	exec.fn = func(cbCtx context.Context, docID types.DocumentID) error {
		// The re-execution resumes the pipeline; advancing the job lets the
		// retry driver see it leave RETRYING.
		require.NoError(t, m.MarkSplitOK(cbCtx, docID))
		once.Do(func() { close(done) })
		return nil
	}

	require.NoError(t, m.Fail(ctx, "doc_1", errors.New("connection refused"), apperrors.CategoryTransientNetwork))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry did not re-invoke the executor")
	}

	job, err := store.GetSyncJob(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusSplitOK, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestFail_TerminalCategoryGoesDead(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	seedDocument(t, store, "doc_1")
	_, err := m.Ensure(ctx, "doc_1")
	require.NoError(t, err)

	require.NoError(t, m.Fail(ctx, "doc_1", errors.New("invalid api key"), apperrors.CategoryInvalidInput))

	job, err := store.GetSyncJob(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusDead, job.Status)

	doc, err := store.GetDocument(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, types.DocumentStatusFailed, doc.Status)
}

func TestFail_ExhaustedAttemptsGoDead(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	seedDocument(t, store, "doc_1")

	job, err := m.Ensure(ctx, "doc_1")
	require.NoError(t, err)
	job.Attempts = fastStrategy().MaxRetries
	require.NoError(t, store.UpsertSyncJob(ctx, job))

	require.NoError(t, m.Fail(ctx, "doc_1", errors.New("timeout"), apperrors.CategoryTimeout))

	got, err := store.GetSyncJob(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusDead, got.Status)
}

func TestTriggerSync_CoalescesConcurrentCalls(t *testing.T) {
	m, store, exec := newTestMachine(t)
	ctx := context.Background()
	seedDocument(t, store, "doc_1")

	started := make(chan struct{})
	release := make(chan struct{})
	exec.fn = func(context.Context, types.DocumentID) error {
		close(started)
		<-release
		return nil
	}

	go func() { _ = m.TriggerSync(ctx, "doc_1") }()
	<-started

	// Second trigger while the first is in flight returns without a second
	// execution.
	require.NoError(t, m.TriggerSync(ctx, "doc_1"))
	close(release)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.calls) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTriggerSync_TerminalJobIsLeftAlone(t *testing.T) {
	m, store, exec := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSyncJob(ctx, &types.SyncJob{DocID: "doc_1", Status: types.SyncStatusSynced}))

	require.NoError(t, m.TriggerSync(ctx, "doc_1"))
	assert.Zero(t, atomic.LoadInt32(&exec.calls))
}

func TestReset_ReturnsJobToNew(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertSyncJob(ctx, &types.SyncJob{
		DocID: "doc_1", Status: types.SyncStatusDead, Attempts: 3, LastError: "x", ErrorCategory: "terminal",
	}))

	require.NoError(t, m.Reset(ctx, "doc_1"))

	job, err := store.GetSyncJob(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusNew, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.LastError)
}

func TestInitialize_RequeuesInterruptedJobs(t *testing.T) {
	m, store, exec := newTestMachine(t)
	ctx := context.Background()
	seedDocument(t, store, "doc_mid")
	require.NoError(t, store.UpsertSyncJob(ctx, &types.SyncJob{DocID: "doc_mid", Status: types.SyncStatusSplitOK}))

	require.NoError(t, m.Initialize(ctx))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.calls) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestInitialize_ReArmsRetryingJobs(t *testing.T) {
	m, store, exec := newTestMachine(t)
	ctx := context.Background()
	seedDocument(t, store, "doc_retry")
	require.NoError(t, store.UpsertSyncJob(ctx, &types.SyncJob{
		DocID:         "doc_retry",
		Status:        types.SyncStatusRetrying,
		Attempts:      1,
		LastError:     "connection refused",
		ErrorCategory: string(apperrors.CategoryTransientNetwork),
	}))
	exec.fn = func(cbCtx context.Context, docID types.DocumentID) error {
		return m.MarkSplitOK(cbCtx, docID)
	}

	require.NoError(t, m.Initialize(ctx))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.calls) == 1
	}, time.Second, 10*time.Millisecond)

	// Re-arming an interrupted retry does not consume an extra attempt.
	job, err := store.GetSyncJob(ctx, "doc_retry")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
}

func TestInitialize_DeadLettersUnschedulableFailures(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	seedDocument(t, store, "doc_bad")
	require.NoError(t, store.UpsertSyncJob(ctx, &types.SyncJob{
		DocID:         "doc_bad",
		Status:        types.SyncStatusFailed,
		Attempts:      0,
		LastError:     "invalid input",
		ErrorCategory: string(apperrors.CategoryInvalidInput),
	}))

	require.NoError(t, m.Initialize(ctx))

	job, err := store.GetSyncJob(ctx, "doc_bad")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusDead, job.Status)
}
