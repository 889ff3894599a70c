// Package syncjob implements the per-document sync state machine.
// Every transition is persisted to the relational store before the next
// stage's side effect is attempted, so after a crash each job resumes from
// its last durably-recorded state.
package syncjob

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcperrors "docucore/internal/errors"
	"docucore/internal/logging"
	"docucore/internal/scheduler"
	"docucore/internal/storage"
	"docucore/internal/types"
)

// Executor runs the ingestion pipeline for one document. The coordinator
// implements it; the machine only knows how to invoke and reinvoke it.
type Executor interface {
	ExecuteSync(ctx context.Context, docID types.DocumentID) error
}

// Sink receives state transitions for best-effort publication.
// Implementations must not block.
type Sink interface {
	PublishSyncTransition(docID types.DocumentID, from, to types.SyncStatus, attempts int)
}

// transitions is the canonical event set. A requested move not listed here
// is either an idempotent no-op (re-marking a stage already passed) or an
// integrity error.
var transitions = map[types.SyncStatus][]types.SyncStatus{
	types.SyncStatusNew:      {types.SyncStatusSplitOK, types.SyncStatusFailed},
	types.SyncStatusSplitOK:  {types.SyncStatusEmbedOK, types.SyncStatusFailed},
	types.SyncStatusEmbedOK:  {types.SyncStatusSynced, types.SyncStatusFailed},
	types.SyncStatusFailed:   {types.SyncStatusRetrying, types.SyncStatusDead},
	types.SyncStatusRetrying: {types.SyncStatusSplitOK, types.SyncStatusEmbedOK, types.SyncStatusSynced, types.SyncStatusFailed},
}

// stageRank orders the forward pipeline states so re-marking an already
// passed stage can be recognized as a no-op on resume.
var stageRank = map[types.SyncStatus]int{
	types.SyncStatusNew:     0,
	types.SyncStatusSplitOK: 1,
	types.SyncStatusEmbedOK: 2,
	types.SyncStatusSynced:  3,
}

func allowed(from, to types.SyncStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Machine drives sync jobs through the NEW -> SPLIT_OK -> EMBED_OK ->
// SYNCED lifecycle, with FAILED/RETRYING/DEAD recovery via the retry
// scheduler. At most one execution is in flight per document;
// concurrent triggers for the same document coalesce onto the running one.
type Machine struct {
	store    storage.RelationalStore
	sched    *scheduler.Scheduler
	strategy scheduler.Strategy
	logger   *logging.EnhancedLogger

	mu       sync.Mutex
	inflight map[types.DocumentID]struct{}
	executor Executor
	sink     Sink
}

func NewMachine(store storage.RelationalStore, sched *scheduler.Scheduler, strategy scheduler.Strategy) *Machine {
	return &Machine{
		store:    store,
		sched:    sched,
		strategy: strategy,
		logger:   logging.SyncLogger,
		inflight: make(map[types.DocumentID]struct{}),
	}
}

// SetExecutor binds the ingestion coordinator. Must be called before
// TriggerSync or Initialize; split out of the constructor because the
// coordinator and machine reference each other.
func (m *Machine) SetExecutor(e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executor = e
}

// SetSink attaches an optional transition sink.
func (m *Machine) SetSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = s
}

func (m *Machine) publish(docID types.DocumentID, from, to types.SyncStatus, attempts int) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.PublishSyncTransition(docID, from, to, attempts)
	}
}

// Ensure loads the document's job, creating it in NEW if absent.
func (m *Machine) Ensure(ctx context.Context, docID types.DocumentID) (*types.SyncJob, error) {
	job, err := m.store.GetSyncJob(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync job: %w", err)
	}
	if job != nil {
		return job, nil
	}

	now := time.Now().UnixMilli()
	job = &types.SyncJob{DocID: docID, Status: types.SyncStatusNew, CreatedAt: now, UpdatedAt: now}
	if err := m.store.UpsertSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}
	return job, nil
}

// TriggerSync runs the executor for docID. If an execution is already in
// flight for the document, the call coalesces onto it and returns nil. A
// job already in a terminal state is left alone.
func (m *Machine) TriggerSync(ctx context.Context, docID types.DocumentID) error {
	m.mu.Lock()
	if m.executor == nil {
		m.mu.Unlock()
		return fmt.Errorf("sync machine has no executor bound")
	}
	if _, running := m.inflight[docID]; running {
		m.mu.Unlock()
		m.logger.Debug("sync already in flight, coalescing", "doc_id", string(docID))
		return nil
	}
	m.inflight[docID] = struct{}{}
	executor := m.executor
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, docID)
		m.mu.Unlock()
	}()

	job, err := m.Ensure(ctx, docID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		m.logger.Debug("sync job already terminal", "doc_id", string(docID), "status", string(job.Status))
		return nil
	}

	return executor.ExecuteSync(ctx, docID)
}

// MarkSplitOK records completion of the split stage.
func (m *Machine) MarkSplitOK(ctx context.Context, docID types.DocumentID) error {
	return m.advance(ctx, docID, types.SyncStatusSplitOK)
}

// MarkEmbedOK records completion of the embed/upsert stage.
func (m *Machine) MarkEmbedOK(ctx context.Context, docID types.DocumentID) error {
	return m.advance(ctx, docID, types.SyncStatusEmbedOK)
}

// MarkSynced records completion of the whole pipeline.
func (m *Machine) MarkSynced(ctx context.Context, docID types.DocumentID) error {
	return m.advance(ctx, docID, types.SyncStatusSynced)
}

// advance moves the job forward to target, treating a re-mark of an
// already-passed stage as a no-op so resumed executions stay idempotent.
func (m *Machine) advance(ctx context.Context, docID types.DocumentID, target types.SyncStatus) error {
	job, err := m.store.GetSyncJob(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to load sync job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("no sync job for document %s", docID)
	}

	if rank, ok := stageRank[job.Status]; ok && rank >= stageRank[target] {
		return nil
	}
	if !allowed(job.Status, target) {
		return fmt.Errorf("illegal sync transition %s -> %s for document %s", job.Status, target, docID)
	}

	from := job.Status
	job.Status = target
	job.LastError = ""
	job.ErrorCategory = ""
	job.UpdatedAt = time.Now().UnixMilli()
	if err := m.store.UpsertSyncJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist sync transition: %w", err)
	}

	m.logger.Debug("sync transition", "doc_id", string(docID), "from", string(from), "to", string(target))
	m.publish(docID, from, target, job.Attempts)
	return nil
}

// Fail records a stage failure and decides the job's fate: a schedulable
// category with attempts remaining moves the job FAILED -> RETRYING and
// arms a delayed re-execution; anything else moves it to DEAD and marks
// the document failed.
func (m *Machine) Fail(ctx context.Context, docID types.DocumentID, cause error, category mcperrors.ErrorCategory) error {
	job, err := m.store.GetSyncJob(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to load sync job: %w", err)
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}

	from := job.Status
	job.Status = types.SyncStatusFailed
	job.LastError = cause.Error()
	job.ErrorCategory = string(category)
	job.UpdatedAt = time.Now().UnixMilli()
	if err := m.store.UpsertSyncJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist failure: %w", err)
	}
	m.publish(docID, from, types.SyncStatusFailed, job.Attempts)

	if scheduler.Schedulable(category) && job.Attempts < m.strategy.MaxRetries {
		return m.armRetry(ctx, job, cause, category)
	}
	return m.bury(ctx, job)
}

// armRetry moves a FAILED job to RETRYING, bumps its attempt counter and
// schedules the re-execution. The RETRYING state is persisted before the
// timer is armed so a crash between the two re-arms on startup.
func (m *Machine) armRetry(ctx context.Context, job *types.SyncJob, cause error, category mcperrors.ErrorCategory) error {
	from := job.Status
	attempt := job.Attempts
	if from == types.SyncStatusRetrying {
		// Re-arming an interrupted RETRYING job after restart: the attempt
		// was already counted when the lost timer was first armed.
		if attempt > 0 {
			attempt--
		}
	} else {
		job.Attempts++
	}
	job.Status = types.SyncStatusRetrying
	job.UpdatedAt = time.Now().UnixMilli()
	if err := m.store.UpsertSyncJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist retry state: %w", err)
	}
	m.publish(job.DocID, from, types.SyncStatusRetrying, job.Attempts)

	docID := job.DocID
	taskID, ok := m.sched.Schedule(string(docID), cause, category, attempt, m.strategy, func(cbCtx context.Context, _ string, _ int) error {
		return m.retryRun(cbCtx, docID)
	})
	if !ok {
		// The schedulability guard was re-checked and lost (e.g. strategy
		// changed); fall through to the dead-letter path.
		return m.bury(ctx, job)
	}

	m.logger.Info("retry armed", "doc_id", string(docID), "task_id", taskID, "attempt", job.Attempts, "category", string(category))
	return nil
}

// retryRun drives one scheduled re-execution. A short-delay retry can
// fire while the execution that armed it is still unwinding; a plain
// TriggerSync would coalesce with that finished run and the retry would
// be lost, so re-trigger until the job actually leaves RETRYING.
func (m *Machine) retryRun(ctx context.Context, docID types.DocumentID) error {
	for {
		if err := m.TriggerSync(ctx, docID); err != nil {
			return err
		}
		job, err := m.store.GetSyncJob(ctx, docID)
		if err != nil {
			return err
		}
		if job == nil || job.Status != types.SyncStatusRetrying {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// bury moves a job to DEAD, marks the document failed and cancels any
// pending retries for it.
func (m *Machine) bury(ctx context.Context, job *types.SyncJob) error {
	from := job.Status
	job.Status = types.SyncStatusDead
	job.UpdatedAt = time.Now().UnixMilli()
	if err := m.store.UpsertSyncJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist dead state: %w", err)
	}
	m.publish(job.DocID, from, types.SyncStatusDead, job.Attempts)
	m.sched.CancelAllForDoc(string(job.DocID))

	if err := m.store.UpdateDocumentStatus(ctx, job.DocID, types.DocumentStatusFailed); err != nil {
		m.logger.Warn("failed to mark document failed", "doc_id", string(job.DocID), "error", err.Error())
	}

	m.logger.Warn("sync job dead-lettered",
		"doc_id", string(job.DocID),
		"attempts", job.Attempts,
		"category", job.ErrorCategory,
		"last_error", job.LastError)
	return nil
}

// Cancel drops pending retries for docID. An in-flight execution is left
// to finish and record its result.
func (m *Machine) Cancel(docID types.DocumentID) int {
	return m.sched.CancelAllForDoc(string(docID))
}

// Reset returns a job to NEW with zeroed attempts, used by resync to
// force a full re-run regardless of prior state.
func (m *Machine) Reset(ctx context.Context, docID types.DocumentID) error {
	m.sched.CancelAllForDoc(string(docID))
	job, err := m.Ensure(ctx, docID)
	if err != nil {
		return err
	}
	from := job.Status
	job.Status = types.SyncStatusNew
	job.Attempts = 0
	job.LastError = ""
	job.ErrorCategory = ""
	job.UpdatedAt = time.Now().UnixMilli()
	if err := m.store.UpsertSyncJob(ctx, job); err != nil {
		return fmt.Errorf("failed to reset sync job: %w", err)
	}
	m.publish(docID, from, types.SyncStatusNew, 0)
	return nil
}

// Initialize recovers jobs left non-terminal by a previous process: jobs
// mid-pipeline are requeued for execution, failed/retrying jobs get a
// fresh retry (or the dead-letter path when exhausted). Recovery is
// idempotent because each pipeline stage checks its own invariants before
// re-doing work.
func (m *Machine) Initialize(ctx context.Context) error {
	requeue := []types.SyncStatus{types.SyncStatusNew, types.SyncStatusSplitOK, types.SyncStatusEmbedOK}
	for _, status := range requeue {
		jobs, err := m.store.ListSyncJobsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			docID := job.DocID
			m.logger.Info("requeueing interrupted sync", "doc_id", string(docID), "status", string(status))
			go func() {
				if err := m.TriggerSync(context.Background(), docID); err != nil {
					m.logger.Warn("requeued sync failed", "doc_id", string(docID), "error", err.Error())
				}
			}()
		}
	}

	for _, status := range []types.SyncStatus{types.SyncStatusFailed, types.SyncStatusRetrying} {
		jobs, err := m.store.ListSyncJobsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for i := range jobs {
			job := jobs[i]
			category := mcperrors.ErrorCategory(job.ErrorCategory)
			cause := fmt.Errorf("recovered after restart: %s", job.LastError)
			if scheduler.Schedulable(category) && job.Attempts < m.strategy.MaxRetries {
				if err := m.armRetry(ctx, &job, cause, category); err != nil {
					m.logger.Warn("failed to re-arm retry", "doc_id", string(job.DocID), "error", err.Error())
				}
			} else {
				if err := m.bury(ctx, &job); err != nil {
					m.logger.Warn("failed to dead-letter job", "doc_id", string(job.DocID), "error", err.Error())
				}
			}
		}
	}
	return nil
}
