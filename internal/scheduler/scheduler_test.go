package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "docucore/internal/errors"
)

func fastStrategy() Strategy {
	return Strategy{MaxRetries: 5, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: 20 * time.Millisecond, Jitter: 0}
}

func TestSchedule_RejectsNonSchedulableCategory(t *testing.T) {
	s := New(nil)
	taskID, ok := s.Schedule("doc-1", errors.New("bad input"), apperrors.CategoryInvalidInput, 0, fastStrategy(), func(ctx context.Context, docID string, attempt int) error {
		return nil
	})
	assert.False(t, ok)
	assert.Empty(t, taskID)
	assert.Equal(t, 0, s.ActiveTaskCount())
}

func TestSchedule_RejectsWhenAttemptsExhausted(t *testing.T) {
	s := New(nil)
	strategy := fastStrategy()
	_, ok := s.Schedule("doc-1", errors.New("timeout"), apperrors.CategoryTimeout, strategy.MaxRetries, strategy, func(ctx context.Context, docID string, attempt int) error {
		return nil
	})
	assert.False(t, ok)
}

func TestSchedule_FiresCallbackAfterDelay(t *testing.T) {
	s := New(nil)
	done := make(chan struct{})

	taskID, ok := s.Schedule("doc-1", errors.New("connection refused"), apperrors.CategoryTransientNetwork, 0, fastStrategy(), func(ctx context.Context, docID string, attempt int) error {
		close(done)
		return nil
	})
	require.True(t, ok)
	assert.NotEmpty(t, taskID)
	assert.Equal(t, 1, s.ActiveTaskCount())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire in time")
	}

	assert.Equal(t, 0, s.ActiveTaskCount())
	stats := s.Stats()
	assert.Equal(t, int64(1), stats.TotalRetries)
	assert.Equal(t, int64(1), stats.SuccessfulRetries)
	assert.Equal(t, int64(1), stats.RetryCountByCategory["transient_network"])
	assert.Equal(t, int64(1), stats.SuccessCountByCategory["transient_network"])
}

func TestSchedule_TracksFailedCallbacks(t *testing.T) {
	s := New(nil)
	var fired int32
	sentinel := errors.New("still down")

	_, ok := s.Schedule("doc-1", sentinel, apperrors.CategoryDependencyUnavailable, 0, fastStrategy(), func(ctx context.Context, docID string, attempt int) error {
		atomic.AddInt32(&fired, 1)
		return sentinel
	})
	require.True(t, ok)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.ActiveTaskCount() == 0 }, time.Second, time.Millisecond)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.FailedRetries)
	assert.Equal(t, int64(0), stats.SuccessfulRetries)
}

func TestCancel_PreventsCallbackFromFiring(t *testing.T) {
	s := New(nil)
	var fired int32
	strategy := Strategy{MaxRetries: 5, BaseDelay: 50 * time.Millisecond, BackoffFactor: 1, MaxDelay: time.Second, Jitter: 0}

	taskID, ok := s.Schedule("doc-1", errors.New("rate limited"), apperrors.CategoryRateLimited, 0, strategy, func(ctx context.Context, docID string, attempt int) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})
	require.True(t, ok)

	assert.True(t, s.Cancel(taskID))
	assert.False(t, s.Cancel(taskID), "cancelling twice should report false")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.Equal(t, 0, s.ActiveTaskCount())
}

func TestCancelAllForDoc_CancelsOnlyThatDocsTasks(t *testing.T) {
	s := New(nil)
	strategy := Strategy{MaxRetries: 5, BaseDelay: time.Second, BackoffFactor: 1, MaxDelay: time.Minute, Jitter: 0}
	noop := func(ctx context.Context, docID string, attempt int) error { return nil }

	_, _ = s.Schedule("doc-a", errors.New("x"), apperrors.CategoryTimeout, 0, strategy, noop)
	_, _ = s.Schedule("doc-a", errors.New("x"), apperrors.CategoryTimeout, 1, strategy, noop)
	_, _ = s.Schedule("doc-b", errors.New("x"), apperrors.CategoryTimeout, 0, strategy, noop)

	cancelled := s.CancelAllForDoc("doc-a")
	assert.Equal(t, 2, cancelled)
	assert.Equal(t, 1, s.ActiveTaskCount())
	assert.Len(t, s.TasksByDocID("doc-b"), 1)
	assert.Empty(t, s.TasksByDocID("doc-a"))
}

func TestSweep_DiscardsOnlyStuckTasks(t *testing.T) {
	s := New(nil)
	strategy := Strategy{MaxRetries: 5, BaseDelay: time.Hour, BackoffFactor: 1, MaxDelay: 2 * time.Hour, Jitter: 0}
	noop := func(ctx context.Context, docID string, attempt int) error { return nil }

	taskID, ok := s.Schedule("doc-1", errors.New("x"), apperrors.CategoryTimeout, 0, strategy, noop)
	require.True(t, ok)

	s.mu.Lock()
	s.tasks[taskID].createdAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	discarded := s.Sweep()
	assert.Equal(t, 1, discarded)
	assert.Equal(t, 0, s.ActiveTaskCount())
}

func TestSchedulable_OnlyFourCategoriesAreEligible(t *testing.T) {
	assert.True(t, Schedulable(apperrors.CategoryTransientNetwork))
	assert.True(t, Schedulable(apperrors.CategoryRateLimited))
	assert.True(t, Schedulable(apperrors.CategoryTimeout))
	assert.True(t, Schedulable(apperrors.CategoryDependencyUnavailable))
	assert.False(t, Schedulable(apperrors.CategoryInvalidInput))
	assert.False(t, Schedulable(apperrors.CategoryTerminal))
}
