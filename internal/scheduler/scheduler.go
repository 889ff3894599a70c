// Package scheduler implements delayed, classified, bounded retries with
// statistics: a callback is armed to fire after an exponential backoff (with
// jitter) computed from an error's category and attempt number, and is
// dropped rather than retried when its category or attempt count rules it
// out.
//
// The backoff math mirrors internal/retry's calculateDelay/nextDelay, but
// this package schedules a callback asynchronously against a wall-clock
// timer keyed by document and task id, rather than retrying a single
// in-flight call synchronously.
package scheduler

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"docucore/internal/errors"
	"docucore/internal/logging"
)

// Strategy parameterizes the backoff formula:
// delay = min(maxDelay, base * backoffFactor^attempt) + jitter.
type Strategy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Jitter        time.Duration
}

// DefaultStrategy returns the standard strategy: 3 retries, 1s base
// delay, factor 2, capped at 1 minute, up to 250ms of jitter.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		BackoffFactor: 2,
		MaxDelay:      time.Minute,
		Jitter:        250 * time.Millisecond,
	}
}

func (s Strategy) delay(attempt int) time.Duration {
	base := float64(s.BaseDelay) * math.Pow(s.BackoffFactor, float64(attempt))
	d := time.Duration(base)
	if d > s.MaxDelay {
		d = s.MaxDelay
	}
	if s.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.Jitter) + 1))
	}
	return d
}

// schedulable is the set of categories eligible for a scheduled retry; the
// remainder (invalid_input, terminal) must short-circuit straight to FAILED
// by the caller.
var schedulable = map[errors.ErrorCategory]bool{
	errors.CategoryTransientNetwork:      true,
	errors.CategoryRateLimited:           true,
	errors.CategoryTimeout:               true,
	errors.CategoryDependencyUnavailable: true,
}

// Schedulable reports whether category is eligible for a scheduled retry.
func Schedulable(category errors.ErrorCategory) bool {
	return schedulable[category]
}

// Callback is invoked when a scheduled task fires.
type Callback func(ctx context.Context, docID string, attempt int) error

type task struct {
	id        string
	docID     string
	category  errors.ErrorCategory
	attempt   int
	createdAt time.Time
	fireAt    time.Time
	timer     *time.Timer
}

// Stats summarizes scheduler activity across all documents.
type Stats struct {
	TotalRetries           int64
	SuccessfulRetries      int64
	FailedRetries          int64
	AverageRetryTimeMs     float64
	RetryCountByCategory   map[string]int64
	SuccessCountByCategory map[string]int64
	LastRetryAt            time.Time
}

// Scheduler arms and tracks delayed retry callbacks.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	byDoc  map[string]map[string]bool
	logger *logging.EnhancedLogger

	totalRetries      int64
	successfulRetries int64
	failedRetries     int64
	retryDurationSum  time.Duration
	retryCount        map[errors.ErrorCategory]int64
	successCount      map[errors.ErrorCategory]int64
	lastRetryAt       time.Time
}

func New(logger *logging.EnhancedLogger) *Scheduler {
	if logger == nil {
		logger = logging.NewEnhancedLogger("scheduler")
	}
	return &Scheduler{
		tasks:        make(map[string]*task),
		byDoc:        make(map[string]map[string]bool),
		logger:       logger,
		retryCount:   make(map[errors.ErrorCategory]int64),
		successCount: make(map[errors.ErrorCategory]int64),
	}
}

// Schedule arms callback to run after a backoff delay computed from strategy
// and attempt. It returns ok=false without arming anything when category is
// not schedulable or attempt has exhausted strategy.MaxRetries; the caller
// is expected to transition the document to a terminal failed state in that
// case.
func (s *Scheduler) Schedule(docID string, cause error, category errors.ErrorCategory, attempt int, strategy Strategy, callback Callback) (taskID string, ok bool) {
	if !Schedulable(category) || attempt >= strategy.MaxRetries {
		return "", false
	}

	delay := strategy.delay(attempt)
	id := uuid.New().String()
	now := time.Now()

	t := &task{id: id, docID: docID, category: category, attempt: attempt, createdAt: now, fireAt: now.Add(delay)}

	s.mu.Lock()
	s.tasks[id] = t
	if s.byDoc[docID] == nil {
		s.byDoc[docID] = make(map[string]bool)
	}
	s.byDoc[docID][id] = true
	s.mu.Unlock()

	t.timer = time.AfterFunc(delay, func() { s.fire(t, callback) })

	s.logger.Debug("scheduled retry", "doc_id", docID, "task_id", id, "category", string(category), "attempt", attempt, "delay_ms", delay.Milliseconds())
	return id, true
}

func (s *Scheduler) fire(t *task, callback Callback) {
	s.mu.Lock()
	if _, stillScheduled := s.tasks[t.id]; !stillScheduled {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	start := time.Now()
	err := callback(context.Background(), t.docID, t.attempt)
	elapsed := time.Since(start)

	s.mu.Lock()
	delete(s.tasks, t.id)
	if ids := s.byDoc[t.docID]; ids != nil {
		delete(ids, t.id)
		if len(ids) == 0 {
			delete(s.byDoc, t.docID)
		}
	}

	s.totalRetries++
	s.retryDurationSum += elapsed
	s.retryCount[t.category]++
	s.lastRetryAt = time.Now()
	if err != nil {
		s.failedRetries++
	} else {
		s.successfulRetries++
		s.successCount[t.category]++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled retry failed", "doc_id", t.docID, "task_id", t.id, "attempt", t.attempt, "error", err.Error())
	} else {
		s.logger.Debug("scheduled retry succeeded", "doc_id", t.docID, "task_id", t.id, "attempt", t.attempt)
	}
}

// Cancel stops a pending task before it fires. It reports whether a task was
// actually cancelled.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, taskID)
	if ids := s.byDoc[t.docID]; ids != nil {
		delete(ids, taskID)
		if len(ids) == 0 {
			delete(s.byDoc, t.docID)
		}
	}
	return true
}

// CancelAllForDoc cancels every pending task for docID and returns the count
// cancelled.
func (s *Scheduler) CancelAllForDoc(docID string) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byDoc[docID]))
	for id := range s.byDoc[docID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if s.Cancel(id) {
			n++
		}
	}
	return n
}

// TaskInfo is a read-only snapshot of a pending task.
type TaskInfo struct {
	ID        string
	DocID     string
	Category  errors.ErrorCategory
	Attempt   int
	CreatedAt time.Time
	FireAt    time.Time
}

// TasksByDocID lists pending tasks for docID.
func (s *Scheduler) TasksByDocID(docID string) []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskInfo
	for id := range s.byDoc[docID] {
		t := s.tasks[id]
		if t == nil {
			continue
		}
		out = append(out, TaskInfo{ID: t.id, DocID: t.docID, Category: t.category, Attempt: t.attempt, CreatedAt: t.createdAt, FireAt: t.fireAt})
	}
	return out
}

// ActiveTaskCount returns the number of tasks currently pending.
func (s *Scheduler) ActiveTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stats returns a snapshot of scheduler-wide retry statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avgMs float64
	if s.totalRetries > 0 {
		avgMs = float64(s.retryDurationSum.Milliseconds()) / float64(s.totalRetries)
	}

	byCategory := make(map[string]int64, len(s.retryCount))
	for cat, n := range s.retryCount {
		byCategory[string(cat)] = n
	}
	successByCategory := make(map[string]int64, len(s.successCount))
	for cat, n := range s.successCount {
		successByCategory[string(cat)] = n
	}

	return Stats{
		TotalRetries:           s.totalRetries,
		SuccessfulRetries:      s.successfulRetries,
		FailedRetries:          s.failedRetries,
		AverageRetryTimeMs:     avgMs,
		RetryCountByCategory:   byCategory,
		SuccessCountByCategory: successByCategory,
		LastRetryAt:            s.lastRetryAt,
	}
}

// StuckTaskAge is how long a task may remain pending before the sweeper
// treats it as stuck and discards it.
const StuckTaskAge = 24 * time.Hour

// Sweep discards tasks older than StuckTaskAge that never fired, and returns
// how many were discarded.
func (s *Scheduler) Sweep() int {
	cutoff := time.Now().Add(-StuckTaskAge)

	s.mu.Lock()
	var stuck []string
	for id, t := range s.tasks {
		if t.createdAt.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stuck {
		s.Cancel(id)
	}
	if len(stuck) > 0 {
		s.logger.Warn("discarded stuck retry tasks", "count", len(stuck))
	}
	return len(stuck)
}

// StartSweeper runs Sweep on interval until ctx is cancelled.
func (s *Scheduler) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
