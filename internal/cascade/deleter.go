// Package cascade implements collection and document deletion
// across the relational and vector stores. Vectors are always deleted
// first: the system never leaves points in the vector store without a
// database row explaining them, so a vector-store failure halts the
// cascade before any relational row is touched.
package cascade

import (
	"context"
	"fmt"
	"time"

	mcperrors "docucore/internal/errors"
	"docucore/internal/logging"
	"docucore/internal/ratelimit"
	"docucore/internal/storage"
	"docucore/internal/txn"
	"docucore/internal/types"
)

// deleteBatchSize caps one vector-store delete call, matching the upsert
// batching on the ingest path.
const deleteBatchSize = 100

// rateLimitKey is the rate-limit bucket guarding vector-store delete calls.
const rateLimitKey = "vector_delete"

// Sink receives completed-cascade notifications for best-effort
// publication. Implementations must not block.
type Sink interface {
	PublishCascadeDelete(scope, id string, points int, elapsed time.Duration)
}

// Deleter removes collections and documents together with their chunks,
// metadata, full-text entries and vector points. Both entry points are
// idempotent: deleting an absent entity is a no-op success.
type Deleter struct {
	store   storage.RelationalStore
	vectors storage.VectorStore
	txns    *txn.Manager
	limiter ratelimit.Limiter
	logger  *logging.EnhancedLogger
	sink    Sink
}

// NewDeleter builds a Deleter. txns may be nil when the bound relational
// store manages its own atomicity (in-memory stores in tests); with a SQL
// store it must be the transaction manager owning the same database.
func NewDeleter(store storage.RelationalStore, vectors storage.VectorStore, txns *txn.Manager, limiter ratelimit.Limiter) *Deleter {
	return &Deleter{
		store:   store,
		vectors: vectors,
		txns:    txns,
		limiter: limiter,
		logger:  logging.CascadeLogger,
	}
}

// SetSink attaches an optional completion sink.
func (d *Deleter) SetSink(s Sink) { d.sink = s }

// DeleteCollection removes the collection and everything it owns. The
// vector points go first; the relational cascade then runs inside one
// transaction guarded by a savepoint, so a mid-cascade failure leaves the
// database untouched and the operation safely re-runnable.
func (d *Deleter) DeleteCollection(ctx context.Context, id types.CollectionID) error {
	col, err := d.store.GetCollection(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up collection: %w", err)
	}
	if col == nil {
		d.logger.Info("delete of absent collection is a no-op", "collection_id", string(id))
		return nil
	}

	pointIDs, err := d.store.GetPointIDsByCollection(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to gather point ids: %w", err)
	}

	vectorStart := time.Now()
	if err := d.deleteVectors(ctx, pointIDs); err != nil {
		return err
	}
	vectorElapsed := time.Since(vectorStart)

	dbStart := time.Now()
	if err := d.cascade(ctx, "delete-collection-"+string(id), func(ctx context.Context, exec storage.Execer) error {
		return d.store.CascadeDeleteCollection(ctx, exec, id)
	}); err != nil {
		return err
	}
	dbElapsed := time.Since(dbStart)

	d.audit(ctx, "collection", string(id), len(pointIDs), vectorElapsed, dbElapsed)
	return nil
}

// DeleteDocument removes one document and its dependents with the same
// vectors-first discipline on a smaller scope.
func (d *Deleter) DeleteDocument(ctx context.Context, id types.DocumentID) error {
	doc, err := d.store.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up document: %w", err)
	}
	if doc == nil {
		d.logger.Info("delete of absent document is a no-op", "doc_id", string(id))
		return nil
	}

	pointIDs, err := d.store.GetPointIDsByDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to gather point ids: %w", err)
	}

	vectorStart := time.Now()
	if err := d.deleteVectors(ctx, pointIDs); err != nil {
		return err
	}
	vectorElapsed := time.Since(vectorStart)

	dbStart := time.Now()
	if err := d.cascade(ctx, "delete-doc-"+string(id), func(ctx context.Context, exec storage.Execer) error {
		return d.store.CascadeDeleteDocument(ctx, exec, id)
	}); err != nil {
		return err
	}
	dbElapsed := time.Since(dbStart)

	d.audit(ctx, "document", string(id), len(pointIDs), vectorElapsed, dbElapsed)
	return nil
}

// deleteVectors removes points in rate-limited batches. A limiter denial
// returns a rate-limit error, a limiter failure a wrapped error, and a
// vector-store failure a dependency-unavailable error; callers stop on any
// of them rather than proceed to the relational cascade.
func (d *Deleter) deleteVectors(ctx context.Context, ids []types.PointID) error {
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		allowed, retryAfter, err := d.limiter.Allow(ctx, rateLimitKey, 1)
		if err != nil {
			return fmt.Errorf("rate limiter failed: %w", err)
		}
		if !allowed {
			stats := d.limiter.Stats(rateLimitKey)
			return mcperrors.NewRateLimitError(rateLimitKey, stats.MaxTokens, retryAfter, int(stats.Tokens))
		}

		if err := d.vectors.Delete(ctx, ids[start:end]); err != nil {
			return mcperrors.NewDependencyUnavailableError("vector store", err)
		}
	}
	return nil
}

// cascade runs fn inside the transaction envelope: one root transaction,
// a named savepoint around the whole cascade, rollback to the savepoint
// on failure. With no transaction manager bound, fn runs directly and the
// store is trusted to be atomic per call.
func (d *Deleter) cascade(ctx context.Context, savepointName string, fn func(ctx context.Context, exec storage.Execer) error) error {
	if d.txns == nil {
		return fn(ctx, nil)
	}

	return d.txns.ExecuteInTransaction(ctx, func(ctx context.Context, txID string) error {
		spID, err := d.txns.CreateSavepoint(ctx, txID, savepointName, nil)
		if err != nil {
			return fmt.Errorf("failed to create savepoint: %w", err)
		}

		sqlTx, err := d.txns.SQLTx(txID)
		if err != nil {
			return err
		}

		if err := fn(ctx, sqlTx); err != nil {
			if rbErr := d.txns.RollbackToSavepoint(ctx, txID, spID); rbErr != nil {
				d.logger.Error("rollback to savepoint failed", "savepoint", savepointName, "error", rbErr.Error())
			}
			return err
		}
		return d.txns.ReleaseSavepoint(ctx, txID, spID)
	})
}

// audit records the deletion's shape as metrics and publishes it to the
// optional sink. Metric failures are logged, never surfaced: the delete
// already happened.
func (d *Deleter) audit(ctx context.Context, scope, id string, points int, vectorElapsed, dbElapsed time.Duration) {
	for name, value := range map[string]float64{
		scope + "_delete_points":    float64(points),
		scope + "_delete_vector_ms": float64(vectorElapsed.Milliseconds()),
		scope + "_delete_db_ms":     float64(dbElapsed.Milliseconds()),
	} {
		if err := d.store.RecordMetric(ctx, "cascade", name, value); err != nil {
			d.logger.Warn("failed to record deletion metric", "name", name, "error", err.Error())
		}
	}

	d.logger.Info("cascade delete completed",
		"scope", scope,
		"id", id,
		"points", points,
		"vector_ms", vectorElapsed.Milliseconds(),
		"db_ms", dbElapsed.Milliseconds())

	if d.sink != nil {
		d.sink.PublishCascadeDelete(scope, id, points, vectorElapsed+dbElapsed)
	}
}
