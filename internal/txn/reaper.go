package txn

import (
	"context"
	"time"
)

// ReapStale drops bookkeeping for terminal (non-ACTIVE) transactions whose
// last update is older than the manager's maxAge. The underlying connection
// for each of those transactions has already been returned to the pool by
// Commit or Rollback; this only forgets the in-memory record.
func (m *Manager) ReapStale() int {
	cutoff := time.Now().Add(-m.maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for id, t := range m.txs {
		if t.status != StatusActive && t.updatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.txs, id)
	}
	return len(stale)
}

// StartReaper runs ReapStale on interval until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ReapStale()
			}
		}
	}()
}
