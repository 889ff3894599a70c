package storage

import (
	"context"
	"fmt"
	"time"
)

// RecordMetric appends one sample to system_metrics. Samples are
// append-only; nothing in this module trims old rows.
func (s *SQLRelationalStore) RecordMetric(ctx context.Context, component, name string, value float64) error {
	query := fmt.Sprintf(
		`INSERT INTO system_metrics (component, name, value, recorded_at) VALUES (%s)`,
		s.phList(1, 4),
	)
	if _, err := s.db.ExecContext(ctx, query, component, name, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

// RecordHealth upserts a component's latest health probe result.
func (s *SQLRelationalStore) RecordHealth(ctx context.Context, component, status, detail string) error {
	query := fmt.Sprintf(
		`INSERT INTO system_health (component, status, detail, checked_at) VALUES (%s)
		 ON CONFLICT (component) DO UPDATE SET status = excluded.status, detail = excluded.detail, checked_at = excluded.checked_at`,
		s.phList(1, 4),
	)
	if _, err := s.db.ExecContext(ctx, query, component, status, detail, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record health: %w", err)
	}
	return nil
}
