package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertOpsMetric records one served request.
func (s *BaseStore) InsertOpsMetric(ctx context.Context, m *OpsMetric) error {
	if m == nil {
		return nil
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	_, err := s.execContext(ctx, `
		INSERT INTO ops_metrics (route, status_code, duration_ms, device_id, created_at, created_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Route, m.StatusCode, m.DurationMs, nullString(m.DeviceID), formatTime(created), created.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert ops metric: %w", err)
	}
	return nil
}

// PruneOpsMetrics deletes rows created before the cutoff and returns how many went.
func (s *BaseStore) PruneOpsMetrics(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execContext(ctx, `DELETE FROM ops_metrics WHERE created_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune ops metrics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune ops metrics: %w", err)
	}
	if n > 0 {
		logInfo("Pruned ops metrics", "deleted", n, "before", formatTime(before))
	}
	return n, nil
}

// ListOpsMetrics returns rows created at or after since, oldest first.
func (s *BaseStore) ListOpsMetrics(ctx context.Context, since time.Time) ([]OpsMetric, error) {
	rows, err := s.queryContext(ctx, `
		SELECT route, status_code, duration_ms, device_id, created_at
		FROM ops_metrics WHERE created_ms >= ?
		ORDER BY created_ms ASC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list ops metrics: %w", err)
	}
	defer rows.Close()

	var out []OpsMetric
	for rows.Next() {
		var (
			m        OpsMetric
			deviceID sql.NullString
			created  sql.NullString
		)
		if err := rows.Scan(&m.Route, &m.StatusCode, &m.DurationMs, &deviceID, &created); err != nil {
			return nil, fmt.Errorf("scan ops metric: %w", err)
		}
		m.DeviceID = deviceID.String
		m.CreatedAt = parseStoredTime(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops metrics: %w", err)
	}
	return out, nil
}
