package storage

import (
	"context"
	"fmt"
	"strings"
)

const schemaVersion = 1

// schemaStatements renders the DDL for the given dialect. Timestamps are stored
// as RFC3339 UTC text next to an epoch-millisecond column used for range scans.
func schemaStatements(d Dialect) []string {
	real := d.RealType()
	bigint := d.BigIntType()

	return []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			profile_id TEXT,
			site_name TEXT,
			site_region TEXT,
			online INTEGER NOT NULL DEFAULT 0,
			last_seen_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_profile ON devices(profile_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ingest_batches (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			received_at TEXT NOT NULL,
			received_ms %s NOT NULL
		)`, bigint),
		`CREATE INDEX IF NOT EXISTS idx_ingest_batches_batch ON ingest_batches(batch_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS telemetry (
			id %[1]s,
			device_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			ts_ms %[2]s NOT NULL,
			seq %[2]s NOT NULL,
			batch_id TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			key_version TEXT,
			metrics_json TEXT,
			supply_c %[3]s,
			return_c %[3]s,
			flow_lps %[3]s,
			power_kw %[3]s,
			delta_t %[3]s,
			thermal_kw %[3]s,
			cop %[3]s,
			cop_quality TEXT,
			received_at TEXT NOT NULL,
			UNIQUE(device_id, ts)
		)`, d.AutoIncrement(), bigint, real),
		`CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry(ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON telemetry(device_id, ts_ms)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS latest_state (
			device_id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			ts_ms %[1]s NOT NULL,
			seq %[1]s NOT NULL,
			supply_c %[2]s,
			return_c %[2]s,
			flow_lps %[2]s,
			power_kw %[2]s,
			delta_t %[2]s,
			thermal_kw %[2]s,
			cop %[2]s,
			cop_quality TEXT,
			control_mode TEXT,
			status_code TEXT,
			fault_code TEXT,
			faults_json TEXT,
			online INTEGER NOT NULL DEFAULT 1,
			payload_json TEXT,
			updated_at TEXT NOT NULL
		)`, bigint, real),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ops_metrics (
			id %[1]s,
			route TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			duration_ms %[2]s NOT NULL,
			device_id TEXT,
			created_at TEXT NOT NULL,
			created_ms %[3]s NOT NULL
		)`, d.AutoIncrement(), real, bigint),
		`CREATE INDEX IF NOT EXISTS idx_ops_metrics_created ON ops_metrics(created_ms)`,
	}
}

// initSchema creates missing tables and records the schema version.
func (s *BaseStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w (statement: %s)", err, firstLine(stmt))
		}
	}

	_, err := s.execContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?) `+s.dialect.IgnoreConflict([]string{"version"}),
		schemaVersion, formatTime(nowUTC()))
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
