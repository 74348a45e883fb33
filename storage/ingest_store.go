package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const insertBatchSQL = `
	INSERT INTO ingest_batches (id, batch_id, profile_id, record_count, received_at, received_ms)
	VALUES (?, ?, ?, ?, ?, ?)`

const insertTelemetrySQL = `
	INSERT INTO telemetry (
		device_id, ts, ts_ms, seq, batch_id, profile_id, key_version, metrics_json,
		supply_c, return_c, flow_lps, power_kw, delta_t, thermal_kw, cop, cop_quality,
		received_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (device_id, ts) DO NOTHING`

const upsertLatestSQL = `
	INSERT INTO latest_state (
		device_id, ts, ts_ms, seq,
		supply_c, return_c, flow_lps, power_kw, delta_t, thermal_kw, cop, cop_quality,
		control_mode, status_code, fault_code, faults_json, online, payload_json, updated_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT (device_id) DO UPDATE SET
		ts = excluded.ts,
		ts_ms = excluded.ts_ms,
		seq = excluded.seq,
		supply_c = excluded.supply_c,
		return_c = excluded.return_c,
		flow_lps = excluded.flow_lps,
		power_kw = excluded.power_kw,
		delta_t = excluded.delta_t,
		thermal_kw = excluded.thermal_kw,
		cop = excluded.cop,
		cop_quality = excluded.cop_quality,
		control_mode = excluded.control_mode,
		status_code = excluded.status_code,
		fault_code = excluded.fault_code,
		faults_json = excluded.faults_json,
		online = 1,
		payload_json = excluded.payload_json,
		updated_at = excluded.updated_at`

// The first non-null profile claim wins; later batches cannot move a device.
// last_seen_at only moves forward; the fixed-width UTC layout compares as text.
const upsertDeviceSQL = `
	INSERT INTO devices (device_id, profile_id, online, last_seen_at, created_at)
	VALUES (?, ?, 1, ?, ?)
	ON CONFLICT (device_id) DO UPDATE SET
		profile_id = COALESCE(devices.profile_id, excluded.profile_id),
		online = 1,
		last_seen_at = CASE
			WHEN devices.last_seen_at IS NULL OR excluded.last_seen_at > devices.last_seen_at
			THEN excluded.last_seen_at
			ELSE devices.last_seen_at
		END`

type pendingStmt struct {
	query string
	args  []interface{}
}

// statementBuffer collects statements and executes them in fixed-size chunks
// inside one transaction.
type statementBuffer struct {
	store   *BaseStore
	tx      *sql.Tx
	txCtx   context.Context
	reqCtx  context.Context
	pending []pendingStmt
	chunk   int
}

func (b *statementBuffer) add(query string, args ...interface{}) error {
	b.pending = append(b.pending, pendingStmt{query: query, args: args})
	if len(b.pending) >= b.store.chunkSize {
		return b.flush()
	}
	return nil
}

// flush executes the pending chunk. A canceled request aborts before the next
// chunk is sent, never mid-statement.
func (b *statementBuffer) flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	if err := b.reqCtx.Err(); err != nil {
		return err
	}
	if b.store.flushHook != nil {
		if err := b.store.flushHook(b.chunk); err != nil {
			return fmt.Errorf("chunk %d: %w", b.chunk, err)
		}
	}
	for _, stmt := range b.pending {
		if _, err := b.tx.ExecContext(b.txCtx, b.store.query(stmt.query), stmt.args...); err != nil {
			return fmt.Errorf("chunk %d: %w", b.chunk, err)
		}
	}
	b.pending = b.pending[:0]
	b.chunk++
	return nil
}

// PersistBatch writes the batch envelope, every telemetry row, the latest
// snapshot per device and the device registry entries in one transaction.
// Any failure rolls back everything. Replayed (device, ts) pairs leave the
// telemetry row untouched but still refresh latest_state. It returns the
// number of records accepted.
func (s *BaseStore) PersistBatch(ctx context.Context, batch *IngestBatch) (int, error) {
	if batch == nil || len(batch.Records) == 0 {
		return 0, fmt.Errorf("persist batch: no records")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// The transaction outlives request cancellation so rollback always runs;
	// cancellation is observed between chunks instead.
	txCtx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logError("Batch rollback failed", "batch_id", batch.BatchID, "error", rbErr)
		}
	}()

	receivedAt := batch.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = nowUTC()
	}
	received := formatTime(receivedAt)

	buf := &statementBuffer{store: s, tx: tx, txCtx: txCtx, reqCtx: ctx}
	if err := buf.add(insertBatchSQL,
		uuid.NewString(), batch.BatchID, batch.ProfileID, len(batch.Records),
		received, receivedAt.UnixMilli()); err != nil {
		return 0, fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
	}

	for i := range batch.Records {
		rec := &batch.Records[i]
		ts, tsMs, err := normalizeTimestamp(rec.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("%w: record %d: %v", ErrInvalidTimestamp, i, err)
		}
		faults, err := encodeFaults(rec.Faults)
		if err != nil {
			return 0, err
		}
		r := rec.Readings

		if err := buf.add(insertTelemetrySQL,
			rec.DeviceID, ts, tsMs, rec.Seq, batch.BatchID, batch.ProfileID,
			nullString(rec.KeyVersion), nullBytes(rec.Metrics),
			nullFloat(r.SupplyC), nullFloat(r.ReturnC), nullFloat(r.FlowLps), nullFloat(r.PowerKW),
			nullFloat(r.DeltaT), nullFloat(r.ThermalKW), nullFloat(r.COP), nullStringPtr(r.COPQuality),
			received); err != nil {
			return 0, fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
		}
		if err := buf.add(upsertLatestSQL,
			rec.DeviceID, ts, tsMs, rec.Seq,
			nullFloat(r.SupplyC), nullFloat(r.ReturnC), nullFloat(r.FlowLps), nullFloat(r.PowerKW),
			nullFloat(r.DeltaT), nullFloat(r.ThermalKW), nullFloat(r.COP), nullStringPtr(r.COPQuality),
			nullString(rec.ControlMode), nullString(rec.StatusCode), nullString(rec.FaultCode),
			faults, nullBytes(rec.Metrics), received); err != nil {
			return 0, fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
		}
		if err := buf.add(upsertDeviceSQL,
			rec.DeviceID, nullString(batch.ProfileID), ts, received); err != nil {
			return 0, fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
		}
	}

	if err := buf.flush(); err != nil {
		return 0, fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch %s: %w", batch.BatchID, err)
	}
	committed = true

	logDebug("Persisted ingest batch", "batch_id", batch.BatchID, "profile_id", batch.ProfileID,
		"records", len(batch.Records), "chunks", buf.chunk)
	return len(batch.Records), nil
}
