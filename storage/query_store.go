package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetDevice returns the registry row for deviceID or ErrNotFound.
func (s *BaseStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.queryRowContext(ctx, `
		SELECT device_id, profile_id, site_name, site_region, online, last_seen_at, created_at
		FROM devices WHERE device_id = ?`, deviceID)

	var (
		d                     Device
		profile, name, region sql.NullString
		lastSeen, created     sql.NullString
		online                int
	)
	err := row.Scan(&d.DeviceID, &profile, &name, &region, &online, &lastSeen, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	d.ProfileID = profile.String
	d.SiteName = name.String
	d.SiteRegion = region.String
	d.Online = online != 0
	d.LastSeenAt = parseStoredTime(lastSeen)
	d.CreatedAt = parseStoredTime(created)
	return &d, nil
}

// ListLatestStates returns the snapshot for each of deviceIDs that has one,
// keyed by device id, with the owning profile joined in.
func (s *BaseStore) ListLatestStates(ctx context.Context, deviceIDs []string) (map[string]*LatestState, error) {
	out := make(map[string]*LatestState, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return out, nil
	}

	rows, err := s.queryContext(ctx, `
		SELECT l.device_id, d.profile_id, l.ts, l.seq,
			l.supply_c, l.return_c, l.flow_lps, l.power_kw, l.delta_t, l.thermal_kw, l.cop, l.cop_quality,
			l.control_mode, l.status_code, l.fault_code, l.faults_json, l.online, l.payload_json, l.updated_at
		FROM latest_state l
		LEFT JOIN devices d ON d.device_id = l.device_id
		WHERE l.device_id IN (`+PlaceholderSet(len(deviceIDs))+`)`,
		stringsToArgs(deviceIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list latest states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ls                                   LatestState
			profile, ts, updated                 sql.NullString
			supply, ret, flow, power, dt, th, cp sql.NullFloat64
			quality, mode, status, fault, faults sql.NullString
			payload                              sql.NullString
			online                               int
		)
		if err := rows.Scan(&ls.DeviceID, &profile, &ts, &ls.Seq,
			&supply, &ret, &flow, &power, &dt, &th, &cp, &quality,
			&mode, &status, &fault, &faults, &online, &payload, &updated); err != nil {
			return nil, fmt.Errorf("scan latest state: %w", err)
		}
		ls.ProfileID = profile.String
		ls.Timestamp = parseStoredTime(ts)
		ls.UpdatedAt = parseStoredTime(updated)
		ls.Readings = Readings{
			SupplyC:    floatPtr(supply),
			ReturnC:    floatPtr(ret),
			FlowLps:    floatPtr(flow),
			PowerKW:    floatPtr(power),
			DeltaT:     floatPtr(dt),
			ThermalKW:  floatPtr(th),
			COP:        floatPtr(cp),
			COPQuality: stringPtr(quality),
		}
		ls.ControlMode = mode.String
		ls.StatusCode = status.String
		ls.FaultCode = fault.String
		ls.Faults = decodeFaults(faults)
		ls.Online = online != 0
		if payload.Valid {
			ls.Payload = []byte(payload.String)
		}
		out[ls.DeviceID] = &ls
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest states: %w", err)
	}
	return out, nil
}

// ListSeriesSamples returns telemetry rows inside [StartMs, EndMs] that the
// filter admits, ordered by time then device. Column names come only from the
// metric allow-list and profile ids are always bound as parameters.
func (s *BaseStore) ListSeriesSamples(ctx context.Context, q SeriesQuery) ([]SeriesSample, error) {
	if q.Filter.MatchesNothing() || len(q.Metrics) == 0 {
		return nil, nil
	}

	cols := make([]string, 0, len(q.Metrics))
	for _, m := range q.Metrics {
		col, ok := MetricColumn(m)
		if !ok {
			return nil, fmt.Errorf("list series samples: unknown metric %q", m)
		}
		cols = append(cols, "t."+col)
	}

	var sb strings.Builder
	sb.WriteString("SELECT t.device_id, t.ts_ms, ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM telemetry t JOIN devices d ON d.device_id = t.device_id")
	sb.WriteString(" WHERE t.ts_ms >= ? AND t.ts_ms <= ?")
	args := []interface{}{q.StartMs, q.EndMs}

	if q.DeviceID != "" {
		sb.WriteString(" AND t.device_id = ?")
		args = append(args, q.DeviceID)
	}
	if !q.Filter.All {
		sb.WriteString(" AND d.profile_id IN (" + PlaceholderSet(len(q.Filter.ProfileIDs)) + ")")
		args = append(args, stringsToArgs(q.Filter.ProfileIDs)...)
	}
	sb.WriteString(" ORDER BY t.ts_ms ASC, t.device_id ASC")

	rows, err := s.queryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list series samples: %w", err)
	}
	defer rows.Close()

	var out []SeriesSample
	vals := make([]sql.NullFloat64, len(q.Metrics))
	dest := make([]interface{}, 2+len(q.Metrics))
	for rows.Next() {
		var sample SeriesSample
		dest[0], dest[1] = &sample.DeviceID, &sample.TsMs
		for i := range vals {
			vals[i] = sql.NullFloat64{}
			dest[2+i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan series sample: %w", err)
		}
		sample.Values = make(map[string]float64, len(q.Metrics))
		for i, m := range q.Metrics {
			if vals[i].Valid {
				sample.Values[m] = vals[i].Float64
			}
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series samples: %w", err)
	}
	return out, nil
}
