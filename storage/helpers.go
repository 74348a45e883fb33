package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// tsLayout is the canonical stored timestamp: RFC3339, millisecond precision, UTC.
const tsLayout = "2006-01-02T15:04:05.000Z"

var nowUTC = func() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// normalizeTimestamp parses an RFC3339 timestamp and returns its canonical
// text form plus epoch milliseconds.
func normalizeTimestamp(raw string) (string, int64, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", 0, err
	}
	t = t.UTC().Truncate(time.Millisecond)
	return t.Format(tsLayout), t.UnixMilli(), nil
}

func parseStoredTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// nullString returns a sql.NullString for optional string values.
// Empty strings are treated as NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// nullBytes returns nil for empty byte slices, otherwise the string value.
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func encodeFaults(faults []string) (interface{}, error) {
	if faults == nil {
		return nil, nil
	}
	b, err := json.Marshal(faults)
	if err != nil {
		return nil, fmt.Errorf("encode faults: %w", err)
	}
	return string(b), nil
}

func decodeFaults(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var faults []string
	if err := json.Unmarshal([]byte(s.String), &faults); err != nil {
		logWarn("Discarding unreadable faults column", "error", err)
		return nil
	}
	return faults
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringsToArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
