package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"heatpump/server/apierr"
)

// DefaultMaxRecords bounds the number of records in one batch.
const DefaultMaxRecords = 500

const maxFaults = 16

var (
	profilePattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	batchIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
	devicePattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	keyVersionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)
	statusCodePattern = regexp.MustCompile(`^[A-Z0-9_]{1,24}$`)
	faultCodePattern  = regexp.MustCompile(`^[A-Z]{1,3}[0-9]{1,4}$`)
)

var controlModes = map[string]bool{
	"AUTO":   true,
	"MANUAL": true,
	"ECO":    true,
	"BOOST":  true,
	"OFF":    true,
}

// ValidProfile reports whether s is an acceptable profile path segment.
func ValidProfile(s string) bool {
	return profilePattern.MatchString(s)
}

// Batch is a fully validated ingest body.
type Batch struct {
	BatchID string
	Records []Record
}

// Record is one validated telemetry record.
type Record struct {
	DeviceID   string
	Seq        int64
	Timestamp  string
	KeyVersion string
	Metrics    Metrics
	RawMetrics json.RawMessage
}

// Metrics holds the allow-listed readings of a record. Nil means not reported.
type Metrics struct {
	SupplyC      *float64
	ReturnC      *float64
	FlowLps      *float64
	PowerKW      *float64
	TankC        *float64
	AmbientC     *float64
	CompressorHz *float64
	EEVSteps     *float64

	ControlMode string
	StatusCode  string
	FaultCode   string
	Faults      []string
}

// Exact, case-sensitive key sets per object level. encoding/json alone
// folds case and keeps the last of repeated keys.
var (
	batchKeys  = keySet("batchId", "count", "records")
	recordKeys = keySet("didPseudo", "seq", "timestamp", "keyVersion", "metrics")
	metricKeys = keySet("supplyC", "returnC", "flowLps", "powerKW", "tankC", "ambientC",
		"compressorHz", "eevSteps", "control_mode", "status_code", "fault_code", "faults")
)

func keySet(keys ...string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

type wireBatch struct {
	BatchID *string           `json:"batchId"`
	Count   json.RawMessage   `json:"count"`
	Records []json.RawMessage `json:"records"`
}

type wireRecord struct {
	DidPseudo  *string         `json:"didPseudo"`
	Seq        json.RawMessage `json:"seq"`
	Timestamp  *string         `json:"timestamp"`
	KeyVersion *string         `json:"keyVersion"`
	Metrics    json.RawMessage `json:"metrics"`
}

type wireMetrics struct {
	SupplyC      *float64 `json:"supplyC"`
	ReturnC      *float64 `json:"returnC"`
	FlowLps      *float64 `json:"flowLps"`
	PowerKW      *float64 `json:"powerKW"`
	TankC        *float64 `json:"tankC"`
	AmbientC     *float64 `json:"ambientC"`
	CompressorHz *float64 `json:"compressorHz"`
	EEVSteps     *float64 `json:"eevSteps"`

	ControlMode *string  `json:"control_mode"`
	StatusCode  *string  `json:"status_code"`
	FaultCode   *string  `json:"fault_code"`
	Faults      []string `json:"faults"`
}

// Validator strictly decodes signed batch bodies.
type Validator struct {
	MaxRecords int
}

// NewValidator returns a Validator accepting up to maxRecords records.
func NewValidator(maxRecords int) *Validator {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Validator{MaxRecords: maxRecords}
}

func invalid(format string, args ...interface{}) error {
	return apierr.Validation("invalid_payload", format, args...)
}

// decodeStrict decodes exactly one JSON object into v. Keys must be exact
// members of allowed and appear once; trailing data is rejected.
func decodeStrict(data []byte, v interface{}, allowed map[string]bool) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return checkKeys(data, allowed)
}

// checkKeys walks the top-level object of data, which must already be valid
// JSON, and rejects keys outside allowed or repeated keys.
func checkKeys(data []byte, allowed map[string]bool) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("must be an object")
	}
	seen := make(map[string]bool, len(allowed))
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		if !allowed[key] {
			return fmt.Errorf("unknown field %q", key)
		}
		if seen[key] {
			return fmt.Errorf("duplicate field %q", key)
		}
		seen[key] = true
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func parseInteger(raw json.RawMessage) (int64, bool) {
	if isNull(raw) {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	return n, err == nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("%s: expected %s", typeErr.Field, typeErr.Type)
	}
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, "json: unknown field "); ok {
		return "unknown field " + rest
	}
	return strings.TrimPrefix(msg, "json: ")
}

// Validate decodes body into a Batch. Any violation rejects the whole batch
// with an invalid_payload error naming the offending field.
func (v *Validator) Validate(body []byte) (*Batch, error) {
	var wb wireBatch
	if err := decodeStrict(body, &wb, batchKeys); err != nil {
		return nil, invalid("body: %s", describeDecodeError(err))
	}

	if wb.BatchID == nil || !batchIDPattern.MatchString(*wb.BatchID) {
		return nil, invalid("batchId: must be 1-64 characters of [A-Za-z0-9._:-]")
	}
	count, ok := parseInteger(wb.Count)
	if !ok {
		return nil, invalid("count: must be an integer")
	}
	if wb.Records == nil {
		return nil, invalid("records: required")
	}
	if len(wb.Records) == 0 || len(wb.Records) > v.MaxRecords {
		return nil, invalid("records: must contain 1-%d records", v.MaxRecords)
	}
	if count != int64(len(wb.Records)) {
		return nil, invalid("count: %d does not match %d records", count, len(wb.Records))
	}

	batch := &Batch{BatchID: *wb.BatchID, Records: make([]Record, 0, len(wb.Records))}
	for i, raw := range wb.Records {
		rec, err := validateRecord(raw)
		if err != nil {
			return nil, invalid("records[%d].%s", i, err)
		}
		batch.Records = append(batch.Records, *rec)
	}
	return batch, nil
}

func validateRecord(raw json.RawMessage) (*Record, error) {
	if isNull(raw) {
		return nil, errors.New("record: must be an object")
	}
	var wr wireRecord
	if err := decodeStrict(raw, &wr, recordKeys); err != nil {
		return nil, errors.New(describeDecodeError(err))
	}

	if wr.DidPseudo == nil || !devicePattern.MatchString(*wr.DidPseudo) {
		return nil, errors.New("didPseudo: must be 1-64 characters of [A-Za-z0-9_-]")
	}
	seq, ok := parseInteger(wr.Seq)
	if !ok || seq < 0 {
		return nil, errors.New("seq: must be a non-negative integer")
	}
	if wr.Timestamp == nil {
		return nil, errors.New("timestamp: required")
	}
	if _, err := time.Parse(time.RFC3339Nano, *wr.Timestamp); err != nil {
		return nil, errors.New("timestamp: must be RFC3339")
	}
	rec := &Record{DeviceID: *wr.DidPseudo, Seq: seq, Timestamp: *wr.Timestamp}
	if wr.KeyVersion != nil {
		if !keyVersionPattern.MatchString(*wr.KeyVersion) {
			return nil, errors.New("keyVersion: must be 1-32 characters of [A-Za-z0-9._-]")
		}
		rec.KeyVersion = *wr.KeyVersion
	}

	if isNull(wr.Metrics) {
		return nil, errors.New("metrics: required")
	}
	m, err := validateMetrics(wr.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics.%w", err)
	}
	rec.Metrics = *m
	rec.RawMetrics = wr.Metrics
	return rec, nil
}

func validateMetrics(raw json.RawMessage) (*Metrics, error) {
	var wm wireMetrics
	if err := decodeStrict(raw, &wm, metricKeys); err != nil {
		return nil, errors.New(describeDecodeError(err))
	}

	m := &Metrics{
		SupplyC:      wm.SupplyC,
		ReturnC:      wm.ReturnC,
		FlowLps:      wm.FlowLps,
		PowerKW:      wm.PowerKW,
		TankC:        wm.TankC,
		AmbientC:     wm.AmbientC,
		CompressorHz: wm.CompressorHz,
		EEVSteps:     wm.EEVSteps,
	}
	if wm.ControlMode != nil {
		if !controlModes[*wm.ControlMode] {
			return nil, errors.New("control_mode: must be one of AUTO, MANUAL, ECO, BOOST, OFF")
		}
		m.ControlMode = *wm.ControlMode
	}
	if wm.StatusCode != nil {
		if !statusCodePattern.MatchString(*wm.StatusCode) {
			return nil, errors.New("status_code: must match [A-Z0-9_]{1,24}")
		}
		m.StatusCode = *wm.StatusCode
	}
	if wm.FaultCode != nil {
		if !faultCodePattern.MatchString(*wm.FaultCode) {
			return nil, errors.New("fault_code: invalid fault code")
		}
		m.FaultCode = *wm.FaultCode
	}
	if wm.Faults != nil {
		if len(wm.Faults) > maxFaults {
			return nil, fmt.Errorf("faults: at most %d entries", maxFaults)
		}
		for i, f := range wm.Faults {
			if !faultCodePattern.MatchString(f) {
				return nil, fmt.Errorf("faults[%d]: invalid fault code", i)
			}
		}
		m.Faults = wm.Faults
	}
	return m, nil
}
