package ingest

import (
	"context"
	"slices"
	"time"

	"heatpump/server/apierr"
	"heatpump/server/derive"
	"heatpump/server/storage"
)

// Logger provides logging capabilities.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// BatchStore persists validated batches atomically.
type BatchStore interface {
	PersistBatch(ctx context.Context, batch *storage.IngestBatch) (int, error)
}

// Event describes a committed batch.
type Event struct {
	Profile   string
	BatchID   string
	Accepted  int
	DeviceIDs []string
}

// Publisher is notified after every committed batch.
type Publisher interface {
	Publish(ev Event)
}

// Result is the outcome of a successful ingest.
type Result struct {
	BatchID  string
	Accepted int
}

// ServiceOptions wires the ingest pipeline.
type ServiceOptions struct {
	Verifier  *SignatureVerifier
	Validator *Validator
	Store     BatchStore
	Publisher Publisher
	Logger    Logger
	Now       func() time.Time
}

// Service runs verify, validate, derive and persist for one signed body.
type Service struct {
	verifier  *SignatureVerifier
	validator *Validator
	store     BatchStore
	publisher Publisher
	logger    Logger
	now       func() time.Time
}

// NewService creates an ingest Service.
func NewService(opts ServiceOptions) *Service {
	if opts.Validator == nil {
		opts.Validator = NewValidator(DefaultMaxRecords)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		verifier:  opts.Verifier,
		validator: opts.Validator,
		store:     opts.Store,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

var (
	errRawIngestDisabled = apierr.New(apierr.KindGone, "raw_ingest_disabled", "")
	errInvalidProfile    = apierr.Validation("invalid_payload", "profile: must be 1-64 characters of [A-Za-z0-9_-]")
)

// Ingest accepts one raw body for profile. Nothing is stored unless the
// signature verifies and every record validates.
func (s *Service) Ingest(ctx context.Context, profile string, raw []byte, signature string) (*Result, error) {
	if signature == "" {
		return nil, errRawIngestDisabled
	}
	if err := s.verifier.Verify(raw, signature); err != nil {
		if s.logger != nil {
			s.logger.Warn("Rejected ingest batch", "profile", profile, "error", err)
		}
		return nil, err
	}
	if !ValidProfile(profile) {
		return nil, errInvalidProfile
	}

	batch, err := s.validator.Validate(raw)
	if err != nil {
		if s.logger != nil {
			s.logger.Info("Invalid ingest batch", "profile", profile, "error", err)
		}
		return nil, err
	}

	sb := &storage.IngestBatch{
		BatchID:    batch.BatchID,
		ProfileID:  profile,
		ReceivedAt: s.now().UTC(),
		Records:    make([]storage.IngestRecord, 0, len(batch.Records)),
	}
	devices := make([]string, 0, len(batch.Records))
	for _, rec := range batch.Records {
		sb.Records = append(sb.Records, toStorageRecord(rec))
		if !slices.Contains(devices, rec.DeviceID) {
			devices = append(devices, rec.DeviceID)
		}
	}

	accepted, err := s.store.PersistBatch(ctx, sb)
	if err != nil {
		if apierr.IsCanceled(err) {
			return nil, err
		}
		if s.logger != nil {
			s.logger.Error("Ingest batch rolled back", "profile", profile, "batch_id", batch.BatchID, "error", err)
		}
		return nil, apierr.Wrap(apierr.KindStorage, "ingest_failed", err)
	}

	if s.logger != nil {
		s.logger.Info("Ingested batch", "profile", profile, "batch_id", batch.BatchID, "records", accepted)
	}
	if s.publisher != nil {
		s.publisher.Publish(Event{Profile: profile, BatchID: batch.BatchID, Accepted: accepted, DeviceIDs: devices})
	}
	return &Result{BatchID: batch.BatchID, Accepted: accepted}, nil
}

func toStorageRecord(rec Record) storage.IngestRecord {
	m := rec.Metrics
	d := derive.Compute(derive.Raw{
		SupplyC: m.SupplyC,
		ReturnC: m.ReturnC,
		FlowLps: m.FlowLps,
		PowerKW: m.PowerKW,
	})
	return storage.IngestRecord{
		DeviceID:   rec.DeviceID,
		Seq:        rec.Seq,
		Timestamp:  rec.Timestamp,
		KeyVersion: rec.KeyVersion,
		Readings: storage.Readings{
			SupplyC:    m.SupplyC,
			ReturnC:    m.ReturnC,
			FlowLps:    m.FlowLps,
			PowerKW:    m.PowerKW,
			DeltaT:     d.DeltaT,
			ThermalKW:  d.ThermalKW,
			COP:        d.COP,
			COPQuality: d.COPQuality,
		},
		ControlMode: m.ControlMode,
		StatusCode:  m.StatusCode,
		FaultCode:   m.FaultCode,
		Faults:      m.Faults,
		Metrics:     rec.RawMetrics,
	}
}
