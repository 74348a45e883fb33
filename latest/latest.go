// Package latest serves the newest snapshot of many devices in one call.
package latest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"heatpump/server/apierr"
	"heatpump/server/authz"
	"heatpump/server/derive"
	"heatpump/server/storage"
)

const (
	MaxDevices = 100

	IncludePayload = "payload"
	IncludeFaults  = "faults"

	adminPrecision  = 4
	tenantPrecision = 1
)

// Store is the read surface the latest service needs.
type Store interface {
	ListLatestStates(ctx context.Context, deviceIDs []string) (map[string]*storage.LatestState, error)
}

// Request is the POST /telemetry/latest-batch body.
type Request struct {
	Devices []string `json:"devices"`
	Include []string `json:"include,omitempty"`
}

// Metrics are the masked readings of one snapshot. Nil means not reported.
type Metrics struct {
	SupplyC   *float64 `json:"supplyC"`
	ReturnC   *float64 `json:"returnC"`
	FlowLps   *float64 `json:"flowLps"`
	PowerKW   *float64 `json:"powerKW"`
	DeltaT    *float64 `json:"deltaT"`
	ThermalKW *float64 `json:"thermalKW"`
	COP       *float64 `json:"cop"`
}

// Item is one resolved device.
type Item struct {
	Device      string          `json:"device"`
	Display     string          `json:"display"`
	Online      bool            `json:"online"`
	LastSeenAt  *string         `json:"last_seen_at"`
	Ts          *string         `json:"ts"`
	Seq         int64           `json:"seq"`
	Metrics     Metrics         `json:"metrics"`
	COPQuality  *string         `json:"cop_quality"`
	ControlMode *string         `json:"control_mode"`
	StatusCode  *string         `json:"status_code"`
	FaultCode   *string         `json:"fault_code"`
	Faults      []string        `json:"faults,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Response is the POST /telemetry/latest-batch result.
type Response struct {
	GeneratedAt string   `json:"generated_at"`
	Items       []Item   `json:"items"`
	Missing     []string `json:"missing"`
}

// Service resolves device tokens and reads their snapshots.
type Service struct {
	store  Store
	pseudo *authz.Pseudonymizer
	now    func() time.Time
}

// NewService creates a latest Service.
func NewService(store Store, pseudo *authz.Pseudonymizer) *Service {
	return &Service{store: store, pseudo: pseudo, now: time.Now}
}

type include struct {
	payload bool
	faults  bool
}

func parseRequest(req Request) ([]string, include, error) {
	var inc include
	if len(req.Devices) == 0 || len(req.Devices) > MaxDevices {
		return nil, inc, apierr.Validation("invalid_payload", "devices: must contain 1-%d entries", MaxDevices)
	}
	for i, opt := range req.Include {
		switch opt {
		case IncludePayload:
			inc.payload = true
		case IncludeFaults:
			inc.faults = true
		default:
			return nil, inc, apierr.Validation("invalid_payload", "include[%d]: must be payload or faults", i)
		}
	}

	seen := make(map[string]bool, len(req.Devices))
	tokens := make([]string, 0, len(req.Devices))
	for i, tok := range req.Devices {
		if tok == "" {
			return nil, inc, apierr.Validation("invalid_payload", "devices[%d]: must not be empty", i)
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	return tokens, inc, nil
}

// Lookup resolves each token for id. Tokens that do not resolve, name an
// unknown device, or fall outside the caller's scope are listed in Missing
// and never fail the call.
func (s *Service) Lookup(ctx context.Context, id *authz.Identity, req Request) (*Response, error) {
	if err := authz.Authorize(id, authz.ActionLatestRead); err != nil {
		return nil, err
	}
	tokens, inc, err := parseRequest(req)
	if err != nil {
		return nil, err
	}
	admin := id.IsAdmin()
	scope := authz.BuildScope(id)

	resp := &Response{Items: []Item{}, Missing: []string{}}
	rawByToken := make(map[string]string, len(tokens))
	ids := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		raw, ok := s.pseudo.Resolve(tok, admin)
		if !ok {
			continue
		}
		rawByToken[tok] = raw
		ids = append(ids, raw)
	}

	states, err := s.store.ListLatestStates(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("latest states: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	precision := tenantPrecision
	if admin {
		precision = adminPrecision
	}
	for _, tok := range tokens {
		raw, ok := rawByToken[tok]
		st := states[raw]
		if !ok || st == nil || !scope.Allows(st.ProfileID) {
			resp.Missing = append(resp.Missing, tok)
			continue
		}
		resp.Items = append(resp.Items, buildItem(tok, st, admin, precision, inc))
	}
	resp.GeneratedAt = s.now().UTC().Format(time.RFC3339)
	return resp, nil
}

func buildItem(tok string, st *storage.LatestState, admin bool, places int, inc include) Item {
	r := st.Readings
	item := Item{
		Device:      tok,
		Display:     authz.PresentID(st.DeviceID, admin),
		Online:      st.Online,
		LastSeenAt:  timePtr(st.UpdatedAt),
		Ts:          timePtr(st.Timestamp),
		Seq:         st.Seq,
		COPQuality:  r.COPQuality,
		ControlMode: optional(st.ControlMode),
		StatusCode:  optional(st.StatusCode),
		FaultCode:   optional(st.FaultCode),
		Metrics: Metrics{
			SupplyC:   mask(r.SupplyC, places),
			ReturnC:   mask(r.ReturnC, places),
			FlowLps:   mask(r.FlowLps, places),
			PowerKW:   mask(r.PowerKW, places),
			DeltaT:    mask(r.DeltaT, places),
			ThermalKW: mask(r.ThermalKW, places),
			COP:       mask(r.COP, places),
		},
	}
	if inc.faults {
		item.Faults = st.Faults
		if item.Faults == nil {
			item.Faults = []string{}
		}
	}
	// The raw payload carries unmasked readings, so only admins receive it.
	if inc.payload && admin && len(st.Payload) > 0 {
		item.Payload = json.RawMessage(st.Payload)
	}
	return item
}

func mask(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	r := derive.Round(*v, places)
	return &r
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return &s
}
