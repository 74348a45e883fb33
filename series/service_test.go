package series

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"heatpump/server/authz"
	"heatpump/server/cursor"
	"heatpump/server/identity"
	"heatpump/server/storage"
)

func fp(v float64) *float64 { return &v }

type seriesFixture struct {
	store   *storage.SQLiteStore
	pseudo  *authz.Pseudonymizer
	handler *Handler
	base    time.Time
}

func newSeriesFixture(t *testing.T) *seriesFixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:", 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sealer, err := cursor.NewSealer(bytes.Repeat([]byte{0x33}, cursor.MinSecretLen))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	f := &seriesFixture{
		store:  store,
		pseudo: authz.NewPseudonymizer(sealer),
		base:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	ctx := context.Background()
	for _, dev := range []struct{ id, profile string }{{"hp-west-01", "west"}, {"hp-east-01", "east"}} {
		b := &storage.IngestBatch{BatchID: "seed-" + dev.id, ProfileID: dev.profile}
		for i := 0; i < 3; i++ {
			b.Records = append(b.Records, storage.IngestRecord{
				DeviceID:  dev.id,
				Seq:       int64(i),
				Timestamp: f.base.Add(time.Duration(i*5) * time.Minute).Format(time.RFC3339),
				Readings:  storage.Readings{DeltaT: fp(7.26), ThermalKW: fp(45.6993), COP: fp(3.14159)},
			})
		}
		if _, err := store.PersistBatch(ctx, b); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	svc := NewService(store, f.pseudo)
	f.handler = NewHandler(svc)
	f.handler.now = func() time.Time { return f.base.Add(time.Hour) }
	return f
}

func (f *seriesFixture) get(id *authz.Identity, q url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/telemetry/series?"+q.Encode(), nil)
	if id != nil {
		req = req.WithContext(identity.WithIdentity(req.Context(), id))
	}
	rec := httptest.NewRecorder()
	f.handler.HandleSeries(rec, req)
	return rec
}

var (
	westTenant  = authz.NewIdentity("w@example.com", []string{"viewer"}, []string{"west"}, "")
	multiTenant = authz.NewIdentity("m@example.com", []string{"viewer"}, []string{"west", "east"}, "")
	adminUser   = authz.NewIdentity("ops@example.com", []string{"admin"}, nil, "")
)

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestSeriesDeviceScopeForTenant(t *testing.T) {
	t.Parallel()
	f := newSeriesFixture(t)
	token := f.pseudo.Seal("hp-west-01", false)

	rec := f.get(westTenant, url.Values{"scope": {"device"}, "device": {token}, "start": {f.base.Format(time.RFC3339)}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Device != token || len(resp.Series) != 3 {
		t.Fatalf("response = %+v", resp)
	}
	v := resp.Series[0].Values
	if v["deltaT"].Avg != 7.3 || v["thermalKW"].Avg != 45.7 || v["cop"].Avg != 3.1 {
		t.Errorf("tenant values not masked to 1 dp: %+v", v)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("hp-west-01")) {
		t.Error("raw device id leaked to tenant")
	}
}

func TestSeriesAdminSeesFinePrecision(t *testing.T) {
	t.Parallel()
	f := newSeriesFixture(t)

	rec := f.get(adminUser, url.Values{"device": {"hp-east-01"}, "start": {f.base.Format(time.RFC3339)}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if got := resp.Series[0].Values["cop"].Avg; got != 3.1416 {
		t.Errorf("admin cop = %v, want 3.1416", got)
	}
}

func TestSeriesForbiddenAndNotFoundCollapse(t *testing.T) {
	t.Parallel()
	f := newSeriesFixture(t)

	east := f.pseudo.Seal("hp-east-01", false)
	missing := f.pseudo.Seal("hp-never-seen", false)
	tampered := east[:len(east)-1] + "A"
	if tampered == east {
		tampered = east[:len(east)-1] + "B"
	}

	forbidden := f.get(westTenant, url.Values{"device": {east}})
	notFound := f.get(westTenant, url.Values{"device": {missing}})
	forged := f.get(westTenant, url.Values{"device": {tampered}})
	rawID := f.get(westTenant, url.Values{"device": {"hp-west-01"}})

	if forbidden.Code != http.StatusForbidden {
		t.Errorf("out-of-scope status = %d, want 403", forbidden.Code)
	}
	for name, rec := range map[string]*httptest.ResponseRecorder{"missing": notFound, "tampered": forged, "raw id": rawID} {
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", name, rec.Code)
		}
	}

	var a, b map[string]interface{}
	_ = json.Unmarshal(forbidden.Body.Bytes(), &a)
	_ = json.Unmarshal(notFound.Body.Bytes(), &b)
	if len(a) != len(b) || len(a) != 1 {
		t.Errorf("bodies differ in shape: %v vs %v", a, b)
	}
	if forged.Body.String() != notFound.Body.String() {
		t.Errorf("tampered token distinguishable: %q vs %q", forged.Body.String(), notFound.Body.String())
	}
}

func TestSeriesProfileScope(t *testing.T) {
	t.Parallel()
	f := newSeriesFixture(t)
	start := f.base.Format(time.RFC3339)

	rec := f.get(westTenant, url.Values{"scope": {"profile"}, "start": {start}})
	if rec.Code != http.StatusOK {
		t.Fatalf("single-tenant implicit profile: %d %s", rec.Code, rec.Body.String())
	}
	if resp := decodeResponse(t, rec); resp.Profile != "west" || len(resp.Series) != 3 {
		t.Errorf("response = %+v", resp)
	}

	rec = f.get(multiTenant, url.Values{"scope": {"profile"}, "start": {start}})
	if rec.Code != http.StatusBadRequest || !bytes.Contains(rec.Body.Bytes(), []byte("ambiguous_profile")) {
		t.Errorf("multi-tenant without selector: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.get(multiTenant, url.Values{"scope": {"profile"}, "profile": {"east"}, "start": {start}})
	if rec.Code != http.StatusOK {
		t.Errorf("explicit profile: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.get(westTenant, url.Values{"scope": {"profile"}, "profile": {"east"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("out-of-scope profile: %d", rec.Code)
	}
}

func TestSeriesFleetScope(t *testing.T) {
	t.Parallel()
	f := newSeriesFixture(t)
	start := f.base.Format(time.RFC3339)

	rec := f.get(adminUser, url.Values{"scope": {"fleet"}, "metric": {"deltaT"}, "start": {start}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if len(resp.Series) != 3 || resp.Series[0].SampleCount != 2 {
		t.Errorf("admin fleet = %+v", resp.Series)
	}

	noTenants := authz.NewIdentity("x@example.com", nil, nil, "")
	rec = f.get(noTenants, url.Values{"scope": {"fleet"}, "start": {start}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); len(resp.Series) != 0 {
		t.Errorf("caller without tenants saw %d buckets", len(resp.Series))
	}
}

func TestSeriesRequiresIdentity(t *testing.T) {
	t.Parallel()
	f := newSeriesFixture(t)

	if rec := f.get(nil, url.Values{}); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}
	if rec := f.get(westTenant, url.Values{"interval": {"7m"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad interval status = %d, want 400", rec.Code)
	}
}
