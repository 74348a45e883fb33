package authz

import (
	"bytes"
	"errors"
	"testing"

	"heatpump/server/cursor"
)

func TestAuthorize(t *testing.T) {
	t.Parallel()

	admin := NewIdentity("ops@example.com", []string{"admin"}, nil, "")
	tenant := NewIdentity("user@west.example", []string{"viewer"}, []string{"west"}, "")

	tests := []struct {
		name    string
		id      *Identity
		action  Action
		wantErr error
	}{
		{"anonymous", nil, ActionSeriesRead, ErrUnauthorized},
		{"tenant series", tenant, ActionSeriesRead, nil},
		{"tenant stream", tenant, ActionStreamSubscribe, nil},
		{"tenant ops", tenant, ActionOpsMetricsRead, ErrForbidden},
		{"admin ops", admin, ActionOpsMetricsRead, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Authorize(tt.id, tt.action)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIdentityCustomAdminRole(t *testing.T) {
	t.Parallel()

	if NewIdentity("a", []string{"admin"}, nil, "superuser").IsAdmin() {
		t.Error("admin role should not grant admin when superuser is configured")
	}
	if !NewIdentity("a", []string{"superuser"}, nil, "superuser").IsAdmin() {
		t.Error("configured admin role not honoured")
	}
	var nilID *Identity
	if nilID.IsAdmin() {
		t.Error("nil identity reported admin")
	}
}

func TestBuildScope(t *testing.T) {
	t.Parallel()

	admin := BuildScope(NewIdentity("a", []string{"admin"}, nil, ""))
	if !admin.Unrestricted() || !admin.Allows("anything") || !admin.Allows("") {
		t.Error("admin scope should admit everything")
	}
	if f := admin.Filter(); !f.All {
		t.Errorf("admin filter = %+v", f)
	}

	empty := BuildScope(NewIdentity("b", nil, nil, ""))
	if empty.Allows("west") {
		t.Error("scope without client ids admitted a profile")
	}
	if f := empty.Filter(); !f.MatchesNothing() {
		t.Errorf("empty scope filter = %+v, want match-nothing", f)
	}

	tenant := BuildScope(NewIdentity("c", nil, []string{"west", "", "north", "west"}, ""))
	if got := tenant.Profiles(); len(got) != 2 || got[0] != "west" || got[1] != "north" {
		t.Errorf("profiles = %v, want [west north]", got)
	}
	if !tenant.Allows("west") || tenant.Allows("east") || tenant.Allows("") {
		t.Error("tenant scope membership wrong")
	}

	narrowed, ok := tenant.Narrow("north")
	if !ok || narrowed.Allows("west") || !narrowed.Allows("north") {
		t.Errorf("Narrow(north) = %+v, %v", narrowed, ok)
	}
	if _, ok := tenant.Narrow("east"); ok {
		t.Error("Narrow admitted an out-of-scope profile")
	}

	if s := BuildScope(nil); s.Allows("west") || s.Unrestricted() {
		t.Error("nil identity scope should match nothing")
	}
}

func TestPresentID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id      string
		isAdmin bool
		want    string
	}{
		{"hp-0001-west", true, "hp-0001-west"},
		{"hp-0001-west", false, "hp-…st"},
		{"abcdef", false, "abc…ef"},
		{"abcde", false, "***"},
		{"", false, "***"},
	}
	for _, tt := range tests {
		if got := PresentID(tt.id, tt.isAdmin); got != tt.want {
			t.Errorf("PresentID(%q, %v) = %q, want %q", tt.id, tt.isAdmin, got, tt.want)
		}
	}
}

func TestPseudonymizer(t *testing.T) {
	t.Parallel()

	sealer, err := cursor.NewSealer(bytes.Repeat([]byte{0x5a}, cursor.MinSecretLen))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	p := NewPseudonymizer(sealer)

	if got := p.Seal("hp-1", true); got != "hp-1" {
		t.Errorf("admin Seal = %q, want raw id", got)
	}
	if id, ok := p.Resolve("hp-1", true); !ok || id != "hp-1" {
		t.Errorf("admin Resolve = %q, %v", id, ok)
	}
	if _, ok := p.Resolve("", true); ok {
		t.Error("admin Resolve accepted empty id")
	}

	token := p.Seal("hp-1", false)
	if token == "hp-1" {
		t.Fatal("tenant Seal returned raw id")
	}
	if id, ok := p.Resolve(token, false); !ok || id != "hp-1" {
		t.Errorf("tenant Resolve = %q, %v", id, ok)
	}
	if _, ok := p.Resolve("hp-1", false); ok {
		t.Error("tenant Resolve accepted a raw id")
	}
}
