package authz

import "heatpump/server/cursor"

// PresentID returns the display form of a device id. Admins see the raw id;
// everyone else sees a redacted form. This is display hygiene only.
func PresentID(id string, isAdmin bool) string {
	if isAdmin {
		return id
	}
	r := []rune(id)
	if len(r) < 6 {
		return "***"
	}
	return string(r[:3]) + "…" + string(r[len(r)-2:])
}

// Pseudonymizer converts between raw device ids and the identifiers shown
// to a caller. Admins work with raw ids both ways.
type Pseudonymizer struct {
	codec cursor.Codec
}

// NewPseudonymizer wraps codec.
func NewPseudonymizer(codec cursor.Codec) *Pseudonymizer {
	return &Pseudonymizer{codec: codec}
}

// Seal returns the identifier for id as presented to the caller.
func (p *Pseudonymizer) Seal(id string, isAdmin bool) string {
	if isAdmin {
		return id
	}
	return p.codec.Seal(id)
}

// Resolve maps a caller-supplied identifier back to a raw id. A false result
// must be treated exactly like an unknown device.
func (p *Pseudonymizer) Resolve(token string, isAdmin bool) (string, bool) {
	if isAdmin {
		return token, token != ""
	}
	return p.codec.Resolve(token)
}
