// Package authz decides what an authenticated caller may see: which actions
// it may perform, which tenant profiles its queries are restricted to, and
// how device identifiers are presented to it.
package authz

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrNotFound covers both absent resources and resources the caller may
	// not learn about.
	ErrNotFound = errors.New("not found")
)

// Action represents a permissionable operation within the server API surface.
type Action string

const (
	ActionSeriesRead      Action = "telemetry.series.read"
	ActionLatestRead      Action = "telemetry.latest.read"
	ActionStreamSubscribe Action = "telemetry.stream.subscribe"
	ActionOpsMetricsRead  Action = "ops.metrics.read"
)

var adminOnlyActions = map[Action]bool{
	ActionOpsMetricsRead: true,
}

// DefaultAdminRole is the role name that grants unrestricted access.
const DefaultAdminRole = "admin"

// Identity is the caller as reported by the identity provider.
type Identity struct {
	Email     string
	Roles     []string
	ClientIDs []string

	admin bool
}

// NewIdentity builds an Identity, marking it admin when roles contains adminRole.
func NewIdentity(email string, roles, clientIDs []string, adminRole string) *Identity {
	if adminRole == "" {
		adminRole = DefaultAdminRole
	}
	return &Identity{
		Email:     email,
		Roles:     roles,
		ClientIDs: clientIDs,
		admin:     slices.Contains(roles, adminRole),
	}
}

// IsAdmin reports whether the identity holds the admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.admin
}

// Authorize ensures the identity can perform action.
func Authorize(id *Identity, action Action) error {
	if id == nil {
		return ErrUnauthorized
	}
	if adminOnlyActions[action] && !id.IsAdmin() {
		return fmt.Errorf("%w: %s requires admin", ErrForbidden, action)
	}
	return nil
}
