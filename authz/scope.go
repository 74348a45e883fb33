package authz

import (
	"slices"

	"heatpump/server/storage"
)

// Scope is the set of tenant profiles a caller may read. The zero value
// matches nothing.
type Scope struct {
	all      bool
	profiles []string
}

// BuildScope derives the scope for id: admins are unrestricted, callers with
// no client ids match nothing, everyone else is limited to their client ids.
func BuildScope(id *Identity) Scope {
	if id == nil {
		return Scope{}
	}
	if id.IsAdmin() {
		return Scope{all: true}
	}
	profiles := make([]string, 0, len(id.ClientIDs))
	for _, c := range id.ClientIDs {
		if c != "" && !slices.Contains(profiles, c) {
			profiles = append(profiles, c)
		}
	}
	return Scope{profiles: profiles}
}

// Unrestricted reports whether the scope admits every profile.
func (s Scope) Unrestricted() bool { return s.all }

// Profiles returns the admitted profiles. It is empty for unrestricted scopes.
func (s Scope) Profiles() []string { return slices.Clone(s.profiles) }

// Allows reports whether a device owned by profileID is visible.
// Unclaimed devices are visible only to unrestricted scopes.
func (s Scope) Allows(profileID string) bool {
	if s.all {
		return true
	}
	return profileID != "" && slices.Contains(s.profiles, profileID)
}

// Narrow restricts the scope to a single profile. It returns false when the
// profile is outside the scope.
func (s Scope) Narrow(profileID string) (Scope, bool) {
	if !s.Allows(profileID) {
		return Scope{}, false
	}
	return Scope{profiles: []string{profileID}}, true
}

// Filter returns the storage predicate for this scope.
func (s Scope) Filter() storage.ProfileFilter {
	if s.all {
		return storage.ProfileFilter{All: true}
	}
	return storage.ProfileFilter{ProfileIDs: slices.Clone(s.profiles)}
}
