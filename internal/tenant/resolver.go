// Package tenant picks the tenant a request operates in.
package tenant

import "github.com/clanvaro/unigrc/internal/identity"

// Resolve returns the first active membership, or the first membership when
// none is active. ok is false only for an empty list.
func Resolve(memberships []identity.TenantMembership) (tenantID string, ok bool) {
	for _, m := range memberships {
		if m.IsActive {
			return m.TenantID, true
		}
	}
	if len(memberships) > 0 {
		return memberships[0].TenantID, true
	}
	return "", false
}

// Select keeps preferred while the user is still a member of it and
// otherwise falls back to Resolve.
func Select(preferred string, memberships []identity.TenantMembership) (string, bool) {
	if preferred != "" && identity.HasTenant(memberships, preferred) {
		return preferred, true
	}
	return Resolve(memberships)
}
