package model

import "slices"

// Identity is the claim set extracted by the identity verifier at connect
// time. TenantID here is the token's claim; the connection's effective
// tenant scope is bound separately by the join-tenant operation.
type Identity struct {
	UserID      string
	TenantID    string
	Permissions []string
	Guest       bool
}

// Can reports whether the permission set includes the named grant.
// An empty set means unrestricted (legacy tokens carry no permissions).
func (i Identity) Can(perm string) bool {
	if len(i.Permissions) == 0 {
		return true
	}
	return slices.Contains(i.Permissions, perm)
}
