package authz

import "marketplace-auth/internal/models"

// PermissionMatrix maps a role to the "action:resource" pairs it may perform,
// independent of ownership. "*" grants everything.
type PermissionMatrix struct {
	grants map[models.Role]map[string]struct{}
}

func NewPermissionMatrix(grants map[models.Role][]string) *PermissionMatrix {
	m := &PermissionMatrix{grants: make(map[models.Role]map[string]struct{}, len(grants))}
	for role, perms := range grants {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		m.grants[role] = set
	}
	return m
}

// DefaultMatrix is the marketplace permission table
func DefaultMatrix() *PermissionMatrix {
	return NewPermissionMatrix(map[models.Role][]string{
		models.RoleCustomer: {
			"read:artisan", "read:profile", "update:preferences",
		},
		models.RoleArtisan: {
			"read:artisan", "create:artisan", "update:artisan", "update_payout:artisan",
			"read:profile", "update:preferences",
		},
		models.RoleDistributor: {
			"read:artisan", "read:profile", "update:preferences",
		},
		models.RoleAdmin: {"*"},
	})
}

func (m *PermissionMatrix) Allowed(role models.Role, action, resource string) bool {
	set, ok := m.grants[role]
	if !ok {
		return false
	}
	if _, ok := set["*"]; ok {
		return true
	}
	_, ok = set[action+":"+resource]
	return ok
}
