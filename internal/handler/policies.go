package handler

import (
	"marketplace-auth/internal/authz"
	"marketplace-auth/internal/models"
)

// Route policies. Every protected route is registered with exactly one of these.
var (
	policyReadProfile = authz.Policy{Action: "read", Resource: "profile"}

	policyUpdatePreferences = authz.Policy{
		Action:         "update",
		Resource:       "preferences",
		Verification:   authz.VerifyContact,
		BodyOwnerField: "userId",
	}

	policyCreateArtisan = authz.Policy{
		Action:       "create",
		Resource:     "artisan",
		Roles:        []models.Role{models.RoleArtisan},
		Verification: authz.VerifyContact,
	}

	policyReadArtisan = authz.Policy{Action: "read", Resource: "artisan"}

	policyUpdateArtisan = authz.Policy{
		Action:    "update",
		Resource:  "artisan",
		Roles:     []models.Role{models.RoleArtisan, models.RoleAdmin},
		Ownership: true,
	}

	policyUpdatePayout = authz.Policy{
		Action:       "update_payout",
		Resource:     "artisan",
		Roles:        []models.Role{models.RoleArtisan, models.RoleAdmin},
		Verification: authz.VerifyContact | authz.VerifyIdentity,
		Ownership:    true,
	}

	policyChangeRole     = adminPolicy("update_role", "user")
	policyVerifyIdentity = adminPolicy("verify_identity", "user")
	policyDeleteUser     = adminPolicy("delete", "user")
	policyExportAudit    = adminPolicy("export", "audit")

	policyDiagnostics = authz.Policy{Action: "read", Resource: "diagnostics", DevKey: true}
)

func adminPolicy(action, resource string) authz.Policy {
	return authz.Policy{
		Action:   action,
		Resource: resource,
		Roles:    []models.Role{models.RoleAdmin},
	}
}

func allPolicies() []authz.Policy {
	return []authz.Policy{
		policyReadProfile, policyUpdatePreferences,
		policyCreateArtisan, policyReadArtisan, policyUpdateArtisan, policyUpdatePayout,
		policyChangeRole, policyVerifyIdentity, policyDeleteUser, policyExportAudit,
		policyDiagnostics,
	}
}
