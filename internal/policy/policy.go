// Package policy implements role-based permission checks for governance
// operations.
//
// Permissions derive solely from role membership; nothing in this package
// knows about resource ownership. "Own resource" checks (a Subject acting on
// its own decision record) are layered on top by callers, never inside
// HasPermission, so the role table stays the single auditable source of truth.
package policy

import (
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
)

// Role classifies an actor for permission resolution.
type Role string

const (
	// RoleSubject is a loan applicant acting on their own records.
	RoleSubject Role = "subject"
	// RoleReviewer audits decisions and may recommend, but never apply,
	// overrides.
	RoleReviewer Role = "reviewer"
	// RoleAdministrator holds the privileged governance capabilities.
	RoleAdministrator Role = "administrator"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSubject, RoleReviewer, RoleAdministrator:
		return Role(s), nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "unknown role: "+s)
}

// Actor is an authenticated identity plus its role. The credential layer
// supplies it; this core trusts the identity without re-verifying.
type Actor struct {
	ID   id.ActorID
	Role Role
}

// Permission is an opaque capability token checked before a guarded operation
// executes. Permissions are never granted individually, only through roles.
type Permission string

const (
	PermApplyForLoan          Permission = "apply_for_loan"
	PermViewOwnLog            Permission = "view_own_log"
	PermViewAllLogs           Permission = "view_all_logs"
	PermViewFairnessMetrics   Permission = "view_fairness_metrics"
	PermExportLogsLimited     Permission = "export_logs_limited"
	PermExportLogsFull        Permission = "export_logs_full"
	PermRecommendOverride     Permission = "recommend_override"
	PermApproveOverride       Permission = "approve_override"
	PermManageRoles           Permission = "manage_roles"
	PermViewGovernanceRules   Permission = "view_governance_rules"
	PermChangeGovernanceRules Permission = "change_governance_rules"
)

// AllPermissions enumerates every declared permission. The table invariant
// test checks each appears in at least one role's grant set.
var AllPermissions = []Permission{
	PermApplyForLoan,
	PermViewOwnLog,
	PermViewAllLogs,
	PermViewFairnessMetrics,
	PermExportLogsLimited,
	PermExportLogsFull,
	PermRecommendOverride,
	PermApproveOverride,
	PermManageRoles,
	PermViewGovernanceRules,
	PermChangeGovernanceRules,
}

// Table maps each role to its permission set. Built once at startup and
// treated as immutable configuration; passing it explicitly (rather than a
// package global) lets tests run with alternate grants.
type Table struct {
	grants map[Role]map[Permission]struct{}
}

// NewTable builds a table from role grant lists.
func NewTable(grants map[Role][]Permission) *Table {
	t := &Table{grants: make(map[Role]map[Permission]struct{}, len(grants))}
	for role, perms := range grants {
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		t.grants[role] = set
	}
	return t
}

// DefaultTable returns the production role grants.
func DefaultTable() *Table {
	return NewTable(map[Role][]Permission{
		RoleSubject: {
			PermApplyForLoan,
			PermViewOwnLog,
		},
		RoleReviewer: {
			PermViewAllLogs,
			PermViewFairnessMetrics,
			PermExportLogsLimited,
			PermRecommendOverride,
			PermViewGovernanceRules,
		},
		RoleAdministrator: {
			PermViewAllLogs,
			PermViewFairnessMetrics,
			PermExportLogsFull,
			PermApproveOverride,
			PermManageRoles,
			PermViewGovernanceRules,
			PermChangeGovernanceRules,
		},
	})
}

// HasPermission reports whether the actor's role grants the permission.
// Fails closed: an unknown role or zero actor yields false, never an error.
func (t *Table) HasPermission(actor Actor, perm Permission) bool {
	if t == nil || actor.ID.IsNil() {
		return false
	}
	set, ok := t.grants[actor.Role]
	if !ok {
		return false
	}
	_, granted := set[perm]
	return granted
}

// Roles lists the roles present in the table.
func (t *Table) Roles() []Role {
	roles := make([]Role, 0, len(t.grants))
	for role := range t.grants {
		roles = append(roles, role)
	}
	return roles
}

// Permissions returns the grant set for a role. Unknown roles yield nil.
func (t *Table) Permissions(role Role) []Permission {
	set, ok := t.grants[role]
	if !ok {
		return nil
	}
	perms := make([]Permission, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	return perms
}
