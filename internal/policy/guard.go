package policy

import (
	dErrors "fairway/pkg/domain-errors"
)

// Guard checks an actor against one or more permissions. Guards compose:
// chaining two guards is a logical AND, RequireAny is a logical OR.
type Guard func(Actor) error

// Require returns a guard that fails with a forbidden error naming the
// missing permission. The permission name is the only internal detail exposed
// to callers.
func (t *Table) Require(perm Permission) Guard {
	return func(actor Actor) error {
		if t.HasPermission(actor, perm) {
			return nil
		}
		return dErrors.New(dErrors.CodeForbidden, "missing permission: "+string(perm))
	}
}

// RequireAny returns a guard satisfied by any one of the listed permissions.
func (t *Table) RequireAny(perms ...Permission) Guard {
	return func(actor Actor) error {
		for _, perm := range perms {
			if t.HasPermission(actor, perm) {
				return nil
			}
		}
		names := ""
		for i, perm := range perms {
			if i > 0 {
				names += ", "
			}
			names += string(perm)
		}
		return dErrors.New(dErrors.CodeForbidden, "missing one of permissions: "+names)
	}
}

// All combines guards with AND semantics, failing on the first unmet guard.
func All(guards ...Guard) Guard {
	return func(actor Actor) error {
		for _, g := range guards {
			if err := g(actor); err != nil {
				return err
			}
		}
		return nil
	}
}
