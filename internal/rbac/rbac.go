// Package rbac decides what a viewer may do with a shared deck session.
package rbac

type Role string

const (
	// RoleEdit lets any participant modify the shared deck.
	RoleEdit Role = "edit"
	// RoleView restricts participants to watching; only the owner may write.
	RoleView Role = "view"
)

// EffectiveRole maps a session's configured role, its owner and the current
// viewer to the permission the editing UI must honor. Ownership overrides a
// view-only session: the owner always keeps edit on their own deck. The
// viewer identity is empty for anonymous guests, and an empty ownerId never
// matches a viewer (a session created without an owner grants no ownership
// privileges to anyone).
//
// Callers must recompute this whenever the session role, the owner or the
// viewer identity changes; the result must not be cached across changes.
func EffectiveRole(sessionRole Role, ownerID, viewerID string) Role {
	if Normalize(string(sessionRole)) == RoleEdit {
		return RoleEdit
	}
	if viewerID != "" && viewerID == ownerID {
		return RoleEdit
	}
	return RoleView
}

// Normalize coerces arbitrary input to a valid role, defaulting to view so
// that a malformed record can never widen access.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleEdit, RoleView:
		return Role(role)
	default:
		return RoleView
	}
}
