// Package collab implements the deck sharing subsystem: share session
// records keyed by short link identifiers, a change feed per session, and
// the client-side sync state machine that keeps participants converging on
// the same deck through whole-document last-write-wins replacement.
package collab

import (
	"errors"
	"time"

	"slidequick/api/internal/rbac"
	"slidequick/api/internal/store"
)

var (
	// ErrSessionNotFound means no session exists at the given id at read
	// time. A concurrently created session can still arrive through the
	// subscription, so callers treat this as advisory during a join.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists means the share id is already taken on create.
	ErrSessionExists = errors.New("session already exists")
	// ErrJoinTimeout means neither the snapshot read nor the subscription
	// produced a session within the configured waiting window.
	ErrJoinTimeout = errors.New("session join timed out")
	// ErrSessionEnded means the session record was removed while subscribed.
	ErrSessionEnded = errors.New("session ended")
	// ErrReadOnlySession means a write was attempted under an effective
	// view role. The UI must not offer edit affordances in that state, so
	// hitting this is a programming error, not a user-recoverable one.
	ErrReadOnlySession = errors.New("session is read-only for this viewer")
	// ErrNotJoined means a write was attempted with no active session.
	ErrNotJoined = errors.New("no active session")
)

// Session binds a share identifier to a deck snapshot, an access role and
// an owner. The record is only ever replaced whole: every write swaps the
// deck, bumps UpdatedAt and tags LastWriter in one commit.
type Session struct {
	ID   string     `json:"id"`
	Deck store.Deck `json:"deck"`
	// Role is fixed at share time and changes only through an explicit
	// re-share, never through deck edits.
	Role rbac.Role `json:"role"`
	// OwnerID is immutable for the life of the session. Empty means the
	// session was created without an authenticated owner.
	OwnerID string `json:"ownerId,omitempty"`
	// LastWriter is the opaque client id of the most recent writer, used
	// by subscribers to suppress echoes of their own writes.
	LastWriter string    `json:"lastWriter,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EffectiveRole computes the permission the given viewer holds on this
// session. See rbac.EffectiveRole for the exact rules.
func (s Session) EffectiveRole(viewerID string) rbac.Role {
	return rbac.EffectiveRole(s.Role, s.OwnerID, viewerID)
}
