package collab

import (
	"context"

	"slidequick/api/internal/rbac"
	"slidequick/api/internal/store"
)

// Unsubscribe deregisters a subscription callback and releases the
// underlying channel. Implementations must make it idempotent.
type Unsubscribe func()

// Store is the durable keyed session record the sharing subsystem runs on.
// Implementations must serialize writes per session id (a write is atomic,
// never partially visible) and deliver change notifications for a single
// session in commit order. There is no ordering guarantee across sessions.
type Store interface {
	// Create stores a fresh session. Returns ErrSessionExists if the id is
	// taken; callers generate ids themselves, so a conflict is exceptional
	// and handled by regenerating, not surfaced to the user.
	Create(ctx context.Context, id string, deck store.Deck, role rbac.Role, ownerID string) (Session, error)

	// Read returns the latest committed session or ErrSessionNotFound. It
	// never blocks on subscriptions.
	Read(ctx context.Context, id string) (Session, error)

	// Write replaces the session's deck, bumps UpdatedAt and sets
	// LastWriter to clientID atomically. If no session exists it creates
	// one with role edit and no owner: a recovery path for a write racing
	// a slow create, not the primary flow.
	Write(ctx context.Context, id string, deck store.Deck, clientID string) error

	// Delete removes the session and notifies subscribers with a nil
	// session. Session cleanup is an operational concern; the sync core
	// never calls this.
	Delete(ctx context.Context, id string) error

	// Subscribe registers onChange for the session. The callback fires
	// once with the current state (nil if the session does not exist yet)
	// shortly after subscribing, then on every committed change, and with
	// nil if the session is deleted. The callback runs on the feed's own
	// delivery goroutine.
	Subscribe(ctx context.Context, id string, onChange func(*Session)) (Unsubscribe, error)
}
