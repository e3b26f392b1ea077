package collab

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"slidequick/api/internal/rbac"
	"slidequick/api/internal/store"
)

// State is the controller's position in its lifecycle.
type State int

const (
	// StateIdle: no active session. Entered at construction and on Leave.
	StateIdle State = iota
	// StateJoining: snapshot requested and subscription opening; nothing
	// delivered yet.
	StateJoining
	// StateJoined: live; remote changes flow through the update callback.
	StateJoined
	// StateFailed: the join window elapsed with no session. Terminal for
	// the UI, but a late subscription delivery still promotes to Joined.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update is what the controller hands to the UI on every accepted remote
// change: the new session state and the viewer's recomputed permission.
type Update struct {
	Session Session
	Role    rbac.Role
}

// DefaultJoinTimeout bounds how long a join waits for a first delivery
// before surfacing "share link invalid" to the user. It is advisory: the
// subscription stays open and a late delivery is still accepted.
const DefaultJoinTimeout = 15 * time.Second

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Store    Store
	ViewerID string // authenticated identity, empty for anonymous guests
	// OnUpdate receives every accepted remote change plus the initial
	// snapshot. Runs on the feed's delivery goroutine.
	OnUpdate func(Update)
	// OnError receives push failures, the join timeout and session-ended
	// signals. Runs on internal goroutines.
	OnError     func(error)
	JoinTimeout time.Duration // zero means DefaultJoinTimeout
	ClientID    string        // generated when empty; fixed ids are for tests
}

// Controller keeps one client converging with one shared session: it joins
// with a snapshot-then-subscribe handshake, applies inbound updates with
// echo suppression, and pushes local edits out strictly one at a time so
// the client's own writes keep their causal order.
//
// The client id is generated once per controller instance, not process
// wide, so several controllers in one process never swallow each other's
// updates as echoes.
type Controller struct {
	store       Store
	clientID    string
	joinTimeout time.Duration
	onUpdate    func(Update)
	onError     func(error)

	mu       sync.Mutex
	state    State
	viewerID string
	// generation fences everything asynchronous: subscription callbacks,
	// the join timer and the push drain all carry the generation they were
	// started under and give up when Leave or a rejoin has bumped it.
	generation int
	sessionID  string
	session    Session
	role       rbac.Role
	unsub      Unsubscribe
	timer      *time.Timer
	pending    []pendingPush
	inFlight   bool
}

type pendingPush struct {
	ctx  context.Context
	deck store.Deck
}

// NewController creates an idle controller.
func NewController(cfg ControllerConfig) *Controller {
	clientID := cfg.ClientID
	if clientID == "" {
		buf := make([]byte, 16)
		_, _ = rand.Read(buf)
		clientID = hex.EncodeToString(buf)
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	return &Controller{
		store:       cfg.Store,
		clientID:    clientID,
		viewerID:    cfg.ViewerID,
		joinTimeout: joinTimeout,
		onUpdate:    cfg.OnUpdate,
		onError:     cfg.OnError,
		state:       StateIdle,
		role:        rbac.RoleView,
	}
}

// ClientID returns the opaque identifier this controller tags its writes
// with.
func (c *Controller) ClientID() string {
	return c.clientID
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns the viewer's current effective permission.
func (c *Controller) Role() rbac.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Session returns the last known session state and whether one has been
// received.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.state == StateJoined
}

// Join attaches the controller to the session behind a share id. Any
// previous session is left first, so Join doubles as re-join when the
// share parameter changes.
//
// The one-shot read exists purely to minimize time to first paint for a
// guest opening a link; its NotFound is advisory because the subscription,
// opened regardless, can still observe a session created a moment after
// the read.
func (c *Controller) Join(ctx context.Context, sessionID string) error {
	c.Leave()

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.state = StateJoining
	c.sessionID = sessionID
	c.mu.Unlock()

	if snapshot, err := c.store.Read(ctx, sessionID); err == nil {
		c.deliver(gen, &snapshot)
	} else if err != ErrSessionNotFound {
		c.report(gen, fmt.Errorf("session snapshot %s: %w", sessionID, err))
	}

	unsub, err := c.store.Subscribe(ctx, sessionID, func(s *Session) {
		c.deliver(gen, s)
	})
	if err != nil {
		c.mu.Lock()
		if gen == c.generation {
			c.state = StateFailed
		}
		c.mu.Unlock()
		return fmt.Errorf("subscribe session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	if gen != c.generation {
		// Left while the subscription was opening; don't leak it.
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsub = unsub
	if c.state == StateJoining {
		c.timer = time.AfterFunc(c.joinTimeout, func() {
			c.joinTimedOut(gen, sessionID)
		})
	}
	c.mu.Unlock()
	return nil
}

// Leave detaches from the current session and returns to Idle. Safe to
// call at any time, including mid-join and repeatedly; stale in-flight
// operations from before the call never reach the callbacks.
func (c *Controller) Leave() {
	c.mu.Lock()
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	unsub := c.unsub
	c.unsub = nil
	c.state = StateIdle
	c.sessionID = ""
	c.session = Session{}
	c.role = rbac.RoleView
	c.pending = nil
	c.inFlight = false
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// SetViewer updates the viewer identity (login, logout, token expiry) and
// recomputes the effective role against the current session. Ownership is
// strictly identity-based: an owner whose identity is gone is a guest.
func (c *Controller) SetViewer(viewerID string) {
	c.mu.Lock()
	c.viewerID = viewerID
	if c.state != StateJoined {
		c.mu.Unlock()
		return
	}
	c.role = c.session.EffectiveRole(viewerID)
	update := Update{Session: c.session, Role: c.role}
	cb := c.onUpdate
	c.mu.Unlock()

	if cb != nil {
		cb(update)
	}
}

// Publish pushes a locally edited deck to the session. It queues: pushes
// are serialized so a second edit is never written before the first one's
// round trip begins. Push failures are reported through OnError so a
// user's edit is never dropped silently; retry policy belongs to the
// caller.
func (c *Controller) Publish(ctx context.Context, deck store.Deck) error {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if c.role != rbac.RoleEdit {
		c.mu.Unlock()
		return ErrReadOnlySession
	}
	// The local copy stays authoritative for this client's own edits; the
	// echo of this write will be discarded when it comes back.
	c.session.Deck = deck
	c.session.LastWriter = c.clientID
	c.pending = append(c.pending, pendingPush{ctx: ctx, deck: deck})
	if c.inFlight {
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true
	gen := c.generation
	c.mu.Unlock()

	go c.drain(gen)
	return nil
}

// drain pushes queued edits one at a time in order.
func (c *Controller) drain(gen int) {
	for {
		c.mu.Lock()
		if gen != c.generation || len(c.pending) == 0 {
			c.inFlight = false
			c.mu.Unlock()
			return
		}
		push := c.pending[0]
		c.pending = c.pending[1:]
		sessionID := c.sessionID
		c.mu.Unlock()

		if err := c.store.Write(push.ctx, sessionID, push.deck, c.clientID); err != nil {
			c.report(gen, fmt.Errorf("push edit to %s: %w", sessionID, err))
		}
	}
}

// deliver handles one subscription delivery (or the advisory snapshot).
func (c *Controller) deliver(gen int, s *Session) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	if s == nil {
		if c.state == StateJoined {
			// Deleted out from under us.
			cb := c.onError
			c.mu.Unlock()
			if cb != nil {
				cb(ErrSessionEnded)
			}
			return
		}
		// Joining: the read's NotFound (or the feed's initial empty
		// delivery) is advisory; the timeout stays armed.
		c.mu.Unlock()
		return
	}

	if c.state == StateJoined && s.LastWriter != "" && s.LastWriter == c.clientID {
		// Echo of our own write: the local copy already has this state,
		// possibly plus newer queued edits. Applying it would thrash the
		// UI or roll back unconfirmed local changes.
		c.mu.Unlock()
		return
	}

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = StateJoined
	c.session = *s
	c.role = s.EffectiveRole(c.viewerID)
	update := Update{Session: c.session, Role: c.role}
	cb := c.onUpdate
	c.mu.Unlock()

	if cb != nil {
		cb(update)
	}
}

// joinTimedOut fires when the waiting window elapses with nothing
// delivered. The subscription stays open: an invalid link cannot
// self-heal, but a slow create still can, and a late delivery promotes the
// controller to Joined.
func (c *Controller) joinTimedOut(gen int, sessionID string) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateJoining {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.timer = nil
	cb := c.onError
	c.mu.Unlock()

	if cb != nil {
		cb(fmt.Errorf("join %s: %w", sessionID, ErrJoinTimeout))
	}
}

// report forwards an error to the UI unless the controller has moved on.
func (c *Controller) report(gen int, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	cb := c.onError
	c.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}
