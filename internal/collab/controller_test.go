package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slidequick/api/internal/rbac"
	"slidequick/api/internal/store"
)

// fakeStore is an in-memory Store with a synchronous change feed.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	subs     map[string]map[int]func(*Session)
	nextSub  int
	writes   []fakeWrite
	writeErr error
}

type fakeWrite struct {
	id       string
	deck     store.Deck
	clientID string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]Session),
		subs:     make(map[string]map[int]func(*Session)),
	}
}

func (f *fakeStore) Create(ctx context.Context, id string, deck store.Deck, role rbac.Role, ownerID string) (Session, error) {
	f.mu.Lock()
	if _, ok := f.sessions[id]; ok {
		f.mu.Unlock()
		return Session{}, ErrSessionExists
	}
	now := time.Now().UTC()
	session := Session{ID: id, Deck: deck, Role: role, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	f.sessions[id] = session
	f.mu.Unlock()
	f.notify(id, &session)
	return session, nil
}

func (f *fakeStore) Read(ctx context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (f *fakeStore) Write(ctx context.Context, id string, deck store.Deck, clientID string) error {
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	f.writes = append(f.writes, fakeWrite{id: id, deck: deck, clientID: clientID})
	session, ok := f.sessions[id]
	if !ok {
		session = Session{ID: id, Role: rbac.RoleEdit, CreatedAt: time.Now().UTC()}
	}
	session.Deck = deck
	session.LastWriter = clientID
	session.UpdatedAt = time.Now().UTC()
	f.sessions[id] = session
	f.mu.Unlock()
	f.notify(id, &session)
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	delete(f.sessions, id)
	f.mu.Unlock()
	f.notify(id, nil)
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, id string, onChange func(*Session)) (Unsubscribe, error) {
	f.mu.Lock()
	if f.subs[id] == nil {
		f.subs[id] = make(map[int]func(*Session))
	}
	f.nextSub++
	token := f.nextSub
	f.subs[id][token] = onChange
	session, ok := f.sessions[id]
	f.mu.Unlock()
	if ok {
		onChange(&session)
	} else {
		onChange(nil)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[id], token)
			f.mu.Unlock()
		})
	}, nil
}

func (f *fakeStore) notify(id string, s *Session) {
	f.mu.Lock()
	subs := make([]func(*Session), 0, len(f.subs[id]))
	for _, cb := range f.subs[id] {
		subs = append(subs, cb)
	}
	f.mu.Unlock()
	for _, cb := range subs {
		cb(s)
	}
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
	errs    []error
}

func (r *recorder) onUpdate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) lastUpdate() (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return Update{}, false
	}
	return r.updates[len(r.updates)-1], true
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) lastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

func testDeck(name string) store.Deck {
	return store.Deck{
		ID:   "deck-1",
		Name: name,
		Slides: []store.Slide{
			{ID: "slide-1", Title: name, Template: "title", BackgroundColor: "#ffffff", TextColor: "#1a1a2e"},
		},
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestJoinDeliversSnapshotAndRole(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("Q1 Review"), rbac.RoleView, "owner-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &recorder{}
	guest := NewController(ControllerConfig{
		Store:    fs,
		OnUpdate: rec.onUpdate,
		OnError:  rec.onError,
	})

	if err := guest.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer guest.Leave()

	waitFor(t, func() bool { return rec.updateCount() > 0 })

	update, _ := rec.lastUpdate()
	if update.Session.Deck.Name != "Q1 Review" {
		t.Fatalf("expected snapshot deck, got %q", update.Session.Deck.Name)
	}
	if update.Role != rbac.RoleView {
		t.Fatalf("anonymous guest on view session should get view, got %q", update.Role)
	}
	if guest.State() != StateJoined {
		t.Fatalf("expected joined state, got %s", guest.State())
	}
}

func TestGuestCannotPublishOnViewSession(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("Q1 Review"), rbac.RoleView, "owner-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &recorder{}
	guest := NewController(ControllerConfig{Store: fs, OnUpdate: rec.onUpdate, OnError: rec.onError})
	if err := guest.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer guest.Leave()
	waitFor(t, func() bool { return guest.State() == StateJoined })

	err := guest.Publish(ctx, testDeck("hijacked"))
	if !errors.Is(err, ErrReadOnlySession) {
		t.Fatalf("expected ErrReadOnlySession, got %v", err)
	}
	if len(fs.writes) != 0 {
		t.Fatalf("read-only publish must never reach the store, saw %d writes", len(fs.writes))
	}
}

func TestOwnerEditsViewSession(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("Q1 Review"), rbac.RoleView, "owner-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	ownerRec := &recorder{}
	owner := NewController(ControllerConfig{Store: fs, ViewerID: "owner-1", OnUpdate: ownerRec.onUpdate, OnError: ownerRec.onError})
	if err := owner.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("owner join: %v", err)
	}
	defer owner.Leave()
	waitFor(t, func() bool { return owner.State() == StateJoined })

	if owner.Role() != rbac.RoleEdit {
		t.Fatalf("owner on own view session should keep edit, got %q", owner.Role())
	}

	guestRec := &recorder{}
	guest := NewController(ControllerConfig{Store: fs, OnUpdate: guestRec.onUpdate, OnError: guestRec.onError})
	if err := guest.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("guest join: %v", err)
	}
	defer guest.Leave()
	waitFor(t, func() bool { return guest.State() == StateJoined })

	edited := testDeck("Q1 Review Final")
	if err := owner.Publish(ctx, edited); err != nil {
		t.Fatalf("owner publish: %v", err)
	}

	waitFor(t, func() bool {
		update, ok := guestRec.lastUpdate()
		return ok && update.Session.Deck.Name == "Q1 Review Final"
	})

	update, _ := guestRec.lastUpdate()
	if update.Role != rbac.RoleView {
		t.Fatalf("guest role must stay view after remote edit, got %q", update.Role)
	}
}

func TestEchoSuppression(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("v1"), rbac.RoleEdit, "owner-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{Store: fs, ViewerID: "owner-1", OnUpdate: rec.onUpdate, OnError: rec.onError})
	if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer ctrl.Leave()
	waitFor(t, func() bool { return ctrl.State() == StateJoined })

	before := rec.updateCount()
	if err := ctrl.Publish(ctx, testDeck("v2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// The fake feed delivers the echo synchronously inside Write; wait for
	// the drain goroutine to finish its round trip.
	waitFor(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.writes) == 1
	})
	time.Sleep(20 * time.Millisecond)

	if rec.updateCount() != before {
		t.Fatalf("echo of own write must not trigger an update, got %d extra", rec.updateCount()-before)
	}
	session, ok := ctrl.Session()
	if !ok || session.Deck.Name != "v2" {
		t.Fatalf("local deck must remain the pushed state, got %q", session.Deck.Name)
	}
}

func TestLateCreateRaceBeatsTimeout(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{
		Store:       fs,
		OnUpdate:    rec.onUpdate,
		OnError:     rec.onError,
		JoinTimeout: 500 * time.Millisecond,
	})
	if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer ctrl.Leave()

	if got := ctrl.State(); got != StateJoining {
		t.Fatalf("expected joining before create, got %s", got)
	}

	// Session shows up after the read said NotFound but before the window
	// elapses: the advisory NotFound must not win.
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("late"), rbac.RoleEdit, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, func() bool { return ctrl.State() == StateJoined })
	time.Sleep(600 * time.Millisecond)

	if ctrl.State() != StateJoined {
		t.Fatalf("late create must end joined, got %s", ctrl.State())
	}
	if rec.errorCount() != 0 {
		t.Fatalf("no timeout error expected after late create, got %v", rec.lastError())
	}
}

func TestJoinTimeoutSurfacesTerminalFailure(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{
		Store:       fs,
		OnUpdate:    rec.onUpdate,
		OnError:     rec.onError,
		JoinTimeout: 100 * time.Millisecond,
	})
	started := time.Now()
	if err := ctrl.Join(ctx, "doesnotexist99"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer ctrl.Leave()

	waitFor(t, func() bool { return ctrl.State() == StateFailed })

	if elapsed := time.Since(started); elapsed < 100*time.Millisecond {
		t.Fatalf("timeout fired early after %v", elapsed)
	}
	if !errors.Is(rec.lastError(), ErrJoinTimeout) {
		t.Fatalf("expected ErrJoinTimeout, got %v", rec.lastError())
	}
	if rec.updateCount() != 0 {
		t.Fatalf("no update expected for a link that never resolves")
	}
}

func TestLateDeliveryAfterTimeoutStillAccepted(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{
		Store:       fs,
		OnUpdate:    rec.onUpdate,
		OnError:     rec.onError,
		JoinTimeout: 50 * time.Millisecond,
	})
	if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer ctrl.Leave()

	waitFor(t, func() bool { return ctrl.State() == StateFailed })

	// The timeout is advisory UI feedback; the subscription is still open
	// and a very late create must still be accepted.
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("better late"), rbac.RoleEdit, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, func() bool { return ctrl.State() == StateJoined })
}

func TestLeaveDuringJoinSuppressesCallbacks(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{
		Store:       fs,
		OnUpdate:    rec.onUpdate,
		OnError:     rec.onError,
		JoinTimeout: 50 * time.Millisecond,
	})
	if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	ctrl.Leave()

	if _, err := fs.Create(ctx, "ab12cd34", testDeck("ghost"), rbac.RoleEdit, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	if ctrl.State() != StateIdle {
		t.Fatalf("expected idle after leave, got %s", ctrl.State())
	}
	if rec.updateCount() != 0 {
		t.Fatalf("a left controller must never deliver stale updates")
	}
	if rec.errorCount() != 0 {
		t.Fatalf("a left controller must never fire its old timeout, got %v", rec.lastError())
	}
}

func TestPublishSerializedInOrder(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("v0"), rbac.RoleEdit, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{Store: fs, OnUpdate: rec.onUpdate, OnError: rec.onError})
	if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer ctrl.Leave()
	waitFor(t, func() bool { return ctrl.State() == StateJoined })

	for _, name := range []string{"v1", "v2", "v3"} {
		if err := ctrl.Publish(ctx, testDeck(name)); err != nil {
			t.Fatalf("publish %s: %v", name, err)
		}
	}

	waitFor(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.writes) == 3
	})

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i, want := range []string{"v1", "v2", "v3"} {
		if fs.writes[i].deck.Name != want {
			t.Fatalf("write %d = %q, want %q (own edits must keep causal order)", i, fs.writes[i].deck.Name, want)
		}
		if fs.writes[i].clientID != ctrl.ClientID() {
			t.Fatalf("write %d tagged %q, want controller client id", i, fs.writes[i].clientID)
		}
	}
}

func TestPublishFailureSurfaced(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("v0"), rbac.RoleEdit, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{Store: fs, OnUpdate: rec.onUpdate, OnError: rec.onError})
	if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer ctrl.Leave()
	waitFor(t, func() bool { return ctrl.State() == StateJoined })

	fs.mu.Lock()
	fs.writeErr = errors.New("network blip")
	fs.mu.Unlock()

	if err := ctrl.Publish(ctx, testDeck("v1")); err != nil {
		t.Fatalf("publish enqueues, got %v", err)
	}
	waitFor(t, func() bool { return rec.errorCount() > 0 })
}

func TestLastWriteWinsConvergence(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("base"), rbac.RoleEdit, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	a := NewController(ControllerConfig{Store: fs, OnUpdate: func(Update) {}, OnError: func(error) {}})
	b := NewController(ControllerConfig{Store: fs, OnUpdate: func(Update) {}, OnError: func(error) {}})
	for _, ctrl := range []*Controller{a, b} {
		if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
			t.Fatalf("join: %v", err)
		}
		defer ctrl.Leave()
		waitFor(t, func() bool { return ctrl.State() == StateJoined })
	}

	if err := a.Publish(ctx, testDeck("from-a")); err != nil {
		t.Fatalf("a publish: %v", err)
	}
	waitFor(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.writes) == 1
	})
	if err := b.Publish(ctx, testDeck("from-b")); err != nil {
		t.Fatalf("b publish: %v", err)
	}
	waitFor(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.writes) == 2
	})

	// The later committed write is authoritative for every observer; the
	// earlier concurrent edit is silently replaced, by design.
	session, err := fs.Read(ctx, "ab12cd34")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if session.Deck.Name != "from-b" {
		t.Fatalf("store should converge on the later write, got %q", session.Deck.Name)
	}
	waitFor(t, func() bool {
		sa, ok := a.Session()
		return ok && sa.Deck.Name == "from-b"
	})
}

func TestSessionEndedWhileJoined(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("v0"), rbac.RoleEdit, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{Store: fs, OnUpdate: rec.onUpdate, OnError: rec.onError})
	if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer ctrl.Leave()
	waitFor(t, func() bool { return ctrl.State() == StateJoined })

	if err := fs.Delete(ctx, "ab12cd34"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, func() bool { return errors.Is(rec.lastError(), ErrSessionEnded) })
}

func TestSetViewerRecomputesRole(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if _, err := fs.Create(ctx, "ab12cd34", testDeck("v0"), rbac.RoleView, "owner-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &recorder{}
	ctrl := NewController(ControllerConfig{Store: fs, ViewerID: "owner-1", OnUpdate: rec.onUpdate, OnError: rec.onError})
	if err := ctrl.Join(ctx, "ab12cd34"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer ctrl.Leave()
	waitFor(t, func() bool { return ctrl.State() == StateJoined })

	if ctrl.Role() != rbac.RoleEdit {
		t.Fatalf("owner starts with edit, got %q", ctrl.Role())
	}

	// Token expired mid-session: ownership is strictly identity based, so
	// the downgraded viewer loses edit on a view-role session.
	ctrl.SetViewer("")
	if ctrl.Role() != rbac.RoleView {
		t.Fatalf("expired owner identity must drop to view, got %q", ctrl.Role())
	}
}

func TestControllersHaveDistinctClientIDs(t *testing.T) {
	fs := newFakeStore()
	a := NewController(ControllerConfig{Store: fs})
	b := NewController(ControllerConfig{Store: fs})
	if a.ClientID() == "" || a.ClientID() == b.ClientID() {
		t.Fatalf("client ids must be instance scoped and distinct, got %q and %q", a.ClientID(), b.ClientID())
	}
}
