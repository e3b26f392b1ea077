package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"slidequick/api/internal/collab"
	"slidequick/api/internal/config"
	"slidequick/api/internal/rbac"
	"slidequick/api/internal/store"
)

type fakeDataStore struct {
	mu    sync.Mutex
	users map[string]store.User // by id
	decks map[string]store.Deck
}

func newFakeDataStore() *fakeDataStore {
	return &fakeDataStore{
		users: make(map[string]store.User),
		decks: make(map[string]store.Deck),
	}
}

func (f *fakeDataStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Username == username {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeDataStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeDataStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeDataStore) ListDecks(_ context.Context, ownerID string) ([]store.Deck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var decks []store.Deck
	for _, deck := range f.decks {
		if deck.OwnerID == ownerID {
			decks = append(decks, deck)
		}
	}
	return decks, nil
}

func (f *fakeDataStore) GetDeck(_ context.Context, deckID string) (store.Deck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deck, ok := f.decks[deckID]
	if !ok {
		return store.Deck{}, store.ErrNotFound
	}
	return deck, nil
}

func (f *fakeDataStore) CreateDeck(_ context.Context, deck store.Deck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decks[deck.ID] = deck
	return nil
}

func (f *fakeDataStore) UpdateDeck(_ context.Context, deck store.Deck, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.decks[deck.ID]
	if !ok || existing.OwnerID != ownerID {
		return store.ErrNotFound
	}
	deck.OwnerID = existing.OwnerID
	deck.CreatedAt = existing.CreatedAt
	f.decks[deck.ID] = deck
	return nil
}

func (f *fakeDataStore) DeleteDeck(_ context.Context, deckID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.decks[deckID]
	if !ok || existing.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(f.decks, deckID)
	return nil
}

func (f *fakeDataStore) Ping(context.Context) error { return nil }

type fakeRefreshStore struct {
	mu       sync.Mutex
	sessions map[string]store.User
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{sessions: make(map[string]store.User)}
}

func (f *fakeRefreshStore) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeRefreshStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, errors.New("refresh session not found")
	}
	return user, nil
}

func (f *fakeRefreshStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

type fakeCollabStore struct {
	mu         sync.Mutex
	sessions   map[string]collab.Session
	createErrs int // Creates to fail with ErrSessionExists before succeeding
	writes     []string
}

func newFakeCollabStore() *fakeCollabStore {
	return &fakeCollabStore{sessions: make(map[string]collab.Session)}
}

func (f *fakeCollabStore) Create(_ context.Context, id string, deck store.Deck, role rbac.Role, ownerID string) (collab.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErrs > 0 {
		f.createErrs--
		return collab.Session{}, collab.ErrSessionExists
	}
	if _, ok := f.sessions[id]; ok {
		return collab.Session{}, collab.ErrSessionExists
	}
	now := time.Now()
	sess := collab.Session{ID: id, Deck: deck, Role: role, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeCollabStore) Read(_ context.Context, id string) (collab.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return collab.Session{}, collab.ErrSessionNotFound
	}
	return sess, nil
}

func (f *fakeCollabStore) Write(_ context.Context, id string, deck store.Deck, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		now := time.Now()
		sess = collab.Session{ID: id, Role: rbac.RoleEdit, CreatedAt: now}
	}
	sess.Deck = deck
	sess.LastWriter = clientID
	sess.UpdatedAt = time.Now()
	f.sessions[id] = sess
	f.writes = append(f.writes, id)
	return nil
}

func (f *fakeCollabStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return collab.ErrSessionNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeCollabStore) Subscribe(_ context.Context, _ string, _ func(*collab.Session)) (collab.Unsubscribe, error) {
	return func() {}, nil
}

func testConfig() config.Config {
	return config.Config{
		AuthSecret:      "test-secret",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      24 * time.Hour,
		BaseURL:         "http://localhost:5173",
		ShareIDAttempts: 5,
		JoinTimeout:     time.Second,
	}
}

func newTestService(t *testing.T) (*Service, *fakeDataStore, *fakeCollabStore) {
	t.Helper()
	fds := newFakeDataStore()
	fcs := newFakeCollabStore()
	svc := New(testConfig(), fds, fcs, newFakeRefreshStore(), nil, nil, nil, nil, nil)
	return svc, fds, fcs
}

func registerTestUser(t *testing.T, svc *Service, username string) Session {
	t.Helper()
	session, err := svc.Register(context.Background(), username, username+"@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Register(%s) error = %v", username, err)
	}
	return session
}

func TestRegisterLoginRefreshFlow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	registered := registerTestUser(t, svc, "avery")
	if registered.Token == "" || registered.RefreshToken == "" {
		t.Fatal("expected tokens on register")
	}

	logged, err := svc.Login(ctx, "avery", "correct horse battery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if logged.UserID != registered.UserID {
		t.Fatalf("login returned a different user: %s vs %s", logged.UserID, registered.UserID)
	}

	refreshed, err := svc.Refresh(ctx, logged.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.UserID != registered.UserID {
		t.Fatal("refresh returned a different user")
	}

	// A refresh token is single-use.
	if _, err := svc.Refresh(ctx, logged.RefreshToken); err == nil {
		t.Fatal("expected reused refresh token to be rejected")
	}

	parsed, err := svc.SessionFromToken(ctx, refreshed.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserName != "avery" {
		t.Fatalf("unexpected user name %q", parsed.UserName)
	}
}

func TestShareDeckStoresRoleVerbatim(t *testing.T) {
	svc, _, fcs := newTestService(t)
	ctx := context.Background()

	owner := registerTestUser(t, svc, "avery")
	deck, err := svc.CreateDeck(ctx, owner, "Quarterly Review", nil)
	if err != nil {
		t.Fatalf("CreateDeck() error = %v", err)
	}

	result, err := svc.ShareDeck(ctx, owner, deck.ID, "view")
	if err != nil {
		t.Fatalf("ShareDeck() error = %v", err)
	}
	if result.Role != rbac.RoleView {
		t.Fatalf("expected role view, got %s", result.Role)
	}
	if len(result.ShareID) != 8 {
		t.Fatalf("unexpected share id %q", result.ShareID)
	}
	if !strings.Contains(result.URL, "/editor/"+deck.ID+"?share="+result.ShareID) {
		t.Fatalf("unexpected share URL %q", result.URL)
	}

	sess, err := fcs.Read(ctx, result.ShareID)
	if err != nil {
		t.Fatalf("session missing after share: %v", err)
	}
	// The session keeps the view role as given; the owner's edit access
	// comes from the role gate at read time, not from widening the record.
	if sess.Role != rbac.RoleView {
		t.Fatalf("session role = %s, want view", sess.Role)
	}
	if sess.OwnerID != owner.UserID {
		t.Fatalf("session owner = %q, want %q", sess.OwnerID, owner.UserID)
	}
}

func TestShareDeckRetriesOnCollision(t *testing.T) {
	svc, _, fcs := newTestService(t)
	ctx := context.Background()

	owner := registerTestUser(t, svc, "avery")
	deck, err := svc.CreateDeck(ctx, owner, "Launch Plan", nil)
	if err != nil {
		t.Fatalf("CreateDeck() error = %v", err)
	}

	fcs.createErrs = 3
	result, err := svc.ShareDeck(ctx, owner, deck.ID, "edit")
	if err != nil {
		t.Fatalf("ShareDeck() should survive collisions, got %v", err)
	}
	if result.ShareID == "" {
		t.Fatal("expected share id")
	}

	fcs.createErrs = 10 // more than ShareIDAttempts
	if _, err := svc.ShareDeck(ctx, owner, deck.ID, "edit"); err == nil {
		t.Fatal("expected exhausted share id attempts to fail")
	}
}

func TestShareDeckRequiresOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	owner := registerTestUser(t, svc, "avery")
	stranger := registerTestUser(t, svc, "jamie")
	deck, err := svc.CreateDeck(ctx, owner, "Private Deck", nil)
	if err != nil {
		t.Fatalf("CreateDeck() error = %v", err)
	}

	if _, err := svc.ShareDeck(ctx, stranger, deck.ID, "edit"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not-found for non-owner, got %v", err)
	}
}

func TestWriteSessionRoleGate(t *testing.T) {
	svc, _, fcs := newTestService(t)
	ctx := context.Background()

	owner := registerTestUser(t, svc, "avery")
	deck, err := svc.CreateDeck(ctx, owner, "Q1 Review", nil)
	if err != nil {
		t.Fatalf("CreateDeck() error = %v", err)
	}
	shared, err := svc.ShareDeck(ctx, owner, deck.ID, "view")
	if err != nil {
		t.Fatalf("ShareDeck() error = %v", err)
	}

	edited := deck
	edited.Name = "Q1 Review Final"

	// A guest cannot write to a view-only session.
	if err := svc.WriteSession(ctx, "", shared.ShareID, edited, "client-guest"); !errors.Is(err, collab.ErrReadOnlySession) {
		t.Fatalf("expected read-only error for guest, got %v", err)
	}

	// Another signed-in user cannot either.
	stranger := registerTestUser(t, svc, "jamie")
	if err := svc.WriteSession(ctx, stranger.UserID, shared.ShareID, edited, "client-jamie"); !errors.Is(err, collab.ErrReadOnlySession) {
		t.Fatalf("expected read-only error for non-owner, got %v", err)
	}

	// The owner keeps edit on their own view-only session.
	if err := svc.WriteSession(ctx, owner.UserID, shared.ShareID, edited, "client-avery"); err != nil {
		t.Fatalf("owner write failed: %v", err)
	}

	sess, err := fcs.Read(ctx, shared.ShareID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sess.Deck.Name != "Q1 Review Final" {
		t.Fatalf("deck not replaced, name = %q", sess.Deck.Name)
	}
	if sess.LastWriter != "client-avery" {
		t.Fatalf("last writer = %q", sess.LastWriter)
	}
}

func TestWriteSessionUpsertsMissing(t *testing.T) {
	svc, _, fcs := newTestService(t)
	ctx := context.Background()

	deck := store.Deck{ID: "deck-x", Name: "Recovered"}
	if err := svc.WriteSession(ctx, "", "gone1234", deck, "client-1"); err != nil {
		t.Fatalf("write to missing session should upsert, got %v", err)
	}

	sess, err := fcs.Read(ctx, "gone1234")
	if err != nil {
		t.Fatalf("expected recreated session: %v", err)
	}
	if sess.Role != rbac.RoleEdit {
		t.Fatalf("recreated session role = %s, want edit", sess.Role)
	}
	if sess.OwnerID != "" {
		t.Fatalf("recreated session owner = %q, want empty", sess.OwnerID)
	}
}

func TestEndSessionOwnerOnly(t *testing.T) {
	svc, _, fcs := newTestService(t)
	ctx := context.Background()

	owner := registerTestUser(t, svc, "avery")
	stranger := registerTestUser(t, svc, "jamie")
	deck, err := svc.CreateDeck(ctx, owner, "Ephemeral", nil)
	if err != nil {
		t.Fatalf("CreateDeck() error = %v", err)
	}
	shared, err := svc.ShareDeck(ctx, owner, deck.ID, "edit")
	if err != nil {
		t.Fatalf("ShareDeck() error = %v", err)
	}

	err = svc.EndSession(ctx, stranger, shared.ShareID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for non-owner end, got %v", err)
	}

	if err := svc.EndSession(ctx, owner, shared.ShareID); err != nil {
		t.Fatalf("owner end failed: %v", err)
	}
	if _, err := fcs.Read(ctx, shared.ShareID); !errors.Is(err, collab.ErrSessionNotFound) {
		t.Fatal("session should be gone")
	}
}

func TestGetSessionSnapshotComputesViewerRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	owner := registerTestUser(t, svc, "avery")
	deck, err := svc.CreateDeck(ctx, owner, "Readout", nil)
	if err != nil {
		t.Fatalf("CreateDeck() error = %v", err)
	}
	shared, err := svc.ShareDeck(ctx, owner, deck.ID, "view")
	if err != nil {
		t.Fatalf("ShareDeck() error = %v", err)
	}

	guest, err := svc.GetSessionSnapshot(ctx, "", shared.ShareID)
	if err != nil {
		t.Fatalf("GetSessionSnapshot() error = %v", err)
	}
	if guest.Role != rbac.RoleView {
		t.Fatalf("guest role = %s, want view", guest.Role)
	}

	asOwner, err := svc.GetSessionSnapshot(ctx, owner.UserID, shared.ShareID)
	if err != nil {
		t.Fatalf("GetSessionSnapshot() error = %v", err)
	}
	if asOwner.Role != rbac.RoleEdit {
		t.Fatalf("owner role = %s, want edit", asOwner.Role)
	}

	if _, err := svc.GetSessionSnapshot(ctx, "", "missing99"); !errors.Is(err, collab.ErrSessionNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestCreateDeckValidatesTemplates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	owner := registerTestUser(t, svc, "avery")
	_, err := svc.CreateDeck(ctx, owner, "Broken", []store.Slide{{Title: "X", Template: "sparkles"}})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateDeckSeedsTitleSlide(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	owner := registerTestUser(t, svc, "avery")
	deck, err := svc.CreateDeck(ctx, owner, "Fresh Deck", nil)
	if err != nil {
		t.Fatalf("CreateDeck() error = %v", err)
	}
	if len(deck.Slides) != 1 {
		t.Fatalf("expected one seeded slide, got %d", len(deck.Slides))
	}
	if deck.Slides[0].Template != "title" || deck.Slides[0].Title != "Fresh Deck" {
		t.Fatalf("unexpected seeded slide %+v", deck.Slides[0])
	}
	if deck.Slides[0].ID == "" {
		t.Fatal("seeded slide should get an id")
	}
}
