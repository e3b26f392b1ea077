package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"slidequick/api/internal/auth"
	"slidequick/api/internal/authpw"
	"slidequick/api/internal/collab"
	"slidequick/api/internal/config"
	"slidequick/api/internal/email"
	"slidequick/api/internal/export"
	"slidequick/api/internal/rbac"
	"slidequick/api/internal/revision"
	"slidequick/api/internal/search"
	"slidequick/api/internal/store"
	"slidequick/api/internal/upload"
	"slidequick/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// ShareResult is returned when a deck is shared.
type ShareResult struct {
	ShareID string    `json:"shareId"`
	URL     string    `json:"url"`
	Role    rbac.Role `json:"role"`
}

// SessionSnapshot is the view of a share session returned to a joining
// client: the record plus the role computed for that viewer.
type SessionSnapshot struct {
	Session collab.Session `json:"session"`
	Role    rbac.Role      `json:"role"`
}

type dataStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	ListDecks(ctx context.Context, ownerID string) ([]store.Deck, error)
	GetDeck(ctx context.Context, deckID string) (store.Deck, error)
	CreateDeck(ctx context.Context, deck store.Deck) error
	UpdateDeck(ctx context.Context, deck store.Deck, ownerID string) error
	DeleteDeck(ctx context.Context, deckID, ownerID string) error
	Ping(ctx context.Context) error
}

type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	collab    collab.Store
	sessions  refreshStore
	authpw    *authpw.Service
	search    *search.Service
	exporter  *export.Service
	uploads   *upload.Service
	revisions *revision.Service
	mailer    *email.Service
}

func New(
	cfg config.Config,
	dataStore dataStore,
	collabStore collab.Store,
	sessions refreshStore,
	searchService *search.Service,
	exporter *export.Service,
	uploads *upload.Service,
	revisions *revision.Service,
	mailer *email.Service,
) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		collab:    collabStore,
		sessions:  sessions,
		authpw:    authpw.NewService(dataStore),
		search:    searchService,
		exporter:  exporter,
		uploads:   uploads,
		revisions: revisions,
		mailer:    mailer,
	}
}

// Bootstrap runs startup work that is safe to retry: backfilling the
// search index from PostgreSQL.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Authentication ---

func (s *Service) Register(ctx context.Context, username, emailAddr, password string) (Session, error) {
	user, err := s.authpw.Register(ctx, authpw.RegisterRequest{
		Username: username,
		Email:    emailAddr,
		Password: password,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.authpw.Login(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.AuthSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// --- Decks ---

func (s *Service) ListDecks(ctx context.Context, session Session) ([]store.Deck, error) {
	return s.store.ListDecks(ctx, session.UserID)
}

func (s *Service) GetDeck(ctx context.Context, session Session, deckID string) (store.Deck, error) {
	deck, err := s.store.GetDeck(ctx, deckID)
	if err != nil {
		return store.Deck{}, err
	}
	if deck.OwnerID != session.UserID {
		return store.Deck{}, store.ErrNotFound
	}
	return deck, nil
}

func (s *Service) CreateDeck(ctx context.Context, session Session, name string, slides []store.Slide) (store.Deck, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Deck{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(slides) == 0 {
		slides = []store.Slide{{
			Title:           name,
			Template:        "title",
			BackgroundColor: "#ffffff",
			TextColor:       "#000000",
		}}
	}
	normalized, err := normalizeSlides(slides)
	if err != nil {
		return store.Deck{}, err
	}

	now := time.Now().UTC()
	deck := store.Deck{
		ID:        util.NewID("deck"),
		Name:      name,
		OwnerID:   session.UserID,
		OwnerName: session.UserName,
		Slides:    normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateDeck(ctx, deck); err != nil {
		return store.Deck{}, err
	}

	s.afterDeckChange(deck, session.UserName, "Create deck")
	return deck, nil
}

func (s *Service) UpdateDeck(ctx context.Context, session Session, deckID, name string, slides []store.Slide) (store.Deck, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Deck{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	normalized, err := normalizeSlides(slides)
	if err != nil {
		return store.Deck{}, err
	}

	deck := store.Deck{
		ID:        deckID,
		Name:      name,
		OwnerID:   session.UserID,
		OwnerName: session.UserName,
		Slides:    normalized,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.UpdateDeck(ctx, deck, session.UserID); err != nil {
		return store.Deck{}, err
	}

	s.afterDeckChange(deck, session.UserName, "Edit deck")
	return deck, nil
}

func (s *Service) DeleteDeck(ctx context.Context, session Session, deckID string) error {
	if err := s.store.DeleteDeck(ctx, deckID, session.UserID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDeck(deckID)
	}
	return nil
}

func normalizeSlides(slides []store.Slide) ([]store.Slide, error) {
	normalized := make([]store.Slide, 0, len(slides))
	for i, slide := range slides {
		if !store.ValidSlideTemplate(slide.Template) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("slide %d has unknown template %q", i, slide.Template), nil)
		}
		if slide.ID == "" {
			slide.ID = util.NewID("slide")
		}
		if slide.BackgroundColor == "" {
			slide.BackgroundColor = "#ffffff"
		}
		if slide.TextColor == "" {
			slide.TextColor = "#000000"
		}
		normalized = append(normalized, slide)
	}
	return normalized, nil
}

// afterDeckChange keeps the search index and the revision history in
// step with deck writes. Both are best-effort: a failure is logged and
// never surfaces to the caller.
func (s *Service) afterDeckChange(deck store.Deck, author, message string) {
	if s.search != nil {
		s.search.IndexDeck(deckRecord(deck))
	}
	if s.revisions != nil {
		go func() {
			if err := s.revisions.EnsureDeckRepo(deck, author); err != nil {
				log.Printf("revision: ensure repo for deck %s: %v", deck.ID, err)
				return
			}
			if _, err := s.revisions.Snapshot(deck, author, message); err != nil {
				log.Printf("revision: snapshot deck %s: %v", deck.ID, err)
			}
		}()
	}
}

func deckRecord(deck store.Deck) search.DeckRecord {
	var text strings.Builder
	for _, slide := range deck.Slides {
		if slide.Title != "" {
			text.WriteString(slide.Title)
			text.WriteString(" ")
		}
		if slide.Content != "" {
			text.WriteString(slide.Content)
			text.WriteString(" ")
		}
	}
	return search.DeckRecord{
		ID:      deck.ID,
		Name:    deck.Name,
		OwnerID: deck.OwnerID,
		Text:    strings.TrimSpace(text.String()),
	}
}

// --- Sharing ---

// ShareDeck creates a share session for a deck the caller owns. The
// requested role is stored verbatim on the session; per-viewer access is
// computed at read time. Collisions on the short id are retried with
// fresh ids a bounded number of times.
func (s *Service) ShareDeck(ctx context.Context, session Session, deckID string, role string) (ShareResult, error) {
	deck, err := s.GetDeck(ctx, session, deckID)
	if err != nil {
		return ShareResult{}, err
	}

	shareRole := rbac.Normalize(role)
	attempts := s.cfg.ShareIDAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		shareID := collab.NewShareID()
		_, err := s.collab.Create(ctx, shareID, deck, shareRole, session.UserID)
		if err == nil {
			return ShareResult{
				ShareID: shareID,
				URL:     s.shareURL(deck.ID, shareID),
				Role:    shareRole,
			}, nil
		}
		if errors.Is(err, collab.ErrSessionExists) {
			continue
		}
		return ShareResult{}, err
	}
	return ShareResult{}, domainError(http.StatusInternalServerError, "SHARE_ID_EXHAUSTED",
		"could not allocate a share id", nil)
}

func (s *Service) shareURL(deckID, shareID string) string {
	return fmt.Sprintf("%s/editor/%s?share=%s", strings.TrimRight(s.cfg.BaseURL, "/"), deckID, shareID)
}

// GetSessionSnapshot reads a share session and computes the viewer's
// effective role. viewerID is empty for guests.
func (s *Service) GetSessionSnapshot(ctx context.Context, viewerID, shareID string) (SessionSnapshot, error) {
	sess, err := s.collab.Read(ctx, shareID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return SessionSnapshot{Session: sess, Role: sess.EffectiveRole(viewerID)}, nil
}

// WriteSession replaces the shared deck for everyone in the session.
// Writes to a missing session are allowed through: the store recreates
// the record, which covers a share link used before the create was
// observed.
func (s *Service) WriteSession(ctx context.Context, viewerID, shareID string, deck store.Deck, clientID string) error {
	sess, err := s.collab.Read(ctx, shareID)
	if err != nil && !errors.Is(err, collab.ErrSessionNotFound) {
		return err
	}
	if err == nil && sess.EffectiveRole(viewerID) != rbac.RoleEdit {
		return collab.ErrReadOnlySession
	}
	return s.collab.Write(ctx, shareID, deck, clientID)
}

// EndSession removes a share session. Only the owner may end it;
// ownerless sessions can be ended by anyone holding the link.
func (s *Service) EndSession(ctx context.Context, session Session, shareID string) error {
	sess, err := s.collab.Read(ctx, shareID)
	if err != nil {
		return err
	}
	if sess.OwnerID != "" && sess.OwnerID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only the owner can end a session", nil)
	}
	return s.collab.Delete(ctx, shareID)
}

// SendShareInvite emails a share link to a recipient.
func (s *Service) SendShareInvite(ctx context.Context, session Session, shareID, to string) error {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return domainError(http.StatusServiceUnavailable, "EMAIL_UNAVAILABLE", "email is not configured", nil)
	}
	to = strings.TrimSpace(to)
	if to == "" || !strings.Contains(to, "@") {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a valid recipient email is required", nil)
	}

	sess, err := s.collab.Read(ctx, shareID)
	if err != nil {
		return err
	}
	if sess.OwnerID != "" && sess.OwnerID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only the owner can send invites", nil)
	}

	url := s.shareURL(sess.Deck.ID, sess.ID)
	if err := s.mailer.SendShareInvite(to, session.UserName, sess.Deck.Name, string(sess.Role), url); err != nil {
		return fmt.Errorf("send share invite: %w", err)
	}
	return nil
}

// --- Search ---

func (s *Service) SearchDecks(ctx context.Context, session Session, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:    text,
		OwnerID: session.UserID,
		Limit:   limit,
		Offset:  offset,
	})
}

// --- Export ---

func (s *Service) ExportDeckPDF(ctx context.Context, session Session, deckID string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "export is not configured", nil)
	}
	deck, err := s.GetDeck(ctx, session, deckID)
	if err != nil {
		return nil, err
	}
	return s.exporter.ExportPDF(ctx, exportDeck(deck))
}

func exportDeck(deck store.Deck) export.Deck {
	slides := make([]export.Slide, 0, len(deck.Slides))
	for _, slide := range deck.Slides {
		slides = append(slides, export.Slide{
			Title:           slide.Title,
			Content:         slide.Content,
			Template:        slide.Template,
			BackgroundColor: slide.BackgroundColor,
			TextColor:       slide.TextColor,
			ImageURL:        slide.ImageURL,
		})
	}
	return export.Deck{Name: deck.Name, Slides: slides}
}

// --- Uploads ---

func (s *Service) UploadImage(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	if s.uploads == nil {
		return "", domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "uploads are not configured", nil)
	}
	return s.uploads.UploadImage(ctx, r, size, contentType)
}

// --- Revision history ---

func (s *Service) DeckHistory(ctx context.Context, session Session, deckID string, limit int) ([]revision.CommitInfo, error) {
	if s.revisions == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "revision history is not configured", nil)
	}
	if _, err := s.GetDeck(ctx, session, deckID); err != nil {
		return nil, err
	}
	return s.revisions.History(deckID, limit)
}

func (s *Service) DeckAtRevision(ctx context.Context, session Session, deckID, hash string) (store.Deck, error) {
	if s.revisions == nil {
		return store.Deck{}, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "revision history is not configured", nil)
	}
	if _, err := s.GetDeck(ctx, session, deckID); err != nil {
		return store.Deck{}, err
	}
	return s.revisions.GetDeckByHash(deckID, hash)
}

// RestoreDeckRevision replaces the current deck with an earlier snapshot.
func (s *Service) RestoreDeckRevision(ctx context.Context, session Session, deckID, hash string) (store.Deck, error) {
	snap, err := s.DeckAtRevision(ctx, session, deckID, hash)
	if err != nil {
		return store.Deck{}, err
	}
	return s.UpdateDeck(ctx, session, deckID, snap.Name, snap.Slides)
}
