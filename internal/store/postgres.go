package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or is not
// visible to the requesting user.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, COALESCE(email, ''), password_hash, created_at, updated_at
		FROM users WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, COALESCE(email, ''), password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by id: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// ListDecks returns the user's decks, newest first, slides included.
func (s *PostgresStore) ListDecks(ctx context.Context, ownerID string) ([]Deck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.owner_id, COALESCE(u.username, ''), d.created_at, d.updated_at
		FROM decks d
		LEFT JOIN users u ON u.id = d.owner_id
		WHERE d.owner_id = $1
		ORDER BY d.updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list decks: %w", err)
	}
	defer rows.Close()

	decks := []Deck{}
	for rows.Next() {
		var deck Deck
		if err := rows.Scan(&deck.ID, &deck.Name, &deck.OwnerID, &deck.OwnerName, &deck.CreatedAt, &deck.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan deck: %w", err)
		}
		decks = append(decks, deck)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decks: %w", err)
	}

	for i := range decks {
		slides, err := s.deckSlides(ctx, decks[i].ID)
		if err != nil {
			return nil, err
		}
		decks[i].Slides = slides
	}
	return decks, nil
}

// GetDeck returns a deck with its ordered slides, regardless of owner.
// Ownership checks belong to the caller: share sessions legitimately hand
// decks to viewers who do not own them.
func (s *PostgresStore) GetDeck(ctx context.Context, deckID string) (Deck, error) {
	var deck Deck
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.name, d.owner_id, COALESCE(u.username, ''), d.created_at, d.updated_at
		FROM decks d
		LEFT JOIN users u ON u.id = d.owner_id
		WHERE d.id = $1
	`, deckID).Scan(&deck.ID, &deck.Name, &deck.OwnerID, &deck.OwnerName, &deck.CreatedAt, &deck.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Deck{}, ErrNotFound
	}
	if err != nil {
		return Deck{}, fmt.Errorf("lookup deck: %w", err)
	}

	slides, err := s.deckSlides(ctx, deck.ID)
	if err != nil {
		return Deck{}, err
	}
	deck.Slides = slides
	return deck, nil
}

func (s *PostgresStore) deckSlides(ctx context.Context, deckID string) ([]Slide, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, template, background_color, text_color, COALESCE(image_url, '')
		FROM slides WHERE deck_id = $1 ORDER BY slide_order
	`, deckID)
	if err != nil {
		return nil, fmt.Errorf("list slides: %w", err)
	}
	defer rows.Close()

	slides := []Slide{}
	for rows.Next() {
		var slide Slide
		if err := rows.Scan(&slide.ID, &slide.Title, &slide.Content, &slide.Template, &slide.BackgroundColor, &slide.TextColor, &slide.ImageURL); err != nil {
			return nil, fmt.Errorf("scan slide: %w", err)
		}
		slides = append(slides, slide)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slides: %w", err)
	}
	return slides, nil
}

// CreateDeck inserts a deck and its slides in one transaction.
func (s *PostgresStore) CreateDeck(ctx context.Context, deck Deck) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create deck: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO decks (id, name, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, deck.ID, deck.Name, deck.OwnerID, deck.CreatedAt, deck.UpdatedAt); err != nil {
		return fmt.Errorf("insert deck: %w", err)
	}

	if err := insertSlides(ctx, tx, deck.ID, deck.Slides); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create deck: %w", err)
	}
	return nil
}

// UpdateDeck replaces the deck whole: name, timestamps and the entire
// slide list. Slides are deleted and reinserted so slice order is the only
// source of truth for slide_order.
func (s *PostgresStore) UpdateDeck(ctx context.Context, deck Deck, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update deck: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE decks SET name = $1, updated_at = $2
		WHERE id = $3 AND owner_id = $4
	`, deck.Name, time.Now().UTC(), deck.ID, ownerID)
	if err != nil {
		return fmt.Errorf("update deck: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update deck rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM slides WHERE deck_id = $1`, deck.ID); err != nil {
		return fmt.Errorf("clear slides: %w", err)
	}
	if err := insertSlides(ctx, tx, deck.ID, deck.Slides); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update deck: %w", err)
	}
	return nil
}

// DeleteDeck removes a deck owned by ownerID; slides cascade.
func (s *PostgresStore) DeleteDeck(ctx context.Context, deckID, ownerID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM decks WHERE id = $1 AND owner_id = $2
	`, deckID, ownerID)
	if err != nil {
		return fmt.Errorf("delete deck: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete deck rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func insertSlides(ctx context.Context, tx *sql.Tx, deckID string, slides []Slide) error {
	for order, slide := range slides {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO slides (id, deck_id, title, content, template, background_color, text_color, image_url, slide_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		`, slide.ID, deckID, slide.Title, slide.Content, slide.Template, slide.BackgroundColor, slide.TextColor, slide.ImageURL, order); err != nil {
			return fmt.Errorf("insert slide: %w", err)
		}
	}
	return nil
}
