package store

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Slide is one content unit of a deck. Order is the position in the
// owning deck's slice; the database keeps it in slide_order.
type Slide struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	Template        string `json:"template"`
	BackgroundColor string `json:"backgroundColor"`
	TextColor       string `json:"textColor"`
	ImageURL        string `json:"imageUrl,omitempty"`
}

// Deck is the full mutable document state: identity, name and the
// ordered slide list. It is the unit of replacement everywhere - deck
// saves and share-session writes always carry the whole deck.
type Deck struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"-"`
	OwnerName string    `json:"ownerName,omitempty"`
	Slides    []Slide   `json:"slides"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SlideTemplates are the layouts the editor offers.
var SlideTemplates = []string{"blank", "title", "title-content", "two-column", "image-text"}

func ValidSlideTemplate(template string) bool {
	for _, t := range SlideTemplates {
		if t == template {
			return true
		}
	}
	return false
}
