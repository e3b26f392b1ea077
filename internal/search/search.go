// Package search finds decks by name or slide text, preferring Meilisearch
// with PostgreSQL full-text search as a fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
	OwnerID string `json:"-"`
}

// Query describes a search request. OwnerID scopes results to the
// requesting user's decks.
type Query struct {
	Text    string
	OwnerID string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DeckRecord is the data we index for a deck: its name plus the
// concatenated text of its slides.
type DeckRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	OwnerID string `json:"ownerId"`
}
