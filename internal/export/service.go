package export

import (
	"context"
	"fmt"
)

// Service renders decks to downloadable files.
type Service struct{}

// NewService creates an export service.
func NewService() *Service {
	return &Service{}
}

// ExportPDF renders every slide of a deck as one landscape PDF page.
func (s *Service) ExportPDF(ctx context.Context, deck Deck) (*Result, error) {
	html, err := RenderDeckHTML(deck)
	if err != nil {
		return nil, fmt.Errorf("render deck: %w", err)
	}
	return exportPDF(ctx, html, deck.Name)
}
