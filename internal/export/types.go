// Package export renders slide decks to PDF using headless Chrome.
package export

import "errors"

// Slide is the per-slide view handed to the exporter.
type Slide struct {
	Title           string
	Content         string
	Template        string
	BackgroundColor string
	TextColor       string
	ImageURL        string
}

// Deck is the deck view handed to the exporter.
type Deck struct {
	Name   string
	Slides []Slide
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
