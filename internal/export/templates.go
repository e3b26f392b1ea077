package export

import (
	"bytes"
	"html/template"
)

// Slides render at the canvas size the editor uses, one page per slide.
// The @page rule keeps Chrome from reflowing them onto letter paper.
const deckTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Name}}</title>
  <style>
    @page { size: 1920px 1080px; margin: 0; }
    * { box-sizing: border-box; }
    body { margin: 0; font-family: Arial, sans-serif; }
    .slide {
      width: 1920px; height: 1080px; padding: 80px;
      display: flex; align-items: center; justify-content: center;
      page-break-after: always; overflow: hidden;
    }
    .slide:last-child { page-break-after: auto; }
    h1 { font-size: 96px; text-align: center; margin: 0; }
    h2 { font-size: 72px; margin: 0 0 40px 0; }
    p, .body { font-size: 48px; line-height: 1.6; margin: 0; }
    .full { width: 100%; }
    .row { display: flex; gap: 60px; align-items: center; width: 100%; }
    .col { flex: 1; }
    .frame {
      flex: 1; height: 600px; border: 4px solid;
      display: flex; align-items: center; justify-content: center;
      font-size: 96px; overflow: hidden;
    }
    .frame img { max-width: 100%; max-height: 100%; object-fit: contain; }
  </style>
</head>
<body>
{{range .Slides}}
  <div class="slide" style="background-color: {{.BackgroundColor}}; color: {{.TextColor}};">
    {{if eq .Template "title"}}
      <h1>{{.Title}}</h1>
    {{else if eq .Template "title-content"}}
      <div class="full">
        <h2>{{.Title}}</h2>
        <p>{{.Content}}</p>
      </div>
    {{else if eq .Template "two-column"}}
      <div class="full">
        <h2>{{.Title}}</h2>
        <div class="body">{{.Content}}</div>
      </div>
    {{else if eq .Template "image-text"}}
      <div class="row">
        <div class="frame" style="border-color: {{.TextColor}};">
          {{if .ImageURL}}<img src="{{.ImageURL}}" alt="">{{else}}&#128247;{{end}}
        </div>
        <div class="col">
          <h2>{{.Title}}</h2>
          <p>{{.Content}}</p>
        </div>
      </div>
    {{else}}
      <p style="text-align: center;">{{.Content}}</p>
    {{end}}
  </div>
{{end}}
</body>
</html>`

var deckTmpl = template.Must(template.New("deck").Parse(deckTemplate))

// RenderDeckHTML renders a deck to the HTML that feeds the PDF printer.
func RenderDeckHTML(deck Deck) (string, error) {
	var buf bytes.Buffer
	if err := deckTmpl.Execute(&buf, deck); err != nil {
		return "", err
	}
	return buf.String(), nil
}
