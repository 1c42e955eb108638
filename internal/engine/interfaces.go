package engine

import (
	"context"
	"strings"
)

// Synthesizer abstracts the remote text-to-speech call. Implementations return
// the raw audio payload produced by the service.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// PageReader turns a URL prompt into the text that should be spoken.
type PageReader interface {
	Read(ctx context.Context, url string) (*Page, error)
}

// Page is the readable part of a web page.
type Page struct {
	URL    string
	Title  string
	Byline string
	Text   string
}

// Speech returns the title as its own sentence followed by the body. The title
// is dropped when the body already opens with it.
func (p *Page) Speech() string {
	if p.Title == "" || strings.HasPrefix(p.Text, p.Title) {
		return p.Text
	}
	return p.Title + ".\n\n" + p.Text
}
