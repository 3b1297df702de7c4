package models

import (
	"strings"
	"time"
)

// PageObservation is a snapshot of a page delivered by the content script
// after a navigation settles.
type PageObservation struct {
	URL         string    `json:"url" yaml:"url"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords    string    `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	BodySnippet string    `json:"bodySnippet,omitempty" yaml:"body_snippet,omitempty"`
	ObservedAt  time.Time `json:"observedAt" yaml:"observed_at"`
}

// maxSnippetRunes caps the body text forwarded to the classifier.
const maxSnippetRunes = 2000

// Clean trims every text field and caps the body snippet.
func (o PageObservation) Clean() PageObservation {
	o.URL = strings.TrimSpace(o.URL)
	o.Title = normalizeText(o.Title)
	o.Description = normalizeText(o.Description)
	o.Keywords = normalizeText(o.Keywords)
	o.BodySnippet = normalizeText(o.BodySnippet)
	if r := []rune(o.BodySnippet); len(r) > maxSnippetRunes {
		o.BodySnippet = string(r[:maxSnippetRunes])
	}
	return o
}

// normalizeText collapses runs of whitespace into single spaces.
func normalizeText(input string) string {
	return strings.Join(strings.Fields(input), " ")
}
