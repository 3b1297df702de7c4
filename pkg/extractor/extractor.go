// Package extractor turns a fetched HTML document into a PageObservation,
// the same shape the browser content script reports.
package extractor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/dtnitsch/pagewarden/models"
)

// FromHTML builds an observation from raw HTML. Head metadata comes from
// goquery; the body snippet comes from readability's main-content text,
// falling back to the visible body text when readability finds nothing.
func FromHTML(rawURL string, html []byte, observedAt time.Time) (models.PageObservation, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return models.PageObservation{}, fmt.Errorf("failed to parse URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return models.PageObservation{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	obs := models.PageObservation{
		URL:         rawURL,
		Title:       firstNonEmpty(doc.Find("head title").First().Text(), meta(doc, "og:title")),
		Description: firstNonEmpty(meta(doc, "description"), meta(doc, "og:description")),
		Keywords:    meta(doc, "keywords"),
		ObservedAt:  observedAt,
	}

	// Readability fails on documents without a recognizable article; that
	// only costs the snippet, not the observation.
	article, err := readability.NewParser().Parse(bytes.NewReader(html), parsedURL)
	if err == nil {
		obs.BodySnippet = article.TextContent
		if obs.Title == "" {
			obs.Title = article.Title
		}
		if obs.Description == "" {
			obs.Description = article.Excerpt
		}
	}
	if strings.TrimSpace(obs.BodySnippet) == "" {
		body := doc.Find("body").Clone()
		body.Find("script,style,noscript,template").Remove()
		obs.BodySnippet = body.Text()
	}

	return obs.Clean(), nil
}

// meta returns the content of <meta name=...> or <meta property=...>.
func meta(doc *goquery.Document, name string) string {
	var content string
	doc.Find("meta").EachWithBreak(func(i int, s *goquery.Selection) bool {
		key, ok := s.Attr("name")
		if !ok {
			key, _ = s.Attr("property")
		}
		if strings.EqualFold(strings.TrimSpace(key), name) {
			content, _ = s.Attr("content")
			return false
		}
		return true
	})
	return strings.TrimSpace(content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
