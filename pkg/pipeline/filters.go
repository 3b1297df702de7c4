package pipeline

import (
	"strings"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/normalize"
)

// Filters are the hot-reloadable lists that keep pages away from the
// classifier.
type Filters struct {
	// SafeList domains (and their subdomains) are never classified,
	// cached or logged.
	SafeList []string
	// NonContent pages are navigation surfaces such as feeds and search.
	NonContent []models.NonContentRule
}

// FiltersFromConfig extracts the filter lists from cfg.
func FiltersFromConfig(cfg *models.Config) Filters {
	return Filters{
		SafeList:   append([]string(nil), cfg.SafeList...),
		NonContent: append([]models.NonContentRule(nil), cfg.NonContentPages...),
	}
}

func (f *Filters) safeListed(host string) bool {
	for _, d := range f.SafeList {
		if normalize.MatchDomain(host, d) {
			return true
		}
	}
	return false
}

// nonContent matches host and path against the rules. "/" matches only
// the root; a prefix ending in "/" matches its subtree; anything else must
// match exactly, ignoring a trailing slash.
func (f *Filters) nonContent(host, path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, rule := range f.NonContent {
		if !normalize.MatchDomain(host, rule.Host) {
			continue
		}
		for _, p := range rule.Paths {
			switch {
			case p == "/":
				if path == "" {
					return true
				}
			case strings.HasSuffix(p, "/"):
				if path == strings.TrimSuffix(p, "/") || strings.HasPrefix(path, p) {
					return true
				}
			default:
				if path == strings.TrimSuffix(p, "/") {
					return true
				}
			}
		}
	}
	return false
}
