// Package normalize turns page URLs into stable cache keys.
package normalize

import (
	"net/url"
	"strings"

	"github.com/dtnitsch/pagewarden/models"
)

// Normalizer derives a canonical key from a URL: host (lowercased, www.
// stripped) plus path without trailing slashes. Query strings are dropped
// except for the single identifying parameter kept by a content rule.
type Normalizer struct {
	rules []models.ContentParamRule
}

// New creates a Normalizer for the given content parameter rules.
func New(rules []models.ContentParamRule) *Normalizer {
	cleaned := make([]models.ContentParamRule, 0, len(rules))
	for _, r := range rules {
		cleaned = append(cleaned, models.ContentParamRule{
			Host:  stripWWW(strings.ToLower(r.Host)),
			Path:  strings.TrimRight(r.Path, "/"),
			Param: r.Param,
		})
	}
	return &Normalizer{rules: cleaned}
}

// Normalize returns the cache key for rawURL. Input that does not parse as
// an http(s) URL with a host is returned unchanged.
func (n *Normalizer) Normalize(rawURL string) string {
	u, ok := Parse(rawURL)
	if !ok {
		return rawURL
	}

	host := Host(u)
	path := strings.TrimRight(u.EscapedPath(), "/")
	key := host + path

	if param, ok := n.contentParam(host, path); ok {
		if v := u.Query().Get(param); v != "" {
			key += "?" + url.Values{param: []string{v}}.Encode()
		}
	}
	return key
}

func (n *Normalizer) contentParam(host, path string) (string, bool) {
	for _, r := range n.rules {
		if r.Host != "" && !MatchDomain(host, r.Host) {
			continue
		}
		if path == r.Path {
			return r.Param, true
		}
	}
	return "", false
}

// Parse parses rawURL, assuming https when no scheme is present. It
// reports false for anything that is not an http(s) URL with a host.
func Parse(rawURL string) (*url.URL, bool) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return nil, false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if u.Host == "" {
		return nil, false
	}
	return u, true
}

// IsWeb reports whether rawURL carries an explicit http or https scheme.
// Browser-internal pages (chrome://, about:, extension pages) do not.
func IsWeb(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Host returns the lowercased host of u with a leading "www." removed.
func Host(u *url.URL) string {
	return stripWWW(strings.ToLower(u.Host))
}

// Domain returns the www-stripped host of rawURL, or "" when it does not parse.
func Domain(rawURL string) string {
	u, ok := Parse(rawURL)
	if !ok {
		return ""
	}
	return stripWWW(strings.ToLower(u.Hostname()))
}

// MatchDomain reports whether host is domain or one of its subdomains.
func MatchDomain(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}
