package models

import (
	"strings"
	"time"
)

// Decision is the outcome of a classification.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionBlock Decision = "BLOCK"
	// DecisionSession marks a short-form session summary in the activity log.
	DecisionSession Decision = "SESSION"
)

// ParseDecision maps classifier output onto a Decision. Anything that is
// not an explicit block is an allow.
func ParseDecision(s string) Decision {
	if strings.EqualFold(strings.TrimSpace(s), string(DecisionBlock)) {
		return DecisionBlock
	}
	return DecisionAllow
}

// ClassifierResponse is the body returned by the remote check endpoint.
type ClassifierResponse struct {
	Decision     Decision `json:"decision"`
	Reason       string   `json:"reason,omitempty"`
	Title        string   `json:"title,omitempty"`
	ActivePrompt string   `json:"activePrompt,omitempty"`
	CacheVersion int64    `json:"cacheVersion,omitempty"`
}

// CacheEntry is a stored decision for one normalized key.
type CacheEntry struct {
	Decision     Decision  `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
	Title        string    `json:"title,omitempty"`
	ActivePrompt string    `json:"activePrompt,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	CacheVersion int64     `json:"cacheVersion"`
}

// ActivityLogEntry is one line of the local decision history.
type ActivityLogEntry struct {
	ID        string    `json:"id" yaml:"id"`
	URL       string    `json:"url" yaml:"url"`
	Domain    string    `json:"domain" yaml:"domain"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Decision  Decision  `json:"decision" yaml:"decision"`
	PageTitle string    `json:"pageTitle,omitempty" yaml:"page_title,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// SameEvent reports whether two entries describe the same (url, reason, decision).
func (e ActivityLogEntry) SameEvent(other ActivityLogEntry) bool {
	return e.URL == other.URL && e.Reason == other.Reason && e.Decision == other.Decision
}
