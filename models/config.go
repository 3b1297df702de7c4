// Package models defines the data structures shared by the decision engine,
// its storage layer and the command line.
package models

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ContentParamRule keeps one identifying query parameter for matching URLs.
// An empty Host matches every host.
type ContentParamRule struct {
	Host  string `yaml:"host,omitempty"`
	Path  string `yaml:"path"`
	Param string `yaml:"param"`
}

// NonContentRule lists navigation paths of a host that carry no content
// worth classifying (home feeds, search pages). A prefix ending in "/"
// matches the whole subtree; other prefixes match exactly.
type NonContentRule struct {
	Host  string   `yaml:"host"`
	Paths []string `yaml:"paths"`
}

// ShortFormRule recognizes short-form video URLs. Pattern is a regular
// expression applied to host+path whose first capture group is the resource id.
type ShortFormRule struct {
	Platform string `yaml:"platform"`
	Pattern  string `yaml:"pattern"`
}

// LogConfig controls activity log retention.
type LogConfig struct {
	AutoDeleteEnabled bool          `yaml:"auto_delete_enabled"`
	RetentionDays     int           `yaml:"retention_days"`
	LogAllowDecisions bool          `yaml:"log_allow_decisions"`
	MaxEntries        int           `yaml:"max_entries"`
	DedupWindow       time.Duration `yaml:"dedup_window"`
}

// Config is the runtime configuration, loaded from YAML and overridden by
// CLI flags.
type Config struct {
	Endpoint         string        `yaml:"endpoint"`
	DashboardOrigins []string      `yaml:"dashboard_origins"`
	SafeList         []string      `yaml:"safe_list"`
	CacheCapacity    int           `yaml:"cache_capacity"`
	Cooldown         time.Duration `yaml:"cooldown"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	RetryCount       int           `yaml:"retry_count"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	Log              LogConfig     `yaml:"log"`

	InterstitialURL       string        `yaml:"interstitial_url"`
	BillingURL            string        `yaml:"billing_url"`
	BillingPromptInterval time.Duration `yaml:"billing_prompt_interval"`

	ContentParams   []ContentParamRule `yaml:"content_params"`
	NonContentPages []NonContentRule   `yaml:"non_content_pages"`
	ShortForm       []ShortFormRule    `yaml:"short_form"`

	SessionFlushInterval time.Duration `yaml:"session_flush_interval"`
	JanitorInterval      time.Duration `yaml:"janitor_interval"`
	StorageQuotaBytes    int64         `yaml:"storage_quota_bytes"`

	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:       "https://api.pagewarden.app",
		CacheCapacity:  1000,
		Cooldown:       3 * time.Second,
		RequestTimeout: 10 * time.Second,
		RetryCount:     2,
		RetryBaseDelay: 500 * time.Millisecond,
		Log: LogConfig{
			AutoDeleteEnabled: true,
			RetentionDays:     30,
			LogAllowDecisions: false,
			MaxEntries:        500,
			DedupWindow:       30 * time.Second,
		},
		InterstitialURL:       "chrome-extension://pagewarden/blocked.html",
		BillingURL:            "https://pagewarden.app/billing",
		BillingPromptInterval: time.Hour,
		ContentParams: []ContentParamRule{
			{Path: "/watch", Param: "v"},
			{Host: "news.ycombinator.com", Path: "/item", Param: "id"},
		},
		NonContentPages: []NonContentRule{
			{Host: "youtube.com", Paths: []string{"/", "/feed/", "/results", "/shorts"}},
			{Host: "x.com", Paths: []string{"/", "/home", "/explore", "/notifications"}},
			{Host: "reddit.com", Paths: []string{"/", "/r/popular", "/r/all"}},
			{Host: "instagram.com", Paths: []string{"/", "/explore/", "/reels"}},
			{Host: "tiktok.com", Paths: []string{"/", "/foryou", "/following"}},
			{Host: "facebook.com", Paths: []string{"/"}},
		},
		ShortForm: []ShortFormRule{
			{Platform: "youtube", Pattern: `^(?:m\.)?youtube\.com/shorts/([A-Za-z0-9_-]+)`},
			{Platform: "tiktok", Pattern: `^tiktok\.com/@[^/]+/video/([0-9]+)`},
			{Platform: "instagram", Pattern: `^instagram\.com/reels?/([A-Za-z0-9_-]+)`},
			{Platform: "facebook", Pattern: `^facebook\.com/reel/([0-9]+)`},
		},
		SessionFlushInterval: 5 * time.Second,
		JanitorInterval:      time.Minute,
		StorageQuotaBytes:    10 * 1024 * 1024,
		Listen:               "127.0.0.1:7411",
		DBPath:               "pagewarden.db",
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid endpoint %q", c.Endpoint)
		}
	}
	for _, origin := range c.DashboardOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("invalid dashboard origin %q: must start with http:// or https://", origin)
		}
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be positive, got %d", c.CacheCapacity)
	}
	if c.Cooldown < 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("cooldown must be >= 0 and request_timeout > 0")
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("retry_count must be >= 0, got %d", c.RetryCount)
	}
	for _, rule := range c.ContentParams {
		if rule.Path == "" || rule.Param == "" {
			return fmt.Errorf("content_params rule needs path and param: %+v", rule)
		}
	}
	return nil
}
