// Package common wires the engine's components for the CLI commands.
package common

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/activity"
	"github.com/dtnitsch/pagewarden/pkg/auth"
	"github.com/dtnitsch/pagewarden/pkg/caching"
	"github.com/dtnitsch/pagewarden/pkg/classifier"
	"github.com/dtnitsch/pagewarden/pkg/coord"
	"github.com/dtnitsch/pagewarden/pkg/db"
	"github.com/dtnitsch/pagewarden/pkg/normalize"
	"github.com/dtnitsch/pagewarden/pkg/pipeline"
	"github.com/dtnitsch/pagewarden/pkg/session"
	"github.com/dtnitsch/pagewarden/pkg/storage"
)

// NewLogger builds the JSON stderr logger; --quiet keeps errors only and
// --verbose adds debug output.
func NewLogger(c *cli.Context) *slog.Logger {
	logLevel := slog.LevelInfo
	if c.Bool("verbose") {
		logLevel = slog.LevelDebug
	}
	if c.Bool("quiet") {
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// LoadConfig reads --config and applies flag overrides.
func LoadConfig(c *cli.Context) (*models.Config, error) {
	cfg, err := models.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("db") {
		cfg.DBPath = c.String("db")
	}
	if c.IsSet("endpoint") {
		cfg.Endpoint = c.String("endpoint")
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Runtime holds the components shared by every command.
type Runtime struct {
	Config     *models.Config
	Logger     *slog.Logger
	DB         *db.DB
	Store      storage.Store
	Normalizer *normalize.Normalizer
	Cache      *caching.Cache
	Coord      *coord.Context
	Log        *activity.Log
	Credential *auth.Credential
	Sessions   *session.Tracker
}

// Open loads the configuration, opens the database and builds the
// components on top of it.
func Open(c *cli.Context) (*Runtime, error) {
	logger := NewLogger(c)

	cfg, err := LoadConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := storage.NewLimited(db.NewKVStore(database), cfg.StorageQuotaBytes)
	norm := normalize.New(cfg.ContentParams)
	log := activity.New(store, cfg.Log, logger.With("component", "activity"))

	sessions, err := session.NewTracker(store, cfg.ShortForm, log, logger.With("component", "session"))
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	return &Runtime{
		Config:     cfg,
		Logger:     logger,
		DB:         database,
		Store:      store,
		Normalizer: norm,
		Cache:      caching.NewCache(store, norm, cfg.CacheCapacity, logger.With("component", "cache")),
		Coord:      coord.New(cfg.Cooldown),
		Log:        log,
		Credential: auth.New(store),
		Sessions:   sessions,
	}, nil
}

// Close releases the database.
func (r *Runtime) Close() error {
	return r.DB.Close()
}

// Classifier returns an HTTP client for the configured endpoint.
func (r *Runtime) Classifier() *classifier.Client {
	return classifier.New(classifier.Options{
		Endpoint:  r.Config.Endpoint,
		Timeout:   r.Config.RequestTimeout,
		Retries:   r.Config.RetryCount,
		BaseDelay: r.Config.RetryBaseDelay,
	}, r.Credential, r.Logger.With("component", "classifier"))
}

// Pipeline wires a decision pipeline with the given side-effect sinks.
func (r *Runtime) Pipeline(cls pipeline.Classifier, redirector pipeline.Redirector, billing pipeline.BillingOpener) (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Deps{
		Store:      r.Store,
		Normalizer: r.Normalizer,
		Cache:      r.Cache,
		Coord:      r.Coord,
		Classifier: cls,
		Credential: r.Credential,
		Log:        r.Log,
		Sessions:   r.Sessions,
		Redirector: redirector,
		Billing:    billing,
		Logger:     r.Logger.With("component", "pipeline"),
	}, pipeline.OptionsFromConfig(r.Config), pipeline.FiltersFromConfig(r.Config))
}

// FormatTime renders timestamps in CLI tables.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
