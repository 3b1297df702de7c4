package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/pagewarden/internal/check"
	"github.com/dtnitsch/pagewarden/internal/db"
	"github.com/dtnitsch/pagewarden/internal/serve"
)

func main() {
	app := &cli.App{
		Name:  "pagewarden",
		Usage: "Decide whether a browsed page is allowed, and keep the activity log",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "pagewarden.yaml",
				Usage:   "YAML configuration file (missing file uses defaults)",
				EnvVars: []string{"PAGEWARDEN_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "SQLite database path (overrides db_path)",
				EnvVars: []string{"PAGEWARDEN_DB"},
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Only log errors",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log debug messages",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the decision engine behind the local HTTP API",
				Action: serve.ServeAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Listen address (overrides listen)",
					},
					&cli.StringFlag{
						Name:  "endpoint",
						Usage: "Classifier base URL (overrides endpoint)",
					},
					&cli.BoolFlag{
						Name:  "no-reload",
						Usage: "Do not watch the config file for changes",
					},
					&cli.IntFlag{
						Name:  "outbox-size",
						Value: 256,
						Usage: "Pending browser actions kept before the oldest is dropped",
					},
				},
			},
			{
				Name:      "check",
				Usage:     "Run one observation through the pipeline",
				ArgsUsage: "<url>",
				Action:    check.CheckAction,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "Page title"},
					&cli.StringFlag{Name: "description", Usage: "Meta description"},
					&cli.StringFlag{Name: "keywords", Usage: "Meta keywords"},
					&cli.BoolFlag{
						Name:  "fetch",
						Usage: "Fetch the page and extract its metadata (flags still override)",
					},
					&cli.IntFlag{Name: "tab", Value: 1, Usage: "Tab id to attribute the observation to"},
					&cli.StringFlag{Name: "format", Value: "yaml", Usage: "Output format: yaml or json"},
					&cli.StringFlag{Name: "endpoint", Usage: "Classifier base URL (overrides endpoint)"},
				},
			},
			{
				Name:  "log",
				Usage: "Inspect the activity log",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "Show the most recent entries",
						Action: db.LogListAction,
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum entries (0 for all)"},
							&cli.StringFlag{Name: "format", Usage: "Output format: yaml or json (default table)"},
						},
					},
					{
						Name:   "clear",
						Usage:  "Delete every entry",
						Action: db.LogClearAction,
					},
				},
			},
			{
				Name:  "cache",
				Usage: "Inspect the decision cache",
				Subcommands: []*cli.Command{
					{
						Name:   "stats",
						Usage:  "Show size, capacity and version",
						Action: db.CacheStatsAction,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "format", Value: "yaml", Usage: "Output format: yaml or json"},
						},
					},
					{
						Name:   "clear",
						Usage:  "Drop every cached decision",
						Action: db.CacheClearAction,
					},
					{
						Name:      "bump",
						Usage:     "Advance the cache version, invalidating older entries",
						ArgsUsage: "<version>",
						Action:    db.CacheBumpAction,
					},
				},
			},
			{
				Name:  "auth",
				Usage: "Manage the classifier credential",
				Subcommands: []*cli.Command{
					{
						Name:      "set",
						Usage:     "Store a bearer token (or read PAGEWARDEN_TOKEN)",
						ArgsUsage: "[token]",
						Action:    db.AuthSetAction,
					},
					{
						Name:   "clear",
						Usage:  "Remove the stored token",
						Action: db.AuthClearAction,
					},
				},
			},
			{
				Name:   "pause",
				Usage:  "Stop classifying pages until resumed",
				Action: db.PauseAction(true),
			},
			{
				Name:   "resume",
				Usage:  "Resume classifying pages",
				Action: db.PauseAction(false),
			},
		},
	}

	// cli.Exit errors are printed and exit inside Run.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}
