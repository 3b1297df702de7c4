// Package serve runs the long-lived decision service.
package serve

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dtnitsch/pagewarden/internal/common"
	"github.com/dtnitsch/pagewarden/internal/server"
	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/pipeline"
)

// ServeAction starts the HTTP API, the janitor and the config watcher and
// runs until SIGINT or SIGTERM.
func ServeAction(c *cli.Context) error {
	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.Logger

	outbox := server.NewOutbox(c.Int("outbox-size"))
	p, err := rt.Pipeline(rt.Classifier(), outbox, outbox)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Error("Failed to close pipeline", "error", err)
		}
	}()

	srv := server.New(server.Deps{
		Pipeline:   p,
		Cache:      rt.Cache,
		Log:        rt.Log,
		Credential: rt.Credential,
		Store:      rt.Store,
		Coord:      rt.Coord,
		Outbox:     outbox,
		Logger:     logger.With("component", "http"),
	}, rt.Config.DashboardOrigins)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting pagewarden", "listen", rt.Config.Listen, "endpoint", rt.Config.Endpoint, "db", rt.DB.Path())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, rt.Config.Listen)
	})
	g.Go(func() error {
		return p.Run(ctx)
	})
	if path := c.String("config"); path != "" && !c.Bool("no-reload") {
		g.Go(func() error {
			return WatchConfig(ctx, path, logger, func(cfg *models.Config) {
				p.SetFilters(pipeline.FiltersFromConfig(cfg))
			})
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Stopped")
	return nil
}
