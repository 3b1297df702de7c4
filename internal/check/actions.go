// Package check runs one observation through the pipeline from the
// command line.
package check

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/pagewarden/internal/common"
	"github.com/dtnitsch/pagewarden/internal/server"
	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/extractor"
	"github.com/dtnitsch/pagewarden/pkg/fetcher"
	"github.com/dtnitsch/pagewarden/pkg/pipeline"
)

// Output is what check prints.
type Output struct {
	Observation models.PageObservation `json:"observation" yaml:"observation"`
	Result      pipeline.Result        `json:"result" yaml:"result"`
	Actions     []server.Action        `json:"actions" yaml:"actions"`
}

// CheckAction classifies a single URL. With --fetch the page is downloaded
// and its title, meta tags and main text are extracted; otherwise the
// observation is built from flags.
func CheckAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: pagewarden check [flags] <url>", 1)
	}
	rawURL := c.Args().First()

	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	obs := models.PageObservation{
		URL:         rawURL,
		Title:       c.String("title"),
		Description: c.String("description"),
		Keywords:    c.String("keywords"),
		ObservedAt:  time.Now(),
	}

	if c.Bool("fetch") {
		f := fetcher.NewFetcher(rt.Config.RequestTimeout)
		html, finalURL, err := f.GetHTMLBytes(c.Context, rawURL)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", rawURL, err)
		}
		rt.Logger.Debug("Fetched page", "url", rawURL, "final_url", finalURL, "bytes", len(html))

		extracted, err := extractor.FromHTML(finalURL, html, obs.ObservedAt)
		if err != nil {
			return fmt.Errorf("failed to extract page: %w", err)
		}
		// Flags win over what the page says.
		extracted.Title = firstNonEmpty(obs.Title, extracted.Title)
		extracted.Description = firstNonEmpty(obs.Description, extracted.Description)
		extracted.Keywords = firstNonEmpty(obs.Keywords, extracted.Keywords)
		obs = extracted
	}

	if obs.Title == "" {
		return cli.Exit("a page title is required: pass --title or --fetch", 1)
	}

	outbox := server.NewOutbox(0)
	p, err := rt.Pipeline(rt.Classifier(), outbox, outbox)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	res, err := p.Process(c.Context, c.Int("tab"), obs)
	if closeErr := p.Close(); closeErr != nil {
		rt.Logger.Warn("Failed to close pipeline", "error", closeErr)
	}
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", rawURL, err)
	}

	return common.Print(os.Stdout, c.String("format"), Output{
		Observation: obs.Clean(),
		Result:      res,
		Actions:     outbox.Drain(),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
