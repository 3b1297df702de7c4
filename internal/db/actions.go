// Package db holds the commands that inspect and edit the local store:
// activity log, decision cache, credential and pause flag.
package db

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/pagewarden/internal/common"
	"github.com/dtnitsch/pagewarden/pkg/auth"
	"github.com/dtnitsch/pagewarden/pkg/caching"
	"github.com/dtnitsch/pagewarden/pkg/pipeline"
)

func LogListAction(c *cli.Context) error {
	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.Log.List(c.Context, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list activity: %w", err)
	}

	if c.IsSet("format") {
		return common.Print(os.Stdout, c.String("format"), entries)
	}

	if len(entries) == 0 {
		fmt.Println("No activity recorded")
		return nil
	}

	fmt.Printf("%-20s %-8s %-25s %-s\n", "Time", "Decision", "Domain", "Reason")
	fmt.Println(strings.Repeat("-", 100))
	for _, e := range entries {
		fmt.Printf("%-20s %-8s %-25s %-s\n",
			common.FormatTime(e.Timestamp),
			e.Decision,
			truncate(e.Domain, 25),
			truncate(e.Reason, 45),
		)
	}
	fmt.Printf("\nTotal: %d entries\n", len(entries))
	return nil
}

func LogClearAction(c *cli.Context) error {
	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Log.Clear(c.Context); err != nil {
		return err
	}
	fmt.Println("Activity log cleared")
	return nil
}

func CacheStatsAction(c *cli.Context) error {
	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	stats, err := rt.Cache.Stats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to read cache stats: %w", err)
	}
	return common.Print(os.Stdout, c.String("format"), stats)
}

func CacheClearAction(c *cli.Context) error {
	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	removed, err := rt.Cache.Clear(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d cached decisions\n", removed)
	return nil
}

func CacheBumpAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: pagewarden cache bump <version>", 1)
	}
	version, err := caching.ParseVersion(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	advanced, err := rt.Cache.AdvanceVersion(c.Context, version)
	if err != nil {
		return err
	}
	if !advanced {
		fmt.Printf("Cache version is already %d or newer\n", rt.Cache.Version(c.Context))
		return nil
	}
	fmt.Printf("Cache version advanced to %d\n", version)
	return nil
}

func AuthSetAction(c *cli.Context) error {
	token := c.Args().First()
	if token == "" {
		token = os.Getenv("PAGEWARDEN_TOKEN")
	}
	if token == "" {
		return cli.Exit("usage: pagewarden auth set <token> (or set PAGEWARDEN_TOKEN)", 1)
	}

	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Credential.Set(c.Context, token); err != nil {
		return err
	}
	if exp, ok := auth.ExpiresAt(token); ok {
		fmt.Printf("Credential stored (expires %s)\n", common.FormatTime(exp))
		return nil
	}
	fmt.Println("Credential stored")
	return nil
}

func AuthClearAction(c *cli.Context) error {
	rt, err := common.Open(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Credential.Clear(c.Context); err != nil {
		return err
	}
	fmt.Println("Credential cleared")
	return nil
}

// PauseAction returns the action for pause (true) or resume (false).
func PauseAction(paused bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		rt, err := common.Open(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := pipeline.SetPaused(c.Context, rt.Store, paused); err != nil {
			return err
		}
		if paused {
			fmt.Println("Blocking paused")
		} else {
			fmt.Println("Blocking resumed")
		}
		return nil
	}
}
