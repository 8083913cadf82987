package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/toolink/throttle/audit"
)

// ValidateCmd checks the configuration and prints the rule table.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	rules, err := cfg.Rules()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENDPOINT\tSCOPE\tMAX\tRATE/S\tCOST\tENABLED")
	for _, r := range rules.Rules() {
		endpoint := r.Endpoint
		if r.IsRegex {
			endpoint = "~" + endpoint
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%g\t%d\t%t\n", r.Name, endpoint, r.Scope, r.MaxTokens, r.RefillRate, r.Cost, r.Enabled)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("%s: ok, %d rules\n", cli.Config, rules.Len())
	return nil
}

// ReportCmd prints violation counts per identifier and endpoint.
type ReportCmd struct {
	Since time.Duration `help:"How far back to look." default:"24h"`
	Limit int           `help:"Maximum number of rows, 0 for all." default:"20"`
}

func (c *ReportCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if cfg.Database == nil {
		return fmt.Errorf("report needs a database section in %s", cli.Config)
	}

	ctx := context.Background()
	db, err := cfg.Database.Open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := audit.NewSQLBackend(ctx, db, cfg.Database.Dialect())
	if err != nil {
		return err
	}
	summaries, err := store.Summarize(ctx, time.Now().Add(-c.Since))
	if err != nil {
		return err
	}
	if c.Limit > 0 && len(summaries) > c.Limit {
		summaries = summaries[:c.Limit]
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tENDPOINT\tRECORDS\tVIOLATIONS")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", s.Identifier, s.EndpointKey, s.Records, s.Violations)
	}
	return tw.Flush()
}
