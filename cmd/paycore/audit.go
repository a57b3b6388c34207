package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		from, to string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Report postings, trial balance and chain integrity for a period",
		Long: "Summarize ledger postings committed in [from, to), then fold in the whole-ledger trial balance and chain verification. " +
			"Bounds are RFC 3339 timestamps or YYYY-MM-DD dates. Workflow counts only cover a running server; use GET /v1/audit there. " +
			"Exits 1 when the report lists integrity issues.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseBound(from, "from")
			if err != nil {
				return err
			}
			end, err := parseBound(to, "to")
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				rep, err := a.orchestrator.Audit(ctx, a.ledger, start, end)
				if err != nil {
					return err
				}
				if asJSON {
					if err := writeJSON(opts.stdout, rep); err != nil {
						return err
					}
				} else {
					out := opts.stdout
					p := rep.Postings
					_, _ = fmt.Fprintf(out, "postings: %d entries across %d transactions\n", p.Entries, p.Transactions)
					for _, step := range slices.Sorted(maps.Keys(p.ByStep)) {
						_, _ = fmt.Fprintf(out, "  %-14s %d\n", step, p.ByStep[step])
					}
					for _, ccy := range slices.Sorted(maps.Keys(p.Reconciled)) {
						_, _ = fmt.Fprintf(out, "reconciled %s: %s\n", ccy, p.Reconciled[ccy])
					}
					_, _ = fmt.Fprintf(out, "compensated: %d\n", p.Compensated)
					if rep.Chain.OK {
						_, _ = fmt.Fprintf(out, "chain: OK  %d entries verified\n", rep.Chain.Checked)
					} else {
						_, _ = fmt.Fprintf(out, "chain: BROKEN  at sequence %d\n", rep.Chain.BrokenAt)
					}
					if len(rep.Issues) == 0 {
						_, _ = fmt.Fprintln(out, "issues: none")
					}
					for _, issue := range rep.Issues {
						_, _ = fmt.Fprintf(out, "issue: %s\n", issue)
					}
				}
				if !rep.OK {
					return errVerifyFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start of the period, inclusive")
	cmd.Flags().StringVar(&to, "to", "", "end of the period, exclusive")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func parseBound(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s %q is not an RFC 3339 time or a date", name, v)
	}
	return t, nil
}

// withApp loads config, wires the full engine, and runs fn.
func (o *rootOptions) withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()
	return fn(ctx, a)
}
