package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kenhuangus/agent-payment-platform/pkg/archive"
)

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var (
		from, to uint64
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the ledger hash chain",
		Long:  "Recompute every entry hash in [from, to] and check each link. 0 means the first entry or the head. Exits 1 when the chain is broken.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withLedger(cmd.Context(), func(ctx context.Context, a *app) error {
				v, err := a.ledger.VerifyChain(ctx, from, to)
				if err != nil {
					return err
				}
				if asJSON {
					if err := writeJSON(opts.stdout, v); err != nil {
						return err
					}
				} else if v.OK {
					_, _ = fmt.Fprintf(opts.stdout, "OK  %d entries verified [%d, %d]\n", v.Checked, v.From, v.To)
				} else {
					_, _ = fmt.Fprintf(opts.stdout, "BROKEN  at sequence %d: %s\n", v.BrokenAt, v.Reason)
				}
				if !v.OK {
					return errVerifyFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first sequence to check (0 = first entry)")
	cmd.Flags().Uint64Var(&to, "to", 0, "last sequence to check (0 = head)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the verification as JSON")
	return cmd
}

func newBalancesCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Print the trial balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withLedger(cmd.Context(), func(ctx context.Context, a *app) error {
				tb, err := a.ledger.TrialBalance(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(opts.stdout, tb)
				}
				tw := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ACCOUNT\tCURRENCY\tDEBITS\tCREDITS\tNET")
				for _, b := range tb.Accounts {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Account, b.Currency, b.Debits, b.Credits, b.Net)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				for _, ccy := range slices.Sorted(maps.Keys(tb.Balanced)) {
					status := "balanced"
					if !tb.Balanced[ccy] {
						status = "UNBALANCED"
					}
					_, _ = fmt.Fprintf(opts.stdout, "%s: %s\n", ccy, status)
				}
				_, _ = fmt.Fprintf(opts.stdout, "%d entries\n", tb.Entries)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the trial balance as JSON")
	return cmd
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Write a verified ledger segment to the archive store",
		Long:  "Verify [from, to] and store it as a content-addressed segment on the configured backend (file, s3 or gcs). Prints the manifest.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withLedger(cmd.Context(), func(ctx context.Context, a *app) error {
				store, err := archive.Open(ctx, a.cfg.Archive)
				if err != nil {
					return err
				}
				if c, ok := store.(io.Closer); ok {
					defer func() { _ = c.Close() }()
				}
				m, err := archive.NewArchiver(a.ledger, store).WithLogger(a.logger).ArchiveRange(ctx, from, to)
				if err != nil {
					return err
				}
				return writeJSON(opts.stdout, m)
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first sequence (0 = first entry)")
	cmd.Flags().Uint64Var(&to, "to", 0, "last sequence (0 = head)")
	return cmd
}

// withLedger loads config, opens ledger storage, and runs fn.
func (o *rootOptions) withLedger(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	a, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
