// Command paycore runs the payment authorization and settlement core.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kenhuangus/agent-payment-platform/pkg/config"
	"github.com/kenhuangus/agent-payment-platform/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errVerifyFailed maps to exit code 1; every other error exits 2.
var errVerifyFailed = errors.New("ledger verification failed")

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = ledger verification or audit failed
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}
	if err := root.Execute(); err != nil {
		if errors.Is(err, errVerifyFailed) {
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

type rootOptions struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "paycore",
		Short:         "Payment authorization and settlement core",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (env PAYCORE_* overrides)")

	root.AddCommand(
		newServeCmd(opts),
		newVerifyCmd(opts),
		newBalancesCmd(opts),
		newArchiveCmd(opts),
		newAuditCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// load reads configuration and installs the process logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(o.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(opts.stdout, "paycore %s\n", version)
			return err
		},
	}
}
