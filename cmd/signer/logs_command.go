package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"headless/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var walletID, event string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the current signer log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, "signer.log")

			runCtx := cmd.Context()
			if follow {
				var stop func()
				runCtx, stop = signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
				defer stop()
			}
			out := cmd.OutOrStdout()
			opts := logs.TailOptions{
				Lines:  lines,
				Follow: follow,
				Filter: logs.Filter{WalletID: strings.TrimSpace(walletID), EventType: strings.TrimSpace(event)},
			}
			if err := logs.Tail(runCtx, path, opts, func(line string) { fmt.Fprintln(out, line) }); err != nil {
				return fmt.Errorf("%w (has the signer run with log_dir %s?)", err, cfg.Paths.LogDir)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until interrupted")
	cmd.Flags().StringVar(&walletID, "wallet", "", "Only lines about this wallet")
	cmd.Flags().StringVar(&event, "event", "", "Only lines with this event_type")
	return cmd
}
