package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"headless/internal/amount"
	"headless/internal/client"
	"headless/internal/daemonctl"
	"headless/internal/preflight"
)

const localStopGrace = 5 * time.Second

func newLocalCommand(ctx *commandContext) *cobra.Command {
	localCmd := &cobra.Command{
		Use:   "local",
		Short: "Run a signer owned by this terminal",
	}
	localCmd.AddCommand(newLocalStartCommand(ctx))
	localCmd.AddCommand(newLocalStopCommand(ctx))
	return localCmd
}

func newLocalStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Launch a headless signer and stay connected until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			if check := preflight.CheckBinary("Signer binary", cfg.Terminal.SignerBinary); !check.Passed {
				return fmt.Errorf("local signer: %s (set terminal.signer_binary)", check.Detail)
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			tr, err := newTransport(cfg)
			if err != nil {
				return err
			}
			opts, err := clientOptions(cfg, cfg.TerminalAddress())
			if err != nil {
				return err
			}
			opts.ReconnectDelay = time.Duration(cfg.Terminal.ReconnectSeconds) * time.Second

			autoSign, _, err := cfg.SpendLimits()
			if err != nil {
				return err
			}
			if autoSign == amount.Unlimited {
				autoSign = 0
			}
			local := client.LocalOptions{
				Launch: daemonctl.LaunchOptions{
					Binary:        cfg.Terminal.SignerBinary,
					Network:       opts.Network,
					Listen:        cfg.Terminal.Host,
					Port:          cfg.Terminal.Port,
					WalletsDir:    cfg.Paths.WalletsDir,
					ConfigPath:    ctx.configPath,
					AutoSignLimit: autoSign,
					Stderr:        cmd.ErrOrStderr(),
				},
				PIDPath:   cfg.PIDPath(),
				KeyPath:   cfg.PublicKeyPath(),
				KeyWait:   time.Duration(cfg.Terminal.KeyWaitMillis) * time.Millisecond,
				StopGrace: localStopGrace,
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ls := client.NewLocalSigner(tr, opts, local, logger)
			events := &localObserver{sessionObserver: newSessionObserver(cmd.ErrOrStderr())}
			ls.AddObserver(events)
			defer ls.Close()
			ls.Start(signalCtx)

			wait := local.KeyWait + ctx.timeout()
			if err := events.waitReady(signalCtx, wait); err != nil {
				return fmt.Errorf("local signer: %w", err)
			}
			out := cmd.OutOrStdout()
			info := ls.SignerInfo()
			fmt.Fprintf(out, "Local signer ready on %s (%s)\n", opts.Address, info.NetType)
			if info.SignerKey != "" {
				fmt.Fprintf(out, "Signer key: %s\n", info.SignerKey)
			}
			fmt.Fprintln(out, "Press Ctrl+C to stop")

			<-signalCtx.Done()
			fmt.Fprintln(out, "Stopping local signer")
			return nil
		},
	}
}

func newLocalStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a signer left running by a previous local start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			pid, err := daemonctl.KillPrevious(cfg.PIDPath(), localStopGrace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if pid == 0 {
				fmt.Fprintln(out, "No local signer running")
				return nil
			}
			fmt.Fprintf(out, "Stopped signer pid %d\n", pid)
			return nil
		},
	}
}

// localObserver also reports connection loss; a local session lives long
// enough to see the signer restart.
type localObserver struct {
	*sessionObserver
}

func (o *localObserver) Disconnected(err error) {
	if err != nil {
		o.printf("signer connection lost: %v\n", err)
	}
}

func (o *localObserver) WalletsListUpdated() {
	o.printf("signer wallet list changed\n")
}

var _ client.Observer = (*localObserver)(nil)
