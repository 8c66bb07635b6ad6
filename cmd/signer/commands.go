package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"headless/internal/amount"
	"headless/internal/daemonctl"
	"headless/internal/ipc"
	"headless/internal/textutil"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show signer status, spend budgets and activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(cmd, func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}
				if asJSON {
					return textutil.WriteJSON(cmd.OutOrStdout(), status)
				}
				renderStatus(cmd.OutOrStdout(), status, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func renderStatus(out io.Writer, status *ipc.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Signer", colorize) {
		fmt.Fprintln(out, line)
	}
	running := renderStatusLine("Listener", statusWarn, "stopped", colorize)
	if status.Running {
		running = renderStatusLine("Listener", statusOK, fmt.Sprintf("%s on %s", status.Transport, status.Address), colorize)
	}
	fmt.Fprintln(out, running)
	fmt.Fprintln(out, renderStatusLine("Process", statusInfo, "pid "+strconv.Itoa(status.PID), colorize))
	fmt.Fprintln(out, renderStatusLine("Network", statusInfo, status.Network, colorize))
	mode := renderStatusLine("Mode", statusOK, "signing", colorize)
	if status.WatchingOnly {
		mode = renderStatusLine("Mode", statusWarn, "watching-only", colorize)
	}
	fmt.Fprintln(out, mode)
	fmt.Fprintln(out, renderStatusLine("Auth tickets", statusInfo, textutil.YesNo(status.TicketRequired), colorize))
	fmt.Fprintln(out, renderStatusLine("Clients", statusInfo, strconv.Itoa(len(status.Clients)), colorize))
	fmt.Fprintln(out, renderStatusLine("Wallets", statusInfo, strconv.Itoa(status.Wallets), colorize))
	prompts := renderStatusLine("Pending prompts", statusOK, "none", colorize)
	if status.Prompts > 0 {
		prompts = renderStatusLine("Pending prompts", statusWarn, strconv.Itoa(status.Prompts), colorize)
	}
	fmt.Fprintln(out, prompts)
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Spend Budgets", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprint(out, textutil.RenderTable(
		[]textutil.Column{{Title: "Budget"}, {Title: "Limit", Numeric: true}, {Title: "Remaining", Numeric: true}},
		[][]string{
			{"auto-sign", formatLimit(status.AutoSignLimit), formatLimit(status.AutoSignRemaining)},
			{"manual", formatLimit(status.ManualLimit), formatLimit(status.ManualRemaining)},
		},
	))
	active := "none"
	if len(status.ActiveWallets) > 0 {
		active = strings.Join(status.ActiveWallets, ", ")
	}
	fmt.Fprintln(out, renderStatusLine("Auto-sign wallets", statusInfo, active, colorize))
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Activity", colorize) {
		fmt.Fprintln(out, line)
	}
	act := status.Activity
	fmt.Fprintln(out, renderStatusLine("Signed", statusInfo, strconv.Itoa(act.Signed), colorize))
	fmt.Fprintln(out, renderStatusLine("Cancelled", statusInfo, strconv.Itoa(act.Cancelled), colorize))
	fmt.Fprintln(out, renderStatusLine("Spent manually", statusInfo, amount.FormatSatoshis(act.SpentManual), colorize))
	fmt.Fprintln(out, renderStatusLine("Spent auto-sign", statusInfo, amount.FormatSatoshis(act.SpentAutoSign), colorize))
	if act.LastEvent != "" {
		fmt.Fprintln(out, renderStatusLine("Last event", statusInfo,
			fmt.Sprintf("%s at %s", act.LastEvent, act.LastEventAt.Local().Format(time.DateTime)), colorize))
	}
}

func formatLimit(sats uint64) string {
	if sats == amount.Unlimited {
		return "unlimited"
	}
	return amount.FormatBTC(sats) + " BTC"
}

func newPromptsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prompts",
		Short: "List password prompts waiting for the operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(cmd, func(client *ipc.Client) error {
				resp, err := client.Prompts()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Prompts) == 0 {
					fmt.Fprintln(out, "No pending prompts")
					return nil
				}
				rows := make([][]string, 0, len(resp.Prompts))
				for _, p := range resp.Prompts {
					kind := "sign"
					if p.AutoSign {
						kind = "auto-sign"
					}
					rows = append(rows, []string{p.WalletID, kind, p.ClientID, time.Since(p.Since).Truncate(time.Second).String(), p.Text})
				}
				fmt.Fprint(out, textutil.RenderTable(
					[]textutil.Column{{Title: "Wallet"}, {Title: "Kind"}, {Title: "Client"}, {Title: "Waiting", Numeric: true}, {Title: "Prompt"}},
					rows,
				))
				return nil
			})
		},
	}
}

func newPasswordCommand(ctx *commandContext) *cobra.Command {
	var cancel bool
	cmd := &cobra.Command{
		Use:   "password <wallet>",
		Short: "Answer the password prompt for a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			walletID := strings.TrimSpace(args[0])
			req := ipc.PasswordRequest{WalletID: walletID, Cancel: cancel}
			if !cancel {
				secret, err := textutil.ReadSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Password for %s: ", walletID))
				if err != nil {
					return err
				}
				req.Password = secret
			}
			return ctx.withClient(cmd, func(client *ipc.Client) error {
				resp, err := client.Password(req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				if !resp.Accepted {
					return errors.New("password was not delivered")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cancel, "cancel", false, "Decline the prompt instead of answering it")
	return cmd
}

func newAutoSignCommand(ctx *commandContext) *cobra.Command {
	var noPassword bool
	cmd := &cobra.Command{
		Use:       "autosign on|off [wallet]",
		Short:     "Enable or disable unattended signing",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.AutoSignRequest{}
			switch strings.ToLower(args[0]) {
			case "on":
				req.Enable = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			if len(args) == 2 {
				req.WalletID = strings.TrimSpace(args[1])
			}
			if req.Enable && !noPassword {
				label := req.WalletID
				if label == "" {
					label = "the primary wallet"
				}
				secret, err := textutil.ReadSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Password for %s: ", label))
				if err != nil {
					return err
				}
				req.Password = secret
			}
			return ctx.withClient(cmd, func(client *ipc.Client) error {
				resp, err := client.AutoSign(req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.Active != req.Enable {
					return fmt.Errorf("auto-sign unchanged: %s", resp.Message)
				}
				if resp.WalletID != "" {
					fmt.Fprintf(out, "%s (%s)\n", resp.Message, resp.WalletID)
				} else {
					fmt.Fprintln(out, resp.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noPassword, "no-password", false, "Activate an unencrypted wallet without prompting")
	return cmd
}

func newWalletsCommand(ctx *commandContext) *cobra.Command {
	walletsCmd := &cobra.Command{
		Use:   "wallets",
		Short: "List root wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(cmd, func(client *ipc.Client) error {
				resp, err := client.Wallets()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(resp.Wallets) == 0 {
					fmt.Fprintln(out, "No wallets")
					return nil
				}
				fmt.Fprint(out, textutil.RenderTable(walletColumns, walletRows(resp.Wallets)))
				return nil
			})
		},
	}
	walletsCmd.AddCommand(newWalletCreateCommand(ctx))
	return walletsCmd
}

var walletColumns = []textutil.Column{
	{Title: "ID"}, {Title: "Name"}, {Title: "Network"}, {Title: "Encrypted"}, {Title: "Watching-only"}, {Title: "Primary"},
}

func walletRows(wallets []ipc.WalletSummary) [][]string {
	rows := make([][]string, 0, len(wallets))
	for _, w := range wallets {
		rows = append(rows, []string{w.ID, w.Name, w.Network, textutil.YesNo(w.Encrypted), textutil.YesNo(w.WatchingOnly), textutil.YesNo(w.Primary)})
	}
	return rows
}

func newWalletCreateCommand(ctx *commandContext) *cobra.Command {
	var description, seed string
	var primary, unencrypted bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a root wallet in the running signer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.CreateWalletRequest{
				Name:        strings.TrimSpace(args[0]),
				Description: description,
				Seed:        seed,
				Primary:     primary,
			}
			if !unencrypted {
				secret, err := textutil.ReadSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "New wallet password: ")
				if err != nil {
					return err
				}
				if secret == "" {
					return errors.New("empty password; pass --unencrypted to store the key in the clear")
				}
				req.Password = secret
			}
			return ctx.withClient(cmd, func(client *ipc.Client) error {
				resp, err := client.CreateWallet(req)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), textutil.RenderTable(walletColumns, walletRows([]ipc.WalletSummary{resp.Wallet})))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Wallet description")
	cmd.Flags().StringVar(&seed, "seed", "", "Hex seed to restore from instead of generating one")
	cmd.Flags().BoolVar(&primary, "primary", false, "Mark the wallet as primary")
	cmd.Flags().BoolVar(&unencrypted, "unencrypted", false, "Store the key without a password")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running signer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			socket, err := ctx.socketPath(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(socket, cfg.PIDPath(), 5*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Signer is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(out, "Signer did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(out, "Signer stopped")
			return nil
		},
	}
}
