package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"headless/internal/client"
	"headless/internal/protocol"
	"headless/internal/textutil"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Authenticate with the signer and show what it announced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withSession(cmd, func(s *session) error {
				info := s.sup.SignerInfo()
				if asJSON {
					return textutil.WriteJSON(cmd.OutOrStdout(), info)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "State:        %s\n", s.sup.State())
				fmt.Fprintf(out, "Network:      %s\n", info.NetType)
				fmt.Fprintf(out, "Signer UI:    %s\n", textutil.YesNo(info.HasUI))
				fmt.Fprintf(out, "Auth ticket:  %s\n", textutil.YesNo(info.AuthTicket != ""))
				if info.SignerKey != "" {
					fmt.Fprintf(out, "Signer key:   %s\n", info.SignerKey)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the authentication reply as JSON")
	return cmd
}

func newWalletsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "wallets",
		Short: "List wallets known to the signer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withSession(cmd, func(s *session) error {
				reqCtx, cancel := ctx.requestContext(cmd)
				defer cancel()
				reply, err := client.Await(reqCtx, s.signer.SyncWalletInfo)
				if err != nil {
					return err
				}
				if asJSON {
					return textutil.WriteJSON(cmd.OutOrStdout(), reply.Wallets)
				}
				out := cmd.OutOrStdout()
				if len(reply.Wallets) == 0 {
					fmt.Fprintln(out, "Signer holds no wallets")
					return nil
				}
				rows := make([][]string, 0, len(reply.Wallets))
				for _, w := range reply.Wallets {
					rows = append(rows, []string{
						w.ID, w.Name, string(w.Type), w.NetType.String(),
						textutil.YesNo(encrypted(w.EncTypes)), textutil.YesNo(w.WatchingOnly), textutil.YesNo(w.Primary),
					})
				}
				fmt.Fprint(out, textutil.RenderTable(
					[]textutil.Column{{Title: "ID"}, {Title: "Name"}, {Title: "Type"}, {Title: "Network"}, {Title: "Encrypted"}, {Title: "Watching-only"}, {Title: "Primary"}},
					rows,
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print wallets as JSON")
	return cmd
}

func encrypted(types []protocol.EncryptionType) bool {
	for _, t := range types {
		if t != protocol.EncryptionUnencrypted {
			return true
		}
	}
	return false
}

func newInfoCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "info <root-wallet>",
		Short: "Show encryption and leaves of a root wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rootID := strings.TrimSpace(args[0])
			return ctx.withSession(cmd, func(s *session) error {
				reqCtx, cancel := ctx.requestContext(cmd)
				defer cancel()
				info, err := client.Await(reqCtx, func(done func(protocol.GetHDWalletInfoReply, error)) (uint32, error) {
					return s.signer.GetHDWalletInfo(rootID, done)
				})
				if err != nil {
					return err
				}
				if err := replyError(info.Error); err != nil {
					return err
				}
				groups, err := client.Await(reqCtx, func(done func(protocol.SyncHDWalletReply, error)) (uint32, error) {
					return s.signer.SyncHDWallet(rootID, done)
				})
				if err != nil {
					return err
				}
				if err := replyError(groups.Error); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				encTypes := make([]string, 0, len(info.EncTypes))
				for _, t := range info.EncTypes {
					encTypes = append(encTypes, t.String())
				}
				fmt.Fprintf(out, "Wallet:       %s\n", info.RootWalletID)
				fmt.Fprintf(out, "Encryption:   %s\n", strings.Join(encTypes, ", "))
				fmt.Fprintf(out, "Signers:      %d of %d\n", info.RankM, info.RankN)
				fmt.Fprintf(out, "Watching-only: %s\n", textutil.YesNo(s.signer.IsWatchingOnly(rootID)))

				rows := make([][]string, 0)
				for _, g := range groups.Groups {
					for _, leaf := range g.Leaves {
						rows = append(rows, []string{string(g.Type), leaf.ID, leaf.Path, leaf.Name})
					}
				}
				if len(rows) == 0 {
					fmt.Fprintln(out, "No leaves")
					return nil
				}
				fmt.Fprint(out, textutil.RenderTable([]textutil.Column{{Title: "Group"}, {Title: "Leaf"}, {Title: "Path"}, {Title: "Name"}}, rows))
				return nil
			})
		},
	}
}

func newExtendCommand(ctx *commandContext) *cobra.Command {
	var count uint32
	var internal bool
	cmd := &cobra.Command{
		Use:   "extend <wallet>",
		Short: "Derive new addresses on a leaf's address chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.ExtendAddressChainRequest{
				WalletID: strings.TrimSpace(args[0]),
				Count:    count,
				External: !internal,
			}
			return ctx.withSession(cmd, func(s *session) error {
				reqCtx, cancel := ctx.requestContext(cmd)
				defer cancel()
				reply, err := client.Await(reqCtx, func(done func(protocol.ExtendAddressChainReply, error)) (uint32, error) {
					return s.signer.ExtendAddressChain(req, done)
				})
				if err != nil {
					return err
				}
				if err := replyError(reply.Error); err != nil {
					return err
				}
				rows := make([][]string, 0, len(reply.Addresses))
				for _, a := range reply.Addresses {
					rows = append(rows, []string{a.Index, a.Address})
				}
				fmt.Fprint(cmd.OutOrStdout(), textutil.RenderTable([]textutil.Column{{Title: "Index", Numeric: true}, {Title: "Address"}}, rows))
				return nil
			})
		},
	}
	cmd.Flags().Uint32VarP(&count, "count", "n", 1, "Number of addresses to derive")
	cmd.Flags().BoolVar(&internal, "internal", false, "Extend the change chain instead of the receiving chain")
	return cmd
}

func newAutoSignCommand(ctx *commandContext) *cobra.Command {
	var noPassword bool
	cmd := &cobra.Command{
		Use:   "autosign on|off [root-wallet]",
		Short: "Ask the signer to enable or disable auto-sign",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.SetLimitsRequest{}
			switch strings.ToLower(args[0]) {
			case "on":
				req.ActivateAutoSign = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			if len(args) == 2 {
				req.RootWalletID = strings.TrimSpace(args[1])
			}
			if req.ActivateAutoSign && !noPassword {
				secret, err := textutil.ReadSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Wallet password (empty lets the signer operator confirm): ")
				if err != nil {
					return err
				}
				req.Password = protocol.EncodeSecret([]byte(secret))
			}
			return ctx.withSession(cmd, func(s *session) error {
				reqCtx, cancel := ctx.requestContext(cmd)
				defer cancel()
				reply, err := client.Await(reqCtx, func(done func(protocol.AutoSignActiveReply, error)) (uint32, error) {
					return s.signer.SetLimits(req, done)
				})
				if err != nil {
					return err
				}
				if err := replyError(reply.Error); err != nil {
					return fmt.Errorf("auto-sign %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Auto-sign for %s: %s\n", reply.RootWalletID, textutil.OnOff(reply.AutoSignActive))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noPassword, "no-password", false, "Send no password; the signer prompts its operator instead")
	return cmd
}

