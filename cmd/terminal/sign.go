package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"headless/internal/amount"
	"headless/internal/client"
	"headless/internal/protocol"
	"headless/internal/textutil"
)

const defaultSignWait = 5 * time.Minute

type signFlags struct {
	wallet      string
	inputs      []string
	recipients  []string
	change      string
	fee         string
	rbf         bool
	partial     bool
	auto        bool
	askPassword bool
	wait        time.Duration
}

func newSignCommand(ctx *commandContext) *cobra.Command {
	flags := &signFlags{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Ask the signer to sign a transaction",
		Long: "Builds a sign request from the given inputs and outputs. Without --ask-password the\n" +
			"signer asks its operator for the wallet password, so the command waits up to --wait.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			if flags.askPassword {
				secret, err := textutil.ReadSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Password for %s: ", req.WalletID))
				if err != nil {
					return err
				}
				req.Password = protocol.EncodeSecret([]byte(secret))
			}
			return ctx.withSession(cmd, func(s *session) error {
				return runSign(cmd, s, req, flags.partial, flags.wait)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.wallet, "wallet", "w", "", "Leaf wallet that owns the inputs")
	f.StringArrayVarP(&flags.inputs, "input", "i", nil, "Input as txhash:index:btc (repeatable)")
	f.StringArrayVarP(&flags.recipients, "to", "t", nil, "Recipient as address:btc (repeatable)")
	f.StringVar(&flags.change, "change", "", "Change output as address:btc")
	f.StringVar(&flags.fee, "fee", "0.00001", "Fee in BTC")
	f.BoolVar(&flags.rbf, "rbf", false, "Signal replace-by-fee")
	f.BoolVar(&flags.partial, "partial", false, "Request a partially signed transaction")
	f.BoolVar(&flags.auto, "auto", false, "Sign under auto-sign rules without an operator prompt")
	f.BoolVar(&flags.askPassword, "ask-password", false, "Read the wallet password here and send it with the request")
	f.DurationVar(&flags.wait, "wait", defaultSignWait, "How long to wait for the signature")
	_ = cmd.MarkFlagRequired("wallet")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func (f *signFlags) request() (protocol.SignTXRequest, error) {
	req := protocol.SignTXRequest{
		WalletID:           strings.TrimSpace(f.wallet),
		RBF:                f.rbf,
		ApplyAutoSignRules: f.auto,
	}
	if req.WalletID == "" {
		return req, errors.New("--wallet is required")
	}
	for _, raw := range f.inputs {
		in, err := parseInput(raw)
		if err != nil {
			return req, err
		}
		req.Inputs = append(req.Inputs, in)
	}
	for _, raw := range f.recipients {
		addr, value, err := parseOutput(raw)
		if err != nil {
			return req, fmt.Errorf("--to %q: %w", raw, err)
		}
		req.Recipients = append(req.Recipients, protocol.Recipient{Address: addr, Value: value})
	}
	if f.change != "" {
		addr, value, err := parseOutput(f.change)
		if err != nil {
			return req, fmt.Errorf("--change %q: %w", f.change, err)
		}
		req.Change = &protocol.ChangeOutput{Address: addr, Value: value}
	}
	fee, err := amount.ParseBTC(f.fee)
	if err != nil {
		return req, fmt.Errorf("--fee: %w", err)
	}
	req.Fee = fee

	var out uint64
	for _, r := range req.Recipients {
		out += r.Value
	}
	if req.Change != nil {
		out += req.Change.Value
	}
	if in := req.InputAmount(); in < out+req.Fee {
		return req, fmt.Errorf("inputs total %s BTC but outputs and fee need %s BTC",
			amount.FormatBTC(in), amount.FormatBTC(out+req.Fee))
	}
	return req, nil
}

// parseInput reads txhash:index:btc.
func parseInput(raw string) (protocol.TxInput, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return protocol.TxInput{}, fmt.Errorf("--input %q: expected txhash:index:btc", raw)
	}
	hash := strings.ToLower(parts[0])
	if b, err := hex.DecodeString(hash); err != nil || len(b) != 32 {
		return protocol.TxInput{}, fmt.Errorf("--input %q: tx hash must be 64 hex characters", raw)
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return protocol.TxInput{}, fmt.Errorf("--input %q: bad output index", raw)
	}
	value, err := amount.ParseBTC(parts[2])
	if err != nil {
		return protocol.TxInput{}, fmt.Errorf("--input %q: %w", raw, err)
	}
	if value == 0 {
		return protocol.TxInput{}, fmt.Errorf("--input %q: value must be positive", raw)
	}
	return protocol.TxInput{TxHash: hash, Index: uint32(index), Value: value}, nil
}

// parseOutput reads address:btc. Addresses never contain a colon.
func parseOutput(raw string) (string, uint64, error) {
	addr, value, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || addr == "" {
		return "", 0, errors.New("expected address:btc")
	}
	sats, err := amount.ParseBTC(value)
	if err != nil {
		return "", 0, err
	}
	return addr, sats, nil
}

func runSign(cmd *cobra.Command, s *session, req protocol.SignTXRequest, partial bool, wait time.Duration) error {
	if wait <= 0 {
		wait = defaultSignWait
	}
	signCtx, cancel := context.WithTimeout(cmd.Context(), wait)
	defer cancel()

	start := s.signer.SignTX
	if partial {
		start = s.signer.SignPartialTX
	}
	reply, err := client.Await(signCtx, func(done func(protocol.SignTXReply, error)) (uint32, error) {
		return start(req, done)
	})
	switch {
	case err == nil:
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(reply.SignedTX))
		return nil
	case errors.Is(err, protocol.ErrCancelled):
		fmt.Fprintln(cmd.OutOrStdout(), "Signing cancelled by the operator")
		return errors.New("signing cancelled")
	case signCtx.Err() != nil:
		_ = s.signer.CancelSignTx(req.TxID())
		return fmt.Errorf("no signature: %w", signCtx.Err())
	default:
		return err
	}
}
