package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"headless/internal/config"
	"headless/internal/protocol"
)

// signerFlags are the daemon flags a terminal passes when it launches a
// local signer. Only flags set on the command line override the file.
type signerFlags struct {
	headless      bool
	testnet       bool
	mainnet       bool
	listen        string
	port          int
	walletsDir    string
	autoSignLimit string
	watchingOnly  bool
	logLevel      string
}

func (f *signerFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.BoolVar(&f.headless, "headless", false, "Run without the console password prompter")
	fs.BoolVar(&f.testnet, "testnet", false, "Use the test network")
	fs.BoolVar(&f.mainnet, "mainnet", false, "Use the main network")
	fs.StringVar(&f.listen, "listen", "", "Address to accept terminal connections on")
	fs.IntVar(&f.port, "port", 0, "Port to accept terminal connections on")
	fs.StringVar(&f.walletsDir, "dirwallets", "", "Directory holding the wallet database")
	fs.StringVar(&f.autoSignLimit, "auto_sign_spend_limit", "", "Auto-sign spend limit in BTC")
	fs.BoolVar(&f.watchingOnly, "watching_only", false, "Refuse every signing request")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.MarkFlagsMutuallyExclusive("testnet", "mainnet")
}

func (f *signerFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fs := cmd.Root().Flags()
	switch {
	case fs.Changed("testnet") && f.testnet:
		cfg.Signer.Network = protocol.NetworkTestNet.String()
	case fs.Changed("mainnet") && f.mainnet:
		cfg.Signer.Network = protocol.NetworkMainNet.String()
	}
	if fs.Changed("listen") {
		cfg.Signer.Listen = strings.TrimSpace(f.listen)
	}
	if fs.Changed("port") {
		cfg.Signer.Port = f.port
	}
	if fs.Changed("dirwallets") {
		dir, err := config.ExpandPath(strings.TrimSpace(f.walletsDir))
		if err != nil {
			return fmt.Errorf("--dirwallets: %w", err)
		}
		if dir == "" {
			return errors.New("--dirwallets: path is empty")
		}
		cfg.Paths.WalletsDir = dir
	}
	if fs.Changed("auto_sign_spend_limit") {
		cfg.Limits.AutoSignSpend = strings.TrimSpace(f.autoSignLimit)
	}
	if fs.Changed("watching_only") {
		cfg.Signer.WatchingOnly = f.watchingOnly
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("command line: %w", err)
	}
	return nil
}
