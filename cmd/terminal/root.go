package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag, signerFlag string
	var timeout time.Duration
	var verbose bool

	ctx := &commandContext{
		configFlag:  &configFlag,
		signerFlag:  &signerFlag,
		timeoutFlag: &timeout,
		verbose:     &verbose,
	}

	rootCmd := &cobra.Command{
		Use:           "terminal",
		Short:         "Scripted client for the headless signer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	flags.StringVar(&signerFlag, "signer", "", "Signer address (host:port); defaults to [terminal] host and port")
	flags.DurationVar(&timeout, "timeout", defaultConnectTimeout, "Connect and request timeout")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log protocol activity to stderr")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newWalletsCommand(ctx))
	rootCmd.AddCommand(newInfoCommand(ctx))
	rootCmd.AddCommand(newSignCommand(ctx))
	rootCmd.AddCommand(newAutoSignCommand(ctx))
	rootCmd.AddCommand(newExtendCommand(ctx))
	rootCmd.AddCommand(newLocalCommand(ctx))

	return rootCmd
}
