package main

import (
	"github.com/spf13/cobra"

	"headless/internal/daemonrun"
)

func newRootCommand() *cobra.Command {
	var socketFlag string
	var configFlag string
	flags := &signerFlags{}

	ctx := newCommandContext(&socketFlag, &configFlag, flags)

	rootCmd := &cobra.Command{
		Use:           "signer",
		Short:         "Headless transaction signer",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel: flags.logLevel,
				Headless: flags.headless,
			})
		},
	}

	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Path to the signer control socket")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	flags.register(rootCmd)

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newPromptsCommand(ctx))
	rootCmd.AddCommand(newPasswordCommand(ctx))
	rootCmd.AddCommand(newAutoSignCommand(ctx))
	rootCmd.AddCommand(newWalletsCommand(ctx))
	rootCmd.AddCommand(newStopCommand(ctx))
	rootCmd.AddCommand(newLogsCommand(ctx))
	rootCmd.AddCommand(newPreflightCommand(ctx))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
