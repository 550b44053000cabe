package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "knxsec",
		Short:        "KNX IP Secure tunneling tool",
		Long:         `knxsec opens KNXnet/IP tunnel connections, secured with KNX IP Secure if credentials are configured, and derives the key hashes of KNX IP Secure passwords.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error), overrides the configuration")

	cmd.AddCommand(newConnectCommand())
	cmd.AddCommand(newHashCommand())

	return cmd
}
