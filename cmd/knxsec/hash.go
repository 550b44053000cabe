package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-knx/secure"
)

func newHashCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Derive KNX IP Secure key hashes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "user <password>",
		Short: "Print the user password hash of a tunneling user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(secure.UserPasswordHash(args[0])))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "device <code>",
		Short: "Print the device authentication code hash of a KNXnet/IP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(secure.DeviceAuthCodeHash(args[0])))
			return err
		},
	})

	return cmd
}
