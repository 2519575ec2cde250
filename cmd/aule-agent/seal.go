package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manthysbr/auleagent/internal/config"
)

func sealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <api-key>",
		Short: "Encrypt an API key with AULE_SECRET_KEY for use in a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.NewSecretKey(os.Getenv("AULE_SECRET_KEY"))
			if err != nil {
				return err
			}
			sealed, err := key.Seal(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
