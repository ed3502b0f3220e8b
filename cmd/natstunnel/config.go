package main

import (
	"github.com/spf13/cobra"

	"github.com/jhump/natstunnel/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Interact with the natstunnel configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Show the default natstunnel config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgbytes, err := config.Default().TOML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(cfgbytes)
			return err
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the configuration in effect, after applying the file, environment and flags.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgbytes, err := a.cfg.TOML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(cfgbytes)
			return err
		},
	})
	return configCmd
}
