// Command extlogin serves external OAuth2/OIDC logins.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"extlogin/internal/credentials"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "extlogin",
		Short:         "External login service for OAuth2 and OpenID Connect providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("EXTLOGIN_CONFIG"), "path to the YAML configuration file")

	root.AddCommand(
		newServeCommand(&configPath),
		newKeygenCommand(),
		newMigrateCommand(&configPath),
	)
	return root
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random value for EXTLOGIN_MASTER_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := credentials.GenerateSecret()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
