// Package app provides the entry point for the realmgate command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/realmgate/realmgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "realmgate",
	DisableAutoGenTag: true,
	Short:             "realmgate authenticates HTTP requests against a Keycloak realm",
	Long: `realmgate is an OIDC authentication gateway for Keycloak. It validates
bearer access tokens locally against the realm's published signing keys,
drives the authorization-code login flow, refreshes expired token sets and
enforces role-based access on protected routes.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the realmgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
