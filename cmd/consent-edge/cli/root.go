// Package cli implements the consent-edge command tree.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent-edge",
		Short: "Edge gateway for cookie-consent analytics",
		Long: `consent-edge is the ingestion and authorization gateway for the consent
analytics warehouse. It accepts consent events from the cookie widget,
authorizes them against per-client API keys, and appends normalized rows
to the analytics warehouse (BigQuery, Postgres, or SQLite).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./consent-edge.yaml)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("consent-edge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.consent-edge")
	}

	viper.SetEnvPrefix("CONSENT_EDGE")
	viper.AutomaticEnv()
	viper.ReadInConfig() // config file is optional
}
