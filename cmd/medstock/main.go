package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/medstock/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "medstock",
		Short:         "Offline-first inventory data layer for hospital stock control",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and drain the pending-action log",
	}
	syncCmd.AddCommand(newSyncDrainCommand(), newSyncPendingCommand())

	rootCmd.AddCommand(newServeCommand(), newBackendCommand(), syncCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "Local SQLite store path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote inventory backend base URL")
	cmd.PersistentFlags().Duration("remote-timeout", defaults.GetDuration("remote.timeout"), "Timeout for a single remote call")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("operator-id", defaults.GetString("auth.operator_id"), "Operator identity presented to the backend")
	cmd.PersistentFlags().String("connectivity-mode", defaults.GetString("connectivity.mode"), "Connectivity source (probe, switch)")
	cmd.PersistentFlags().String("probe-url", "", "Health endpoint polled in probe mode")
	cmd.PersistentFlags().Duration("reconcile-interval", defaults.GetDuration("reconcile.interval"), "Periodic reconciliation interval, 0 disables the timer")
	cmd.PersistentFlags().String("retry-strategy", defaults.GetString("reconcile.retry.strategy"), "Retry backoff strategy (fixed, exponential)")
	cmd.PersistentFlags().Int("retry-max-attempts", defaults.GetInt("reconcile.retry.max_attempts"), "Attempts before a transient failure is marked failed, 0 retries forever")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("backend-http-address", defaults.GetString("backend.http_address"), "Reference backend listen address")
	cmd.PersistentFlags().String("backend-database-path", defaults.GetString("backend.database_path"), "Reference backend SQLite path")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.timeout", "remote-timeout")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.operator_id", "operator-id")
	bindFlag(cmd, "connectivity.mode", "connectivity-mode")
	bindFlag(cmd, "connectivity.probe_url", "probe-url")
	bindFlag(cmd, "reconcile.interval", "reconcile-interval")
	bindFlag(cmd, "reconcile.retry.strategy", "retry-strategy")
	bindFlag(cmd, "reconcile.retry.max_attempts", "retry-max-attempts")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "backend.http_address", "backend-http-address")
	bindFlag(cmd, "backend.database_path", "backend-database-path")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
