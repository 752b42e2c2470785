package main

import (
	"encoding/json"
	"io"

	"github.com/MarcoPoloResearchLab/medstock/internal/config"
	"github.com/MarcoPoloResearchLab/medstock/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newSyncDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay pending actions against the remote backend once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				ctx := cmd.Context()
				rt.observe(ctx)
				report, err := rt.layer.Service.SyncNow(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newSyncPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List pending and failed actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				ctx := cmd.Context()
				pending, err := rt.layer.Service.PendingActions(ctx)
				if err != nil {
					return err
				}
				failed, err := rt.layer.Service.FailedActions(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"pending": pending,
					"failed":  failed,
				})
			})
		},
	}
}

func withRuntime(run func(rt *runtime) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := buildRuntime(appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			logger.Warn("failed to close local store", zap.Error(closeErr))
		}
	}()
	return run(rt)
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
