package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/config"
	"github.com/MarcoPoloResearchLab/medstock/internal/database"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/logging"
	"github.com/MarcoPoloResearchLab/medstock/internal/remotesvc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newBackendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Run the reference inventory backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackend(cmd.Context())
		},
	}
}

func runBackend(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.BackendDatabasePath, logger, remotesvc.Schema())
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	service, err := remotesvc.NewService(remotesvc.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: inventory.NewUUIDProvider(),
		Logger:     logger.Named("backend"),
	})
	if err != nil {
		return err
	}

	handler, err := remotesvc.NewHTTPHandler(remotesvc.Dependencies{
		Tokens:  issuer,
		Service: service,
		Logger:  logger.Named("backend"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    appConfig.BackendHTTPAddress,
		Handler: handler,
	}
	return listenUntilDone(signalCtx, httpServer, logger)
}
