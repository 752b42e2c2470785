package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/config"
	"github.com/MarcoPoloResearchLab/medstock/internal/logging"
	"github.com/MarcoPoloResearchLab/medstock/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API, connectivity monitor and reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
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
	defer rt.Close() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		DataLayer: rt.layer.Service,
		Switch:    rt.toggle,
		Logger:    logger.Named("api"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transitions, unsubscribe := rt.dispatcher.Subscribe(signalCtx)
	defer unsubscribe()
	if rt.probe != nil {
		go rt.probe.Run(signalCtx)
	}
	go rt.layer.Engine.Run(signalCtx, transitions, appConfig.ReconcileInterval)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}
	return listenUntilDone(signalCtx, httpServer, logger)
}

func listenUntilDone(ctx context.Context, httpServer *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
