package main

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/auth"
	"github.com/MarcoPoloResearchLab/medstock/internal/config"
	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/offline"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"go.uber.org/zap"
)

// runtime is the assembled data layer with its connectivity source.
type runtime struct {
	layer      *offline.Layer
	dispatcher *connectivity.Dispatcher
	probe      *connectivity.Probe
	toggle     *connectivity.Switch
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func buildRuntime(appConfig config.AppConfig, logger *zap.Logger) (*runtime, error) {
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return nil, err
	}
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Timeout: appConfig.RemoteTimeout,
		Tokens:  issuer.TokenSource(appConfig.OperatorID),
		Logger:  logger.Named("remote"),
	})
	if err != nil {
		return nil, err
	}

	rt := &runtime{dispatcher: connectivity.NewDispatcher()}
	var monitor connectivity.Monitor
	switch appConfig.ConnectivityMode {
	case config.ModeSwitch:
		rt.toggle = connectivity.NewSwitch(rt.dispatcher)
		monitor = rt.toggle
	default:
		rt.probe, err = connectivity.NewProbe(connectivity.ProbeConfig{
			URL:        appConfig.ProbeURL,
			Interval:   appConfig.ProbeInterval,
			Client:     &http.Client{},
			Dispatcher: rt.dispatcher,
			Logger:     logger.Named("probe"),
		})
		if err != nil {
			return nil, err
		}
		monitor = rt.probe
	}

	rt.layer, err = offline.Build(offline.Options{
		StorePath:     appConfig.StorePath,
		Backend:       client,
		Monitor:       monitor,
		Policy:        appConfig.Retry,
		RemoteTimeout: appConfig.ReconcileTimeout,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// observe records one connectivity observation before a one-shot command runs.
func (rt *runtime) observe(ctx context.Context) {
	if rt.probe != nil {
		rt.probe.Check(ctx)
	}
}

func (rt *runtime) Close() error {
	return rt.layer.Close()
}
