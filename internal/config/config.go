package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/reconcile"
	"github.com/spf13/viper"
)

const (
	envPrefix = "MEDSTOCK"

	defaultLogLevel            = "info"
	defaultStorePath           = "medstock.db"
	defaultRemoteBaseURL       = "http://127.0.0.1:8081"
	defaultRemoteTimeout       = 15 * time.Second
	defaultOperatorID          = "medstock-desk"
	defaultTokenTTL            = 30 * time.Minute
	defaultConnectivityMode    = ModeProbe
	defaultProbeInterval       = 15 * time.Second
	defaultReconcileInterval   = time.Minute
	defaultHTTPAddress         = "127.0.0.1:8080"
	defaultBackendHTTPAddress  = "127.0.0.1:8081"
	defaultBackendDatabasePath = "medstock-backend.db"
)

// ConnectivityMode selects how the data layer learns whether the backend is reachable.
type ConnectivityMode string

const (
	// ModeProbe polls the backend health endpoint.
	ModeProbe ConnectivityMode = "probe"
	// ModeSwitch leaves connectivity to an operator-controlled switch.
	ModeSwitch ConnectivityMode = "switch"
)

// AppConfig captures runtime configuration for the data layer and the reference backend.
type AppConfig struct {
	LogLevel string

	StorePath     string
	RemoteBaseURL string
	RemoteTimeout time.Duration

	SigningSecret string
	OperatorID    string
	TokenTTL      time.Duration

	ConnectivityMode ConnectivityMode
	ProbeURL         string
	ProbeInterval    time.Duration

	ReconcileInterval time.Duration
	ReconcileTimeout  time.Duration
	Retry             reconcile.RetryPolicy

	HTTPAddress         string
	BackendHTTPAddress  string
	BackendDatabasePath string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	retry := reconcile.DefaultRetryPolicy()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("auth.operator_id", defaultOperatorID)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("connectivity.mode", string(defaultConnectivityMode))
	configViper.SetDefault("connectivity.probe_url", "")
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("reconcile.interval", defaultReconcileInterval)
	configViper.SetDefault("reconcile.timeout", defaultRemoteTimeout)
	configViper.SetDefault("reconcile.retry.strategy", string(retry.Strategy))
	configViper.SetDefault("reconcile.retry.initial", retry.Initial)
	configViper.SetDefault("reconcile.retry.max", retry.Max)
	configViper.SetDefault("reconcile.retry.max_attempts", retry.MaxAttempts)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("backend.http_address", defaultBackendHTTPAddress)
	configViper.SetDefault("backend.database_path", defaultBackendDatabasePath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	strategy, err := reconcile.ParseStrategy(configViper.GetString("reconcile.retry.strategy"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("reconcile.retry.strategy: %w", err)
	}

	cfg := AppConfig{
		LogLevel:          configViper.GetString("log.level"),
		StorePath:         strings.TrimSpace(configViper.GetString("store.path")),
		RemoteBaseURL:     strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteTimeout:     configViper.GetDuration("remote.timeout"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		OperatorID:        strings.TrimSpace(configViper.GetString("auth.operator_id")),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		ConnectivityMode:  ConnectivityMode(strings.ToLower(strings.TrimSpace(configViper.GetString("connectivity.mode")))),
		ProbeURL:          strings.TrimSpace(configViper.GetString("connectivity.probe_url")),
		ProbeInterval:     configViper.GetDuration("connectivity.probe_interval"),
		ReconcileInterval: configViper.GetDuration("reconcile.interval"),
		ReconcileTimeout:  configViper.GetDuration("reconcile.timeout"),
		Retry: reconcile.RetryPolicy{
			Strategy:    strategy,
			Initial:     configViper.GetDuration("reconcile.retry.initial"),
			Max:         configViper.GetDuration("reconcile.retry.max"),
			MaxAttempts: configViper.GetInt("reconcile.retry.max_attempts"),
		},
		HTTPAddress:         strings.TrimSpace(configViper.GetString("http.address")),
		BackendHTTPAddress:  strings.TrimSpace(configViper.GetString("backend.http_address")),
		BackendDatabasePath: strings.TrimSpace(configViper.GetString("backend.database_path")),
	}
	if cfg.ProbeURL == "" && cfg.RemoteBaseURL != "" {
		cfg.ProbeURL = strings.TrimRight(cfg.RemoteBaseURL, "/") + "/healthz"
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.OperatorID == "" {
		return fmt.Errorf("auth.operator_id is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store.path is required")
	}
	baseURL, err := url.Parse(c.RemoteBaseURL)
	if err != nil {
		return fmt.Errorf("remote.base_url is invalid: %w", err)
	}
	if (baseURL.Scheme != "http" && baseURL.Scheme != "https") || baseURL.Host == "" {
		return fmt.Errorf("remote.base_url must be an absolute http(s) url")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	switch c.ConnectivityMode {
	case ModeProbe:
		if c.ProbeInterval <= 0 {
			return fmt.Errorf("connectivity.probe_interval must be positive")
		}
	case ModeSwitch:
	default:
		return fmt.Errorf("connectivity.mode must be %q or %q", ModeProbe, ModeSwitch)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile.interval cannot be negative")
	}
	if c.ReconcileTimeout <= 0 {
		return fmt.Errorf("reconcile.timeout must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("reconcile.retry: %w", err)
	}
	if c.BackendDatabasePath == "" {
		return fmt.Errorf("backend.database_path is required")
	}
	return nil
}
