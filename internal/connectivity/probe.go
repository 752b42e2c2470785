package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

var errMissingProbeURL = errors.New("connectivity: probe url is required")

// ProbeConfig wires a health probe against the remote backend.
type ProbeConfig struct {
	URL        string
	Interval   time.Duration
	Timeout    time.Duration
	Client     *http.Client
	Dispatcher *Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Probe polls a health endpoint and remembers the last observation. IsOnline
// never performs I/O and reports online until the first observation.
type Probe struct {
	url        string
	interval   time.Duration
	timeout    time.Duration
	client     *http.Client
	dispatcher *Dispatcher
	clock      func() time.Time
	logger     *zap.Logger
	offline    atomic.Bool
}

// NewProbe validates the configuration and constructs a Probe.
func NewProbe(cfg ProbeConfig) (*Probe, error) {
	probeURL := strings.TrimSpace(cfg.URL)
	if probeURL == "" {
		return nil, errMissingProbeURL
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{
		url:        probeURL,
		interval:   interval,
		timeout:    timeout,
		client:     client,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// IsOnline returns the last observation.
func (p *Probe) IsOnline(context.Context) bool {
	return !p.offline.Load()
}

// Check performs one probe and records the result.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	p.record(online)
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

func (p *Probe) reachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("connectivity probe request invalid", zap.String("url", p.url), zap.Error(err))
		return true
	}
	response, err := p.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return !p.offline.Load()
		}
		p.logger.Debug("connectivity probe failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	defer response.Body.Close()
	return response.StatusCode < http.StatusInternalServerError
}

func (p *Probe) record(online bool) {
	wasOffline := p.offline.Swap(!online)
	if wasOffline != online {
		return
	}
	p.logger.Info("connectivity changed", zap.Bool("online", online))
	p.dispatcher.Publish(Transition{Online: online, At: p.clock().UTC()})
}
