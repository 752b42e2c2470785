// Package cache routes collection reads to the remote backend or the local snapshot.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"go.uber.org/zap"
)

// Source names where a result came from.
type Source string

const (
	// SourceRemote marks a fresh result from the remote backend.
	SourceRemote Source = "remote"
	// SourceCache marks a result served from the local snapshot.
	SourceCache Source = "cache"
)

const (
	opFetchCollection = "cache.fetch_collection"

	defaultFetchTimeout = 15 * time.Second
)

var (
	errMissingStore   = errors.New("cache: local store is required")
	errMissingBackend = errors.New("cache: remote backend is required")
	errMissingMonitor = errors.New("cache: connectivity monitor is required")
)

// Snapshots is the part of the local store the cache reads and refreshes.
type Snapshots interface {
	ReplaceAll(ctx context.Context, collection inventory.Collection, records []inventory.Record) error
	Snapshot(ctx context.Context, collection inventory.Collection) (store.Snapshot, error)
}

// Result is a collection read. SnapshotAt is the refresh time of cached results.
type Result struct {
	Records    []inventory.Record
	Source     Source
	SnapshotAt time.Time
}

// Config wires the read-through cache.
type Config struct {
	Store        Snapshots
	Backend      remote.Backend
	Monitor      connectivity.Monitor
	FetchTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// ReadThrough serves reads from the remote backend when online and from the local
// snapshot when offline, refreshing the snapshot after every successful remote read.
type ReadThrough struct {
	store        Snapshots
	backend      remote.Backend
	monitor      connectivity.Monitor
	fetchTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger
}

// New validates the configuration and constructs a ReadThrough cache.
func New(cfg Config) (*ReadThrough, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadThrough{
		store:        cfg.Store,
		backend:      cfg.Backend,
		monitor:      cfg.Monitor,
		fetchTimeout: fetchTimeout,
		clock:        clock,
		logger:       logger,
	}, nil
}

// FetchCollection returns the records of a collection.
//
// Offline, the cached snapshot is returned; a collection that was never cached
// yields an empty result and a store failure degrades to an empty result.
// Online, the remote result replaces the snapshot and is returned even when the
// replacement fails. When the remote read fails, a non-empty snapshot is served
// instead; otherwise the remote error is returned.
func (c *ReadThrough) FetchCollection(ctx context.Context, collection inventory.Collection) (Result, error) {
	if !c.monitor.IsOnline(ctx) {
		return c.cached(ctx, collection), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	records, err := c.backend.FetchCollection(fetchCtx, collection)
	cancel()
	if err != nil {
		fallback := c.cached(ctx, collection)
		if len(fallback.Records) > 0 {
			c.logger.Warn("serving cached collection after remote failure",
				zap.String("operation", opFetchCollection),
				zap.String("collection", collection.String()),
				zap.Error(err))
			return fallback, nil
		}
		return Result{}, err
	}

	if err := c.store.ReplaceAll(ctx, collection, records); err != nil {
		c.logError("replace_failed", err, zap.String("collection", collection.String()))
	}
	if records == nil {
		records = []inventory.Record{}
	}
	return Result{Records: records, Source: SourceRemote, SnapshotAt: c.clock().UTC()}, nil
}

func (c *ReadThrough) cached(ctx context.Context, collection inventory.Collection) Result {
	snapshot, err := c.store.Snapshot(ctx, collection)
	if err != nil {
		c.logError("snapshot_failed", err, zap.String("collection", collection.String()))
		return Result{Records: []inventory.Record{}, Source: SourceCache}
	}
	return Result{Records: snapshot.Records, Source: SourceCache, SnapshotAt: snapshot.RefreshedAt}
}

func (c *ReadThrough) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opFetchCollection),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	c.logger.Error("read-through cache error", attrs...)
}
