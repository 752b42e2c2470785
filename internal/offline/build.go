package offline

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/cache"
	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/database"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/queue"
	"github.com/MarcoPoloResearchLab/medstock/internal/reconcile"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingStorePath = errors.New("offline: store path is required")

// Options configures a complete data layer.
type Options struct {
	StorePath     string
	Backend       remote.Backend
	Monitor       connectivity.Monitor
	Policy        reconcile.RetryPolicy
	RemoteTimeout time.Duration
	IDProvider    inventory.IDProvider
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Layer holds the assembled components.
type Layer struct {
	Service *Service
	Store   *store.Store
	Engine  *reconcile.Engine
	db      *gorm.DB
}

// Build opens the local store and wires the cache, queue, engine and facade.
func Build(opts Options) (*Layer, error) {
	if opts.StorePath == "" {
		return nil, errMissingStorePath
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := opts.IDProvider
	if idProvider == nil {
		idProvider = inventory.NewUUIDProvider()
	}

	db, err := database.OpenSQLite(opts.StorePath, logger, store.Schema())
	if err != nil {
		return nil, err
	}
	layer, err := assemble(db, idProvider, logger, opts)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return layer, nil
}

func assemble(db *gorm.DB, idProvider inventory.IDProvider, logger *zap.Logger, opts Options) (*Layer, error) {
	localStore, err := store.New(store.Config{Database: db, Clock: opts.Clock, Logger: logger.Named("store")})
	if err != nil {
		return nil, err
	}
	readThrough, err := cache.New(cache.Config{
		Store:        localStore,
		Backend:      opts.Backend,
		Monitor:      opts.Monitor,
		FetchTimeout: opts.RemoteTimeout,
		Clock:        opts.Clock,
		Logger:       logger.Named("cache"),
	})
	if err != nil {
		return nil, err
	}
	writeBehind, err := queue.New(queue.Config{
		Log:           localStore,
		Backend:       opts.Backend,
		Monitor:       opts.Monitor,
		IDProvider:    idProvider,
		SubmitTimeout: opts.RemoteTimeout,
		Logger:        logger.Named("queue"),
	})
	if err != nil {
		return nil, err
	}
	engine, err := reconcile.NewEngine(reconcile.Config{
		Store:         localStore,
		Backend:       opts.Backend,
		Monitor:       opts.Monitor,
		Policy:        opts.Policy,
		SubmitTimeout: opts.RemoteTimeout,
		Clock:         opts.Clock,
		Logger:        logger.Named("reconcile"),
	})
	if err != nil {
		return nil, err
	}
	service, err := NewService(Config{
		Reader:  readThrough,
		Mutator: writeBehind,
		Syncer:  engine,
		Log:     localStore,
		Monitor: opts.Monitor,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &Layer{Service: service, Store: localStore, Engine: engine, db: db}, nil
}

// Close releases the local database.
func (l *Layer) Close() error {
	return database.Close(l.db)
}
