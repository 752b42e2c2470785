// Package offline is the data-layer facade used by the UI shell: typed reads that
// go through the read-through cache and typed writes that go through the
// write-behind queue.
package offline

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/cache"
	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/queue"
	"github.com/MarcoPoloResearchLab/medstock/internal/reconcile"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingReader  = errors.New("offline: collection reader is required")
	errMissingMutator = errors.New("offline: mutator is required")
	errMissingSyncer  = errors.New("offline: syncer is required")
	errMissingLog     = errors.New("offline: action log is required")
	errMissingMonitor = errors.New("offline: connectivity monitor is required")
)

// Reader serves collection reads.
type Reader interface {
	FetchCollection(ctx context.Context, collection inventory.Collection) (cache.Result, error)
}

// Mutator applies or queues mutations.
type Mutator interface {
	Mutate(ctx context.Context, mutation inventory.Mutation) (queue.Outcome, error)
}

// Syncer drains the pending-action log.
type Syncer interface {
	Drain(ctx context.Context) (reconcile.Report, error)
}

// ActionLog exposes the pending-action log for review.
type ActionLog interface {
	ListPending(ctx context.Context, filter store.Filter) ([]store.PendingAction, error)
	RequeueFailed(ctx context.Context, actionID string) error
	DiscardFailed(ctx context.Context, actionID string) error
	Counts(ctx context.Context) (store.Counts, error)
	Refreshes(ctx context.Context) ([]store.CollectionSnapshot, error)
}

// Listing is a typed collection read.
type Listing[T any] struct {
	Items      []T          `json:"items"`
	Source     cache.Source `json:"source"`
	SnapshotAt time.Time    `json:"snapshot_at"`
}

// CollectionStatus reports the cached state of one collection.
type CollectionStatus struct {
	Collection  inventory.Collection `json:"collection"`
	RecordCount int                  `json:"record_count"`
	RefreshedAt time.Time            `json:"refreshed_at"`
}

// Status summarizes connectivity and the pending-action log. LiveQueriesAvailable is
// false while offline: answers that need live remote state are not materialized locally.
type Status struct {
	Online               bool               `json:"online"`
	LiveQueriesAvailable bool               `json:"live_queries_available"`
	Actions              store.Counts       `json:"actions"`
	Collections          []CollectionStatus `json:"collections"`
}

// Config wires the facade.
type Config struct {
	Reader  Reader
	Mutator Mutator
	Syncer  Syncer
	Log     ActionLog
	Monitor connectivity.Monitor
	Logger  *zap.Logger
}

// Service is the facade.
type Service struct {
	reader  Reader
	mutator Mutator
	syncer  Syncer
	log     ActionLog
	monitor connectivity.Monitor
	logger  *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Reader == nil:
		return nil, errMissingReader
	case cfg.Mutator == nil:
		return nil, errMissingMutator
	case cfg.Syncer == nil:
		return nil, errMissingSyncer
	case cfg.Log == nil:
		return nil, errMissingLog
	case cfg.Monitor == nil:
		return nil, errMissingMonitor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		reader:  cfg.Reader,
		mutator: cfg.Mutator,
		syncer:  cfg.Syncer,
		log:     cfg.Log,
		monitor: cfg.Monitor,
		logger:  logger,
	}, nil
}

// Products lists products that are not soft-deleted.
func (s *Service) Products(ctx context.Context) (Listing[inventory.Product], error) {
	return list(ctx, s.reader, inventory.CollectionProducts, func(record inventory.Record) (inventory.Product, bool) {
		return inventory.ProductFromRecord(record), !record.Deleted
	})
}

// Categories lists product categories.
func (s *Service) Categories(ctx context.Context) (Listing[inventory.Reference], error) {
	return list(ctx, s.reader, inventory.CollectionCategories, references)
}

// Locations lists storage locations.
func (s *Service) Locations(ctx context.Context) (Listing[inventory.Reference], error) {
	return list(ctx, s.reader, inventory.CollectionLocations, references)
}

// InventoryRows lists stock rows per product, location and batch.
func (s *Service) InventoryRows(ctx context.Context) (Listing[inventory.StockRow], error) {
	return list(ctx, s.reader, inventory.CollectionInventory, func(record inventory.Record) (inventory.StockRow, bool) {
		return inventory.StockRowFromRecord(record), true
	})
}

// Collection returns the raw records of any mirrored collection.
func (s *Service) Collection(ctx context.Context, collection inventory.Collection) (cache.Result, error) {
	return s.reader.FetchCollection(ctx, collection)
}

// CreateProduct creates a product or queues its creation.
func (s *Service) CreateProduct(ctx context.Context, draft inventory.ProductDraft) (queue.Outcome, error) {
	mutation, err := inventory.NewProductCreation(draft)
	if err != nil {
		return queue.Outcome{}, err
	}
	return s.mutator.Mutate(ctx, mutation)
}

// UpdateProduct changes a product or queues the change.
func (s *Service) UpdateProduct(ctx context.Context, patch inventory.ProductPatch) (queue.Outcome, error) {
	mutation, err := inventory.NewProductUpdate(patch)
	if err != nil {
		return queue.Outcome{}, err
	}
	return s.mutator.Mutate(ctx, mutation)
}

// DeleteProduct soft-deletes a product or queues the deletion.
func (s *Service) DeleteProduct(ctx context.Context, deletion inventory.ProductDeletion) (queue.Outcome, error) {
	mutation, err := inventory.NewProductDeletion(deletion)
	if err != nil {
		return queue.Outcome{}, err
	}
	return s.mutator.Mutate(ctx, mutation)
}

// RegisterEntry records incoming stock or queues it.
func (s *Service) RegisterEntry(ctx context.Context, entry inventory.StockEntry) (queue.Outcome, error) {
	mutation, err := inventory.NewStockEntry(entry)
	if err != nil {
		return queue.Outcome{}, err
	}
	return s.mutator.Mutate(ctx, mutation)
}

// RegisterExit records outgoing stock or queues it. Availability is only checked remotely.
func (s *Service) RegisterExit(ctx context.Context, exit inventory.StockExit) (queue.Outcome, error) {
	mutation, err := inventory.NewStockExit(exit)
	if err != nil {
		return queue.Outcome{}, err
	}
	return s.mutator.Mutate(ctx, mutation)
}

// PendingActions lists actions waiting for reconciliation.
func (s *Service) PendingActions(ctx context.Context) ([]store.PendingAction, error) {
	return s.log.ListPending(ctx, store.Filter{Statuses: []store.ActionStatus{store.StatusPending, store.StatusInFlight}})
}

// FailedActions lists actions the remote backend rejected.
func (s *Service) FailedActions(ctx context.Context) ([]store.PendingAction, error) {
	return s.log.ListPending(ctx, store.Filter{Statuses: []store.ActionStatus{store.StatusFailed}})
}

// DiscardFailed removes a failed action after review.
func (s *Service) DiscardFailed(ctx context.Context, actionID string) error {
	if err := s.log.DiscardFailed(ctx, actionID); err != nil {
		return err
	}
	s.logger.Info("failed action discarded", zap.String("action_id", actionID))
	return nil
}

// RetryFailed requeues a failed action and drains when online.
func (s *Service) RetryFailed(ctx context.Context, actionID string) (reconcile.Report, error) {
	if err := s.log.RequeueFailed(ctx, actionID); err != nil {
		return reconcile.Report{}, err
	}
	s.logger.Info("failed action requeued", zap.String("action_id", actionID))
	report, err := s.syncer.Drain(ctx)
	if err != nil {
		s.logger.Warn("drain after requeue failed", zap.String("action_id", actionID), zap.Error(err))
	}
	return report, err
}

// SyncNow drains the pending-action log. Overlapping requests share one drain.
func (s *Service) SyncNow(ctx context.Context) (reconcile.Report, error) {
	return s.syncer.Drain(ctx)
}

// Status reports connectivity, queue counts and the last refresh of every cached collection.
func (s *Service) Status(ctx context.Context) (Status, error) {
	online := s.monitor.IsOnline(ctx)
	counts, err := s.log.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	markers, err := s.log.Refreshes(ctx)
	if err != nil {
		return Status{}, err
	}
	collections := make([]CollectionStatus, 0, len(markers))
	for _, marker := range markers {
		collections = append(collections, CollectionStatus{
			Collection:  inventory.Collection(marker.Collection),
			RecordCount: marker.RecordCount,
			RefreshedAt: time.UnixMilli(marker.RefreshedAtMsec).UTC(),
		})
	}
	return Status{
		Online:               online,
		LiveQueriesAvailable: online,
		Actions:              counts,
		Collections:          collections,
	}, nil
}

func references(record inventory.Record) (inventory.Reference, bool) {
	return inventory.ReferenceFromRecord(record), true
}

func list[T any](ctx context.Context, reader Reader, collection inventory.Collection, project func(inventory.Record) (T, bool)) (Listing[T], error) {
	result, err := reader.FetchCollection(ctx, collection)
	if err != nil {
		return Listing[T]{}, err
	}
	items := make([]T, 0, len(result.Records))
	for _, record := range result.Records {
		item, keep := project(record)
		if keep {
			items = append(items, item)
		}
	}
	return Listing[T]{Items: items, Source: result.Source, SnapshotAt: result.SnapshotAt}, nil
}
