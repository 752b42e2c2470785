package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/database"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew        = "store.new"
	opReplaceAll      = "store.replace_all"
	opGetAll          = "store.get_all"
	opSnapshot        = "store.snapshot"
	opAppendPending   = "store.append_pending"
	opListPending     = "store.list_pending"
	opAction          = "store.action"
	opMarkInFlight    = "store.mark_in_flight"
	opRemoveCompleted = "store.remove_completed"
	opMarkFailed      = "store.mark_failed"
	opMarkRetry       = "store.mark_retry"
	opRebindEntity    = "store.rebind_entity"
	opRequeueFailed   = "store.requeue_failed"
	opDiscardFailed   = "store.discard_failed"
	opResetInFlight   = "store.reset_in_flight"
	opCounts          = "store.counts"
	opRefreshes       = "store.refreshes"
)

const (
	insertBatchSize = 200

	migrationDropWallClockOrderIndex = "2026-10-15_drop_wall_clock_order_index"
)

var noOpLogger = zap.NewNop()

// Schema describes the tables owned by the local store.
func Schema() database.Schema {
	return database.Schema{
		Models: []any{&CachedEntity{}, &CollectionSnapshot{}, &PendingAction{}},
		Migrations: []database.Migration{
			{Name: migrationDropWallClockOrderIndex, Apply: dropWallClockOrderIndex},
		},
	}
}

// Replay order is the append sequence; the old index keyed on created_at_ms is unused.
func dropWallClockOrderIndex(db *gorm.DB) error {
	return db.Exec("DROP INDEX IF EXISTS idx_pending_actions_order").Error
}

// Config wires the store dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists cached collections and the pending-action log.
// Writes are serialized; reads that span several statements run in one transaction.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	writeMu sync.Mutex
}

// New constructs a Store over an opened database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ReplaceAll swaps the cached records of a collection atomically. On failure the previous snapshot is kept.
func (s *Store) ReplaceAll(ctx context.Context, collection inventory.Collection, records []inventory.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	refreshedAt := s.nowMillis()
	rows := make([]CachedEntity, 0, len(records))
	for index, record := range records {
		rows = append(rows, cachedEntityFromRecord(collection, index, record, refreshedAt))
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ?", collection.String()).Delete(&CachedEntity{}).Error; err != nil {
			return s.failure(opReplaceAll, "delete_failed", err, zap.String("collection", collection.String()))
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(&rows, insertBatchSize).Error; err != nil {
				return s.failure(opReplaceAll, "insert_failed", err, zap.String("collection", collection.String()))
			}
		}
		marker := CollectionSnapshot{
			Collection:      collection.String(),
			RecordCount:     len(rows),
			RefreshedAtMsec: refreshedAt,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}},
			DoUpdates: clause.AssignmentColumns([]string{"record_count", "refreshed_at_ms"}),
		}).Create(&marker).Error
		if err != nil {
			return s.failure(opReplaceAll, "snapshot_failed", err, zap.String("collection", collection.String()))
		}
		return nil
	})
	return s.classify(opReplaceAll, err)
}

// GetAll returns the cached records of a collection in remote order.
func (s *Store) GetAll(ctx context.Context, collection inventory.Collection) ([]inventory.Record, error) {
	var rows []CachedEntity
	if err := s.db.WithContext(ctx).
		Where("collection = ?", collection.String()).
		Order("position ASC").
		Find(&rows).Error; err != nil {
		return nil, s.failure(opGetAll, "query_failed", err, zap.String("collection", collection.String()))
	}
	return recordsFromRows(rows), nil
}

// Snapshot returns the cached records of a collection and when they were last refreshed.
// A collection that was never populated yields an empty, unpopulated snapshot.
func (s *Store) Snapshot(ctx context.Context, collection inventory.Collection) (Snapshot, error) {
	snapshot := Snapshot{Collection: collection, Records: []inventory.Record{}}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var marker CollectionSnapshot
		err := tx.Where("collection = ?", collection.String()).Take(&marker).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return s.failure(opSnapshot, "marker_query_failed", err, zap.String("collection", collection.String()))
		}
		var rows []CachedEntity
		if err := tx.Where("collection = ?", collection.String()).Order("position ASC").Find(&rows).Error; err != nil {
			return s.failure(opSnapshot, "query_failed", err, zap.String("collection", collection.String()))
		}
		snapshot.Populated = true
		snapshot.RefreshedAt = time.UnixMilli(marker.RefreshedAtMsec).UTC()
		snapshot.Records = recordsFromRows(rows)
		return nil
	})
	if err != nil {
		return Snapshot{Collection: collection, Records: []inventory.Record{}}, s.classify(opSnapshot, err)
	}
	return snapshot, nil
}

// Refreshes lists the refresh markers of every populated collection.
func (s *Store) Refreshes(ctx context.Context) ([]CollectionSnapshot, error) {
	var markers []CollectionSnapshot
	if err := s.db.WithContext(ctx).Order("collection ASC").Find(&markers).Error; err != nil {
		return nil, s.failure(opRefreshes, "query_failed", err)
	}
	return markers, nil
}

// AppendPending durably queues a validated mutation under the action identifier.
// Appending an identifier that already exists returns the stored action unchanged.
func (s *Store) AppendPending(ctx context.Context, actionID string, mutation inventory.Mutation) (PendingAction, error) {
	if _, err := inventory.NewEntityID(actionID); err != nil {
		return PendingAction{}, err
	}
	if err := mutation.Validate(); err != nil {
		return PendingAction{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.nowMillis()
	action := PendingAction{
		ActionID:      actionID,
		Operation:     string(mutation.Kind),
		Collection:    mutation.Collection.String(),
		EntityID:      mutation.EntityID,
		StreamKey:     inventory.StreamKey(mutation.Collection, mutation.EntityID),
		Payload:       []byte(mutation.Payload),
		Status:        StatusPending,
		CreatedAtMsec: now,
		UpdatedAtMsec: now,
	}

	var stored PendingAction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "action_id"}},
			DoNothing: true,
		}).Create(&action).Error; err != nil {
			return s.failure(opAppendPending, "insert_failed", err, zap.String("action_id", actionID))
		}
		if err := tx.Where("action_id = ?", actionID).Take(&stored).Error; err != nil {
			return s.failure(opAppendPending, "reload_failed", err, zap.String("action_id", actionID))
		}
		return nil
	})
	if err != nil {
		return PendingAction{}, s.classify(opAppendPending, err)
	}
	return stored, nil
}

// ListPending returns actions in append order. The sequence, not the wall clock, defines replay order.
func (s *Store) ListPending(ctx context.Context, filter Filter) ([]PendingAction, error) {
	query := s.db.WithContext(ctx).Model(&PendingAction{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var actions []PendingAction
	if err := query.Order("sequence ASC").Find(&actions).Error; err != nil {
		return nil, s.failure(opListPending, "query_failed", err)
	}
	return actions, nil
}

// Action loads one action by identifier.
func (s *Store) Action(ctx context.Context, actionID string) (PendingAction, error) {
	var action PendingAction
	err := s.db.WithContext(ctx).Where("action_id = ?", actionID).Take(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingAction{}, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	if err != nil {
		return PendingAction{}, s.failure(opAction, "query_failed", err, zap.String("action_id", actionID))
	}
	return action, nil
}

// MarkInFlight moves a pending action to in-flight and counts the attempt.
func (s *Store) MarkInFlight(ctx context.Context, actionID string) error {
	return s.withAction(ctx, opMarkInFlight, actionID, []ActionStatus{StatusPending}, func(tx *gorm.DB, action PendingAction) error {
		return s.updateAction(tx, opMarkInFlight, action, map[string]any{
			"status":   StatusInFlight,
			"attempts": gorm.Expr("attempts + 1"),
		})
	})
}

// RemoveCompleted deletes an action the remote backend confirmed.
func (s *Store) RemoveCompleted(ctx context.Context, actionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := s.db.WithContext(ctx).Where("action_id = ?", actionID).Delete(&PendingAction{})
	if result.Error != nil {
		return s.failure(opRemoveCompleted, "delete_failed", result.Error, zap.String("action_id", actionID))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	return nil
}

// MarkFailed records a non-retryable rejection. Failed actions are never retried automatically.
func (s *Store) MarkFailed(ctx context.Context, actionID, reason string) error {
	return s.withAction(ctx, opMarkFailed, actionID, []ActionStatus{StatusPending, StatusInFlight}, func(tx *gorm.DB, action PendingAction) error {
		return s.updateAction(tx, opMarkFailed, action, map[string]any{
			"status":             StatusFailed,
			"last_error":         reason,
			"next_attempt_at_ms": int64(0),
		})
	})
}

// MarkRetry returns an action to pending with the earliest time it may be attempted again.
func (s *Store) MarkRetry(ctx context.Context, actionID, reason string, nextAttemptAt time.Time) error {
	nextAttempt := int64(0)
	if !nextAttemptAt.IsZero() {
		nextAttempt = nextAttemptAt.UTC().UnixMilli()
	}
	return s.withAction(ctx, opMarkRetry, actionID, []ActionStatus{StatusPending, StatusInFlight}, func(tx *gorm.DB, action PendingAction) error {
		return s.updateAction(tx, opMarkRetry, action, map[string]any{
			"status":             StatusPending,
			"last_error":         reason,
			"next_attempt_at_ms": nextAttempt,
		})
	})
}

// RequeueFailed returns a failed action to pending with a fresh attempt budget.
func (s *Store) RequeueFailed(ctx context.Context, actionID string) error {
	return s.withAction(ctx, opRequeueFailed, actionID, []ActionStatus{StatusFailed}, func(tx *gorm.DB, action PendingAction) error {
		return s.updateAction(tx, opRequeueFailed, action, map[string]any{
			"status":             StatusPending,
			"attempts":           0,
			"next_attempt_at_ms": int64(0),
		})
	})
}

// DiscardFailed deletes a failed action after manual review.
func (s *Store) DiscardFailed(ctx context.Context, actionID string) error {
	return s.withAction(ctx, opDiscardFailed, actionID, []ActionStatus{StatusFailed}, func(tx *gorm.DB, action PendingAction) error {
		if err := tx.Where("sequence = ?", action.Sequence).Delete(&PendingAction{}).Error; err != nil {
			return s.failure(opDiscardFailed, "delete_failed", err, zap.String("action_id", action.ActionID))
		}
		return nil
	})
}

// RebindEntity points every queued action that references a local placeholder at the remote-assigned id.
func (s *Store) RebindEntity(ctx context.Context, localRef, remoteID string) (int, error) {
	if _, err := inventory.NewEntityID(remoteID); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rebound := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var actions []PendingAction
		if err := tx.Where("entity_id = ?", localRef).Order("sequence ASC").Find(&actions).Error; err != nil {
			return s.failure(opRebindEntity, "query_failed", err, zap.String("local_ref", localRef))
		}
		now := s.nowMillis()
		for _, action := range actions {
			payload, _, err := inventory.RebindPayload([]byte(action.Payload), localRef, remoteID)
			if err != nil {
				return s.failure(opRebindEntity, "payload_rebind_failed", err, zap.String("action_id", action.ActionID))
			}
			updates := map[string]any{
				"entity_id":     remoteID,
				"stream_key":    inventory.StreamKey(inventory.Collection(action.Collection), remoteID),
				"payload":       datatypes.JSON(payload),
				"updated_at_ms": now,
			}
			if err := tx.Model(&PendingAction{}).Where("sequence = ?", action.Sequence).Updates(updates).Error; err != nil {
				return s.failure(opRebindEntity, "update_failed", err, zap.String("action_id", action.ActionID))
			}
			rebound++
		}
		return nil
	})
	if err != nil {
		return 0, s.classify(opRebindEntity, err)
	}
	return rebound, nil
}

// ResetInFlight returns actions orphaned by an interrupted drain to pending.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := s.db.WithContext(ctx).Model(&PendingAction{}).
		Where("status = ?", StatusInFlight).
		Updates(map[string]any{"status": StatusPending, "updated_at_ms": s.nowMillis()})
	if result.Error != nil {
		return 0, s.failure(opResetInFlight, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// Counts tallies the pending-action log by status.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var rows []struct {
		Status ActionStatus
		Total  int64
	}
	if err := s.db.WithContext(ctx).Model(&PendingAction{}).
		Select("status, count(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return Counts{}, s.failure(opCounts, "query_failed", err)
	}
	var counts Counts
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			counts.Pending = row.Total
		case StatusInFlight:
			counts.InFlight = row.Total
		case StatusFailed:
			counts.Failed = row.Total
		}
	}
	return counts, nil
}

func (s *Store) withAction(ctx context.Context, operation, actionID string, allowed []ActionStatus, apply func(*gorm.DB, PendingAction) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var action PendingAction
		err := tx.Where("action_id = ?", actionID).Take(&action).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
		}
		if err != nil {
			return s.failure(operation, "query_failed", err, zap.String("action_id", actionID))
		}
		if !statusAllowed(action.Status, allowed) {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, actionID, action.Status)
		}
		return apply(tx, action)
	})
	return s.classify(operation, err)
}

func (s *Store) updateAction(tx *gorm.DB, operation string, action PendingAction, updates map[string]any) error {
	updates["updated_at_ms"] = s.nowMillis()
	if err := tx.Model(&PendingAction{}).Where("sequence = ?", action.Sequence).Updates(updates).Error; err != nil {
		return s.failure(operation, "update_failed", err, zap.String("action_id", action.ActionID))
	}
	return nil
}

// classify wraps failures raised outside a tagged statement, such as BEGIN or COMMIT, as store errors.
func (s *Store) classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *Error
	if errors.As(err, &storeErr) ||
		errors.Is(err, ErrActionNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, inventory.ErrInvalidPayload) {
		return err
	}
	return s.failure(operation, "transaction_failed", err)
}

func statusAllowed(status ActionStatus, allowed []ActionStatus) bool {
	for _, candidate := range allowed {
		if candidate == status {
			return true
		}
	}
	return false
}

func recordsFromRows(rows []CachedEntity) []inventory.Record {
	records := make([]inventory.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records
}

func (s *Store) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Store) failure(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newStoreError(operation, reason, err)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
