package store

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ActionStatus enumerates the lifecycle states of a pending action.
type ActionStatus string

const (
	// StatusPending marks an action waiting for reconciliation.
	StatusPending ActionStatus = "pending"
	// StatusInFlight marks an action currently submitted to the remote backend.
	StatusInFlight ActionStatus = "in_flight"
	// StatusFailed marks an action the remote backend rejected; it waits for manual review.
	StatusFailed ActionStatus = "failed"
)

// CachedEntity mirrors one remote record of a collection.
type CachedEntity struct {
	Collection     string          `gorm:"column:collection;primaryKey;size:64;not null"`
	EntityID       string          `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Position       int             `gorm:"column:position;not null"`
	Code           string          `gorm:"column:code;size:190"`
	Name           string          `gorm:"column:name;type:text"`
	CategoryID     string          `gorm:"column:category_id;size:190"`
	Unit           string          `gorm:"column:unit;size:64"`
	MinStock       decimal.Decimal `gorm:"column:min_stock;type:text"`
	MaxStock       decimal.Decimal `gorm:"column:max_stock;type:text"`
	ProductID      string          `gorm:"column:product_id;size:190;index:idx_cached_entities_product"`
	LocationID     string          `gorm:"column:location_id;size:190"`
	Batch          string          `gorm:"column:batch;size:190"`
	Quantity       decimal.Decimal `gorm:"column:quantity;type:text"`
	Deleted        bool            `gorm:"column:deleted;not null;default:false"`
	Attributes     datatypes.JSON  `gorm:"column:attributes;not null"`
	SnapshotAtMsec int64           `gorm:"column:snapshot_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CachedEntity) TableName() string {
	return "cached_entities"
}

func cachedEntityFromRecord(collection inventory.Collection, position int, record inventory.Record, snapshotAt int64) CachedEntity {
	attributes := datatypes.JSON(record.Attributes)
	if len(attributes) == 0 {
		attributes = datatypes.JSON("{}")
	}
	return CachedEntity{
		Collection:     collection.String(),
		EntityID:       record.ID,
		Position:       position,
		Code:           record.Code,
		Name:           record.Name,
		CategoryID:     record.CategoryID,
		Unit:           record.Unit,
		MinStock:       record.MinStock,
		MaxStock:       record.MaxStock,
		ProductID:      record.ProductID,
		LocationID:     record.LocationID,
		Batch:          record.Batch,
		Quantity:       record.Quantity,
		Deleted:        record.Deleted,
		Attributes:     attributes,
		SnapshotAtMsec: snapshotAt,
	}
}

func (e CachedEntity) record() inventory.Record {
	return inventory.Record{
		ID:         e.EntityID,
		Code:       e.Code,
		Name:       e.Name,
		CategoryID: e.CategoryID,
		Unit:       e.Unit,
		MinStock:   e.MinStock,
		MaxStock:   e.MaxStock,
		ProductID:  e.ProductID,
		LocationID: e.LocationID,
		Batch:      e.Batch,
		Quantity:   e.Quantity,
		Deleted:    e.Deleted,
		Attributes: json.RawMessage(e.Attributes),
	}
}

// CollectionSnapshot records when a collection was last replaced from the remote backend.
type CollectionSnapshot struct {
	Collection      string `gorm:"column:collection;primaryKey;size:64;not null"`
	RecordCount     int    `gorm:"column:record_count;not null"`
	RefreshedAtMsec int64  `gorm:"column:refreshed_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionSnapshot) TableName() string {
	return "collection_snapshots"
}

// PendingAction is a durable record of a mutation that has not been confirmed by the remote backend.
type PendingAction struct {
	Sequence          int64          `gorm:"column:sequence;primaryKey;autoIncrement;index:idx_pending_actions_replay,priority:2"`
	ActionID          string         `gorm:"column:action_id;size:64;not null;uniqueIndex:idx_pending_actions_action"`
	Operation         string         `gorm:"column:operation;size:32;not null"`
	Collection        string         `gorm:"column:collection;size:64;not null"`
	EntityID          string         `gorm:"column:entity_id;size:190;not null;index:idx_pending_actions_entity"`
	StreamKey         string         `gorm:"column:stream_key;size:255;not null"`
	Payload           datatypes.JSON `gorm:"column:payload;not null"`
	Status            ActionStatus   `gorm:"column:status;size:16;not null;index:idx_pending_actions_replay,priority:1"`
	Attempts          int            `gorm:"column:attempts;not null;default:0"`
	LastError         string         `gorm:"column:last_error;type:text"`
	NextAttemptAtMsec int64          `gorm:"column:next_attempt_at_ms;not null;default:0"`
	CreatedAtMsec     int64          `gorm:"column:created_at_ms;not null"`
	UpdatedAtMsec     int64          `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingAction) TableName() string {
	return "pending_actions"
}

// Mutation rebuilds the queued mutation.
func (a PendingAction) Mutation() inventory.Mutation {
	return inventory.Mutation{
		Collection: inventory.Collection(a.Collection),
		Kind:       inventory.OperationKind(a.Operation),
		EntityID:   a.EntityID,
		Payload:    json.RawMessage(a.Payload),
	}
}

// NextAttemptAt reports the earliest time the action may be retried; zero means immediately.
func (a PendingAction) NextAttemptAt() time.Time {
	if a.NextAttemptAtMsec == 0 {
		return time.Time{}
	}
	return time.UnixMilli(a.NextAttemptAtMsec).UTC()
}

// CreatedAt reports when the action was queued.
func (a PendingAction) CreatedAt() time.Time {
	return time.UnixMilli(a.CreatedAtMsec).UTC()
}

// Snapshot is the cached state of one collection.
type Snapshot struct {
	Collection  inventory.Collection
	Records     []inventory.Record
	Populated   bool
	RefreshedAt time.Time
}

// Counts summarizes the pending-action log.
type Counts struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Failed   int64 `json:"failed"`
}

// Filter narrows ListPending results.
type Filter struct {
	Statuses []ActionStatus
	Limit    int
}
