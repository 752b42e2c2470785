package remotesvc

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MovementKind enumerates ledger movement directions.
type MovementKind string

const (
	// MovementEntry increases stock.
	MovementEntry MovementKind = "entry"
	// MovementExit decreases stock.
	MovementExit MovementKind = "exit"
)

// Product is a catalog row. Deleted products stay in the table.
type Product struct {
	ID              string          `gorm:"column:id;primaryKey;size:190"`
	Code            string          `gorm:"column:code;size:190;not null;index"`
	Name            string          `gorm:"column:name;not null"`
	CategoryID      string          `gorm:"column:category_id;size:190"`
	Unit            string          `gorm:"column:unit;not null"`
	MinStock        decimal.Decimal `gorm:"column:min_stock;type:text;not null"`
	MaxStock        decimal.Decimal `gorm:"column:max_stock;type:text;not null"`
	Deleted         bool            `gorm:"column:deleted;not null;default:false"`
	DeleteReason    string          `gorm:"column:delete_reason"`
	CreatedAtMillis int64           `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64           `gorm:"column:updated_at_ms;not null"`
}

// TableName binds the model to the products table.
func (Product) TableName() string {
	return "products"
}

// Category groups products.
type Category struct {
	ID   string `gorm:"column:id;primaryKey;size:190"`
	Code string `gorm:"column:code;size:190;not null;uniqueIndex"`
	Name string `gorm:"column:name;not null"`
}

// TableName binds the model to the categories table.
func (Category) TableName() string {
	return "categories"
}

// Location is a place stock is kept.
type Location struct {
	ID   string `gorm:"column:id;primaryKey;size:190"`
	Code string `gorm:"column:code;size:190;not null;uniqueIndex"`
	Name string `gorm:"column:name;not null"`
}

// TableName binds the model to the locations table.
func (Location) TableName() string {
	return "locations"
}

// StockRow holds the quantity of one batch of a product at a location.
type StockRow struct {
	ID              string          `gorm:"column:id;primaryKey;size:190"`
	ProductID       string          `gorm:"column:product_id;size:190;not null;uniqueIndex:idx_stock_slot,priority:1"`
	LocationID      string          `gorm:"column:location_id;size:190;not null;uniqueIndex:idx_stock_slot,priority:2"`
	Batch           string          `gorm:"column:batch;size:190;not null;uniqueIndex:idx_stock_slot,priority:3"`
	Quantity        decimal.Decimal `gorm:"column:quantity;type:text;not null"`
	ExpiresOn       string          `gorm:"column:expires_on"`
	UpdatedAtMillis int64           `gorm:"column:updated_at_ms;not null"`
}

// TableName binds the model to the stock_rows table.
func (StockRow) TableName() string {
	return "stock_rows"
}

// Movement is an append-only ledger line.
type Movement struct {
	ID              string          `gorm:"column:id;primaryKey;size:190"`
	StockRowID      string          `gorm:"column:stock_row_id;size:190;not null;index"`
	ProductID       string          `gorm:"column:product_id;size:190;not null;index"`
	Kind            MovementKind    `gorm:"column:kind;size:16;not null"`
	Quantity        decimal.Decimal `gorm:"column:quantity;type:text;not null"`
	UnitCost        decimal.Decimal `gorm:"column:unit_cost;type:text;not null"`
	Balance         decimal.Decimal `gorm:"column:balance;type:text;not null"`
	Reason          string          `gorm:"column:reason;not null"`
	OperatorID      string          `gorm:"column:operator_id;size:190"`
	CreatedAtMillis int64           `gorm:"column:created_at_ms;not null"`
}

// TableName binds the model to the stock_movements table.
func (Movement) TableName() string {
	return "stock_movements"
}

// IdempotencyKey stores the response of a successful mutation so replays of the
// same token return it without applying the mutation again.
type IdempotencyKey struct {
	Token           string         `gorm:"column:token;primaryKey;size:190"`
	Operation       string         `gorm:"column:operation;size:32;not null"`
	EntityID        string         `gorm:"column:entity_id;size:190"`
	OperatorID      string         `gorm:"column:operator_id;size:190"`
	Response        datatypes.JSON `gorm:"column:response;not null"`
	CreatedAtMillis int64          `gorm:"column:created_at_ms;not null"`
}

// TableName binds the model to the idempotency_keys table.
func (IdempotencyKey) TableName() string {
	return "idempotency_keys"
}

type productView struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	CategoryID   string          `json:"category_id"`
	Unit         string          `json:"unit"`
	MinStock     decimal.Decimal `json:"min_stock"`
	MaxStock     decimal.Decimal `json:"max_stock"`
	Deleted      bool            `json:"deleted"`
	DeleteReason string          `json:"delete_reason,omitempty"`
	UpdatedAt    int64           `json:"updated_at_ms"`
}

type referenceView struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type stockView struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"product_id"`
	LocationID string          `json:"location_id"`
	Batch      string          `json:"batch"`
	Quantity   decimal.Decimal `json:"quantity"`
	ExpiresOn  string          `json:"expires_on,omitempty"`
	UpdatedAt  int64           `json:"updated_at_ms"`
}

func (p Product) encode() (json.RawMessage, error) {
	return json.Marshal(productView{
		ID:           p.ID,
		Code:         p.Code,
		Name:         p.Name,
		CategoryID:   p.CategoryID,
		Unit:         p.Unit,
		MinStock:     p.MinStock,
		MaxStock:     p.MaxStock,
		Deleted:      p.Deleted,
		DeleteReason: p.DeleteReason,
		UpdatedAt:    p.UpdatedAtMillis,
	})
}

func (c Category) encode() (json.RawMessage, error) {
	return json.Marshal(referenceView{ID: c.ID, Code: c.Code, Name: c.Name})
}

func (l Location) encode() (json.RawMessage, error) {
	return json.Marshal(referenceView{ID: l.ID, Code: l.Code, Name: l.Name})
}

func (s StockRow) encode() (json.RawMessage, error) {
	return json.Marshal(stockView{
		ID:         s.ID,
		ProductID:  s.ProductID,
		LocationID: s.LocationID,
		Batch:      s.Batch,
		Quantity:   s.Quantity,
		ExpiresOn:  s.ExpiresOn,
		UpdatedAt:  s.UpdatedAtMillis,
	})
}
