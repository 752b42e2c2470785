package inventory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Record is the locally mirrored view of a remote-owned row. The flattened fields
// serve display and query needs; Attributes keeps the complete remote representation.
type Record struct {
	ID         string
	Code       string
	Name       string
	CategoryID string
	Unit       string
	MinStock   decimal.Decimal
	MaxStock   decimal.Decimal
	ProductID  string
	LocationID string
	Batch      string
	Quantity   decimal.Decimal
	Deleted    bool
	Attributes json.RawMessage
}

type recordFields struct {
	ID         string          `json:"id"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	CategoryID string          `json:"category_id"`
	Unit       string          `json:"unit"`
	MinStock   decimal.Decimal `json:"min_stock"`
	MaxStock   decimal.Decimal `json:"max_stock"`
	ProductID  string          `json:"product_id"`
	LocationID string          `json:"location_id"`
	Batch      string          `json:"batch"`
	Quantity   decimal.Decimal `json:"quantity"`
	Deleted    bool            `json:"deleted"`
}

// RecordFromJSON extracts the flattened fields of a remote JSON object.
func RecordFromJSON(raw json.RawMessage) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, fmt.Errorf("%w: expected json object", ErrInvalidRecord)
	}
	var fields recordFields
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	id := strings.TrimSpace(fields.ID)
	if id == "" {
		return Record{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if len(id) > maxIdentifierLength {
		return Record{}, fmt.Errorf("%w: id exceeds %d characters", ErrInvalidRecord, maxIdentifierLength)
	}
	return Record{
		ID:         id,
		Code:       strings.TrimSpace(fields.Code),
		Name:       strings.TrimSpace(fields.Name),
		CategoryID: strings.TrimSpace(fields.CategoryID),
		Unit:       strings.TrimSpace(fields.Unit),
		MinStock:   fields.MinStock,
		MaxStock:   fields.MaxStock,
		ProductID:  strings.TrimSpace(fields.ProductID),
		LocationID: strings.TrimSpace(fields.LocationID),
		Batch:      strings.TrimSpace(fields.Batch),
		Quantity:   fields.Quantity,
		Deleted:    fields.Deleted,
		Attributes: append(json.RawMessage(nil), trimmed...),
	}, nil
}

// RecordsFromJSON converts a remote collection payload, rejecting the whole batch on the first invalid row.
func RecordsFromJSON(items []json.RawMessage) ([]Record, error) {
	records := make([]Record, 0, len(items))
	for index, item := range items {
		record, err := RecordFromJSON(item)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", index, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Product is the catalog view of a product record.
type Product struct {
	ID         string          `json:"id"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	CategoryID string          `json:"category_id"`
	Unit       string          `json:"unit"`
	MinStock   decimal.Decimal `json:"min_stock"`
	MaxStock   decimal.Decimal `json:"max_stock"`
	Deleted    bool            `json:"deleted"`
}

// ProductFromRecord projects a mirrored record onto the product view.
func ProductFromRecord(record Record) Product {
	return Product{
		ID:         record.ID,
		Code:       record.Code,
		Name:       record.Name,
		CategoryID: record.CategoryID,
		Unit:       record.Unit,
		MinStock:   record.MinStock,
		MaxStock:   record.MaxStock,
		Deleted:    record.Deleted,
	}
}

// BelowMinimum reports whether the quantity is under the product's reorder threshold.
func (p Product) BelowMinimum(quantity decimal.Decimal) bool {
	if p.MinStock.IsZero() {
		return false
	}
	return quantity.LessThan(p.MinStock)
}

// Reference is the view of a category or location record.
type Reference struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// ReferenceFromRecord projects a mirrored record onto the reference view.
func ReferenceFromRecord(record Record) Reference {
	return Reference{ID: record.ID, Code: record.Code, Name: record.Name}
}

// StockRow is the view of an inventory record: the quantity of one batch of a product at a location.
type StockRow struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"product_id"`
	LocationID string          `json:"location_id"`
	Batch      string          `json:"batch"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// StockRowFromRecord projects a mirrored record onto the stock row view.
func StockRowFromRecord(record Record) StockRow {
	return StockRow{
		ID:         record.ID,
		ProductID:  record.ProductID,
		LocationID: record.LocationID,
		Batch:      record.Batch,
		Quantity:   record.Quantity,
	}
}
