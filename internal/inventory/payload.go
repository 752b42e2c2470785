package inventory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const expiryDateLayout = "2006-01-02"

// rebindableFields lists payload keys that may hold an entity reference.
var rebindableFields = []string{"id", "product_id"}

// ProductDraft carries every field needed to create a product remotely.
type ProductDraft struct {
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	CategoryID string          `json:"category_id"`
	Unit       string          `json:"unit"`
	MinStock   decimal.Decimal `json:"min_stock"`
	MaxStock   decimal.Decimal `json:"max_stock"`
}

// Validate checks the draft for completeness.
func (d ProductDraft) Validate() error {
	if strings.TrimSpace(d.Code) == "" {
		return fmt.Errorf("%w: product code required", ErrInvalidPayload)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: product name required", ErrInvalidPayload)
	}
	if strings.TrimSpace(d.Unit) == "" {
		return fmt.Errorf("%w: product unit required", ErrInvalidPayload)
	}
	return validateThresholds(d.MinStock, d.MaxStock)
}

// ProductPatch carries the fields to change on an existing product; nil fields are left untouched.
type ProductPatch struct {
	ID         string           `json:"id"`
	Code       *string          `json:"code,omitempty"`
	Name       *string          `json:"name,omitempty"`
	CategoryID *string          `json:"category_id,omitempty"`
	Unit       *string          `json:"unit,omitempty"`
	MinStock   *decimal.Decimal `json:"min_stock,omitempty"`
	MaxStock   *decimal.Decimal `json:"max_stock,omitempty"`
}

// Validate checks the patch for completeness.
func (p ProductPatch) Validate() error {
	if _, err := NewEntityID(p.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Code == nil && p.Name == nil && p.CategoryID == nil && p.Unit == nil && p.MinStock == nil && p.MaxStock == nil {
		return fmt.Errorf("%w: patch changes no fields", ErrInvalidPayload)
	}
	if p.Code != nil && strings.TrimSpace(*p.Code) == "" {
		return fmt.Errorf("%w: product code cannot be blank", ErrInvalidPayload)
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: product name cannot be blank", ErrInvalidPayload)
	}
	if p.Unit != nil && strings.TrimSpace(*p.Unit) == "" {
		return fmt.Errorf("%w: product unit cannot be blank", ErrInvalidPayload)
	}
	if p.MinStock != nil && p.MinStock.IsNegative() {
		return fmt.Errorf("%w: minimum stock cannot be negative", ErrInvalidPayload)
	}
	if p.MaxStock != nil && p.MaxStock.IsNegative() {
		return fmt.Errorf("%w: maximum stock cannot be negative", ErrInvalidPayload)
	}
	if p.MinStock != nil && p.MaxStock != nil {
		return validateThresholds(*p.MinStock, *p.MaxStock)
	}
	return nil
}

// ProductDeletion soft-deletes a product.
type ProductDeletion struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// Validate checks the deletion for completeness.
func (d ProductDeletion) Validate() error {
	if _, err := NewEntityID(d.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// StockEntry registers incoming stock. The remote backend creates or increments the
// inventory row and appends the ledger movement as one unit.
type StockEntry struct {
	ProductID  string          `json:"product_id"`
	LocationID string          `json:"location_id"`
	Batch      string          `json:"batch"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ExpiresOn  string          `json:"expires_on,omitempty"`
	Reason     string          `json:"reason"`
}

// Validate checks the entry for completeness.
func (e StockEntry) Validate() error {
	if err := validateMovement(e.ProductID, e.LocationID, e.Batch, e.Quantity, e.Reason); err != nil {
		return err
	}
	if e.UnitCost.IsNegative() {
		return fmt.Errorf("%w: unit cost cannot be negative", ErrInvalidPayload)
	}
	if e.ExpiresOn != "" {
		if _, err := time.Parse(expiryDateLayout, e.ExpiresOn); err != nil {
			return fmt.Errorf("%w: expiry must be formatted as %s", ErrInvalidPayload, expiryDateLayout)
		}
	}
	return nil
}

// StockExit registers outgoing stock. Availability is checked by the remote backend only.
type StockExit struct {
	ProductID  string          `json:"product_id"`
	LocationID string          `json:"location_id"`
	Batch      string          `json:"batch"`
	Quantity   decimal.Decimal `json:"quantity"`
	Reason     string          `json:"reason"`
}

// Validate checks the exit for completeness.
func (e StockExit) Validate() error {
	return validateMovement(e.ProductID, e.LocationID, e.Batch, e.Quantity, e.Reason)
}

func validateMovement(productID, locationID, batch string, quantity decimal.Decimal, reason string) error {
	if _, err := NewEntityID(productID); err != nil {
		return fmt.Errorf("%w: product: %v", ErrInvalidPayload, err)
	}
	if _, err := NewEntityID(locationID); err != nil {
		return fmt.Errorf("%w: location: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(batch) == "" {
		return fmt.Errorf("%w: batch required", ErrInvalidPayload)
	}
	if !quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidPayload)
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: reason required", ErrInvalidPayload)
	}
	return nil
}

func validateThresholds(minStock, maxStock decimal.Decimal) error {
	if minStock.IsNegative() || maxStock.IsNegative() {
		return fmt.Errorf("%w: stock thresholds cannot be negative", ErrInvalidPayload)
	}
	if !maxStock.IsZero() && maxStock.LessThan(minStock) {
		return fmt.Errorf("%w: maximum stock below minimum stock", ErrInvalidPayload)
	}
	return nil
}

// Mutation is one mutating call routed through the write-behind queue.
type Mutation struct {
	Collection Collection
	Kind       OperationKind
	EntityID   string
	Payload    json.RawMessage
}

// NewProductCreation builds a create mutation.
func NewProductCreation(draft ProductDraft) (Mutation, error) {
	return newMutation(CollectionProducts, OperationCreate, "", draft)
}

// NewProductUpdate builds an update mutation.
func NewProductUpdate(patch ProductPatch) (Mutation, error) {
	return newMutation(CollectionProducts, OperationUpdate, strings.TrimSpace(patch.ID), patch)
}

// NewProductDeletion builds a soft-delete mutation.
func NewProductDeletion(deletion ProductDeletion) (Mutation, error) {
	return newMutation(CollectionProducts, OperationSoftDelete, strings.TrimSpace(deletion.ID), deletion)
}

// NewStockEntry builds a register-entry mutation.
func NewStockEntry(entry StockEntry) (Mutation, error) {
	return newMutation(CollectionInventory, OperationRegisterEntry, strings.TrimSpace(entry.ProductID), entry)
}

// NewStockExit builds a register-exit mutation.
func NewStockExit(exit StockExit) (Mutation, error) {
	return newMutation(CollectionInventory, OperationRegisterExit, strings.TrimSpace(exit.ProductID), exit)
}

func newMutation(collection Collection, kind OperationKind, entityID string, payload any) (Mutation, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	mutation := Mutation{
		Collection: collection,
		Kind:       kind,
		EntityID:   entityID,
		Payload:    encoded,
	}
	if err := mutation.Validate(); err != nil {
		return Mutation{}, err
	}
	return mutation, nil
}

// Validate checks that the mutation targets a supported operation and that its payload
// carries every field the remote operation needs.
func (m Mutation) Validate() error {
	if _, ok := knownCollections[m.Collection]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, m.Collection)
	}
	if !m.Collection.Supports(m.Kind) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedOperation, m.Kind, m.Collection)
	}
	if len(bytes.TrimSpace(m.Payload)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	switch m.Kind {
	case OperationCreate:
		var draft ProductDraft
		if err := decodePayload(m.Payload, &draft); err != nil {
			return err
		}
		return draft.Validate()
	case OperationUpdate:
		var patch ProductPatch
		if err := decodePayload(m.Payload, &patch); err != nil {
			return err
		}
		if err := patch.Validate(); err != nil {
			return err
		}
		return m.requireEntity(patch.ID)
	case OperationSoftDelete:
		var deletion ProductDeletion
		if err := decodePayload(m.Payload, &deletion); err != nil {
			return err
		}
		if err := deletion.Validate(); err != nil {
			return err
		}
		return m.requireEntity(deletion.ID)
	case OperationRegisterEntry:
		var entry StockEntry
		if err := decodePayload(m.Payload, &entry); err != nil {
			return err
		}
		if err := entry.Validate(); err != nil {
			return err
		}
		return m.requireEntity(entry.ProductID)
	case OperationRegisterExit:
		var exit StockExit
		if err := decodePayload(m.Payload, &exit); err != nil {
			return err
		}
		if err := exit.Validate(); err != nil {
			return err
		}
		return m.requireEntity(exit.ProductID)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, m.Kind)
	}
}

func (m Mutation) requireEntity(payloadEntityID string) error {
	if strings.TrimSpace(m.EntityID) != strings.TrimSpace(payloadEntityID) {
		return fmt.Errorf("%w: entity id %q does not match payload %q", ErrInvalidPayload, m.EntityID, payloadEntityID)
	}
	return nil
}

// ReferencesLocal reports whether the mutation targets a record that has not reached the remote backend.
func (m Mutation) ReferencesLocal() bool {
	return IsLocalRef(m.EntityID)
}

func decodePayload(payload json.RawMessage, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// RebindPayload replaces references to a local placeholder with the remote-assigned id.
// It reports whether the payload changed.
func RebindPayload(payload json.RawMessage, localRef, remoteID string) (json.RawMessage, bool, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	fields := map[string]any{}
	if err := decoder.Decode(&fields); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	changed := false
	for _, key := range rebindableFields {
		value, ok := fields[key].(string)
		if ok && value == localRef {
			fields[key] = remoteID
			changed = true
		}
	}
	if !changed {
		return payload, false, nil
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return encoded, true, nil
}
