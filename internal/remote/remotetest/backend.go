// Package remotetest provides an in-memory remote backend for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/shopspring/decimal"
)

// Backend is an in-memory remote.Backend. It honours idempotency tokens, keeps
// product and stock state, and rejects exits that exceed the available stock.
type Backend struct {
	mu          sync.Mutex
	collections map[inventory.Collection][]inventory.Record
	applied     map[string]inventory.Record
	submissions []remote.Submission
	fetches     int
	fetchErr    error
	submitErrs  []error
	nextID      int
	hook        func(remote.Submission)
}

// NewBackend constructs an empty backend.
func NewBackend() *Backend {
	return &Backend{
		collections: make(map[inventory.Collection][]inventory.Record),
		applied:     make(map[string]inventory.Record),
	}
}

// Seed replaces a collection with JSON objects.
func (b *Backend) Seed(collection inventory.Collection, objects ...string) {
	records := make([]inventory.Record, 0, len(objects))
	for _, object := range objects {
		record, err := inventory.RecordFromJSON(json.RawMessage(object))
		if err != nil {
			panic(err)
		}
		records = append(records, record)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collections[collection] = records
}

// FailFetches makes every FetchCollection call return err until cleared with nil.
func (b *Backend) FailFetches(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErr = err
}

// FailNextSubmits queues errors returned, in order, by the next Submit calls.
func (b *Backend) FailNextSubmits(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErrs = append(b.submitErrs, errs...)
}

// OnSubmit registers a hook invoked at the start of every Submit call.
func (b *Backend) OnSubmit(hook func(remote.Submission)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

// Submissions returns every submission received, including failed ones.
func (b *Backend) Submissions() []remote.Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]remote.Submission(nil), b.submissions...)
}

// Fetches reports how many collection fetches were attempted.
func (b *Backend) Fetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

// Records returns the current state of a collection.
func (b *Backend) Records(collection inventory.Collection) []inventory.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]inventory.Record(nil), b.collections[collection]...)
}

// Calls reports how many requests of any kind reached the backend.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches + len(b.submissions)
}

// FetchCollection implements remote.Backend.
func (b *Backend) FetchCollection(ctx context.Context, collection inventory.Collection) ([]inventory.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, &remote.TransientError{Err: err}
	}
	return append([]inventory.Record{}, b.collections[collection]...), nil
}

// Submit implements remote.Backend.
func (b *Backend) Submit(ctx context.Context, submission remote.Submission) (inventory.Record, error) {
	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		hook(submission)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.submissions = append(b.submissions, submission)
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		if err != nil {
			return inventory.Record{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return inventory.Record{}, &remote.TransientError{Err: err}
	}
	if record, ok := b.applied[submission.Token]; ok {
		return record, nil
	}

	record, err := b.apply(submission.Mutation)
	if err != nil {
		return inventory.Record{}, err
	}
	b.applied[submission.Token] = record
	return record, nil
}

func (b *Backend) apply(mutation inventory.Mutation) (inventory.Record, error) {
	switch mutation.Kind {
	case inventory.OperationCreate:
		var draft inventory.ProductDraft
		if err := json.Unmarshal(mutation.Payload, &draft); err != nil {
			return inventory.Record{}, rejected(http.StatusBadRequest, "invalid_payload", err.Error())
		}
		for _, existing := range b.collections[inventory.CollectionProducts] {
			if existing.Code == draft.Code && !existing.Deleted {
				return inventory.Record{}, rejected(http.StatusConflict, "duplicate_code", draft.Code)
			}
		}
		b.nextID++
		record := productRecord(fmt.Sprintf("remote-%d", b.nextID), draft.Code, draft.Name, draft.CategoryID, draft.Unit, draft.MinStock, draft.MaxStock, false)
		b.collections[inventory.CollectionProducts] = append(b.collections[inventory.CollectionProducts], record)
		return record, nil
	case inventory.OperationUpdate:
		var patch inventory.ProductPatch
		if err := json.Unmarshal(mutation.Payload, &patch); err != nil {
			return inventory.Record{}, rejected(http.StatusBadRequest, "invalid_payload", err.Error())
		}
		return b.updateProduct(patch.ID, func(current *inventory.Record) {
			if patch.Code != nil {
				current.Code = *patch.Code
			}
			if patch.Name != nil {
				current.Name = *patch.Name
			}
			if patch.CategoryID != nil {
				current.CategoryID = *patch.CategoryID
			}
			if patch.Unit != nil {
				current.Unit = *patch.Unit
			}
			if patch.MinStock != nil {
				current.MinStock = *patch.MinStock
			}
			if patch.MaxStock != nil {
				current.MaxStock = *patch.MaxStock
			}
		})
	case inventory.OperationSoftDelete:
		return b.updateProduct(mutation.EntityID, func(current *inventory.Record) {
			current.Deleted = true
		})
	case inventory.OperationRegisterEntry:
		var entry inventory.StockEntry
		if err := json.Unmarshal(mutation.Payload, &entry); err != nil {
			return inventory.Record{}, rejected(http.StatusBadRequest, "invalid_payload", err.Error())
		}
		return b.moveStock(entry.ProductID, entry.LocationID, entry.Batch, entry.Quantity)
	case inventory.OperationRegisterExit:
		var exit inventory.StockExit
		if err := json.Unmarshal(mutation.Payload, &exit); err != nil {
			return inventory.Record{}, rejected(http.StatusBadRequest, "invalid_payload", err.Error())
		}
		return b.moveStock(exit.ProductID, exit.LocationID, exit.Batch, exit.Quantity.Neg())
	default:
		return inventory.Record{}, rejected(http.StatusBadRequest, "unsupported_operation", string(mutation.Kind))
	}
}

func (b *Backend) updateProduct(productID string, change func(*inventory.Record)) (inventory.Record, error) {
	products := b.collections[inventory.CollectionProducts]
	for index := range products {
		if products[index].ID != productID {
			continue
		}
		current := products[index]
		change(&current)
		updated := productRecord(current.ID, current.Code, current.Name, current.CategoryID, current.Unit, current.MinStock, current.MaxStock, current.Deleted)
		products[index] = updated
		return updated, nil
	}
	return inventory.Record{}, rejected(http.StatusNotFound, "product_not_found", productID)
}

func (b *Backend) moveStock(productID, locationID, batch string, delta decimal.Decimal) (inventory.Record, error) {
	if !b.hasProduct(productID) {
		return inventory.Record{}, rejected(http.StatusNotFound, "product_not_found", productID)
	}
	rows := b.collections[inventory.CollectionInventory]
	for index := range rows {
		row := rows[index]
		if row.ProductID != productID || row.LocationID != locationID || row.Batch != batch {
			continue
		}
		next := row.Quantity.Add(delta)
		if next.IsNegative() {
			return inventory.Record{}, rejected(http.StatusUnprocessableEntity, "insufficient_stock", fmt.Sprintf("available %s", row.Quantity))
		}
		updated := stockRecord(row.ID, productID, locationID, batch, next)
		rows[index] = updated
		return updated, nil
	}
	if delta.IsNegative() {
		return inventory.Record{}, rejected(http.StatusUnprocessableEntity, "insufficient_stock", "available 0")
	}
	b.nextID++
	created := stockRecord(fmt.Sprintf("stock-%d", b.nextID), productID, locationID, batch, delta)
	b.collections[inventory.CollectionInventory] = append(rows, created)
	return created, nil
}

func (b *Backend) hasProduct(productID string) bool {
	for _, product := range b.collections[inventory.CollectionProducts] {
		if product.ID == productID && !product.Deleted {
			return true
		}
	}
	return false
}

func rejected(status int, code, message string) error {
	return &remote.RejectedError{Status: status, Code: code, Message: message}
}

func productRecord(id, code, name, categoryID, unit string, minStock, maxStock decimal.Decimal, deleted bool) inventory.Record {
	encoded, _ := json.Marshal(map[string]any{
		"id":          id,
		"code":        code,
		"name":        name,
		"category_id": categoryID,
		"unit":        unit,
		"min_stock":   minStock,
		"max_stock":   maxStock,
		"deleted":     deleted,
	})
	record, _ := inventory.RecordFromJSON(encoded)
	return record
}

func stockRecord(id, productID, locationID, batch string, quantity decimal.Decimal) inventory.Record {
	encoded, _ := json.Marshal(map[string]any{
		"id":          id,
		"product_id":  productID,
		"location_id": locationID,
		"batch":       batch,
		"quantity":    quantity,
	})
	record, _ := inventory.RecordFromJSON(encoded)
	return record
}
